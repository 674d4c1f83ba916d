// Package daemon composes the gateway with fx and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/dedup"
	"github.com/contactevin2u/chatunclev2-sub001/internal/groupcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/health"
	"github.com/contactevin2u/chatunclev2-sub001/internal/identity"
	"github.com/contactevin2u/chatunclev2-sub001/internal/lock"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/msgcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/outbox"
	"github.com/contactevin2u/chatunclev2-sub001/internal/reconnect"
	"github.com/contactevin2u/chatunclev2-sub001/internal/session"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
	intsync "github.com/contactevin2u/chatunclev2-sub001/internal/sync"
	"github.com/contactevin2u/chatunclev2-sub001/internal/wa"
)

// Params holds the resolved command-line configuration passed to the fx module.
type Params struct {
	DataDir    string
	ConfigPath string
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			providePaths,
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideDedup,
			provideMessageCache,
			provideGroupCache,
			provideIdentity,
			provideEngine,
			provideRegistry,
			provideReconnect,
			provideHealth,
			provideFactory,
			provideManager,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func providePaths(p Params) (config.Paths, error) {
	paths := config.Paths{DataDir: p.DataDir}
	if err := paths.EnsureDirs(); err != nil {
		return config.Paths{}, err
	}
	return paths, nil
}

func provideConfig(p Params, paths config.Paths) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = config.ResolveConfigPath("", paths.DataDir)
	}
	return config.Load(path)
}

func provideLogger(cfg *config.Config, paths config.Paths) (*zap.Logger, error) {
	return logging.New(paths.LogFile(), cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(paths config.Paths, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", paths.DataDir))
	l, err := lock.Acquire(paths.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so no second daemon migrates underneath us.
func provideStore(paths config.Paths, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.AppDB()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDedup(cfg *config.Config, db *store.DB, logger *zap.Logger) *dedup.Deduplicator {
	return dedup.New(cfg.Dedup, db, logger)
}

func provideMessageCache(cfg *config.Config, db *store.DB, logger *zap.Logger) *msgcache.Cache {
	return msgcache.New(cfg.Cache, db, logger)
}

func provideGroupCache(cfg *config.Config, logger *zap.Logger) *groupcache.Cache {
	return groupcache.New(cfg.Cache, logger)
}

func provideIdentity(db *store.DB, logger *zap.Logger) *identity.Resolver {
	return identity.New(db, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, d *dedup.Deduplicator, msgs *msgcache.Cache, groups *groupcache.Cache, ids *identity.Resolver, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(cfg.Processor, intsync.Deps{
		Store:    db,
		Dedup:    d,
		Messages: msgs,
		Groups:   groups,
		Identity: ids,
		Bus:      b,
		Logger:   logger,
	})
}

func provideRegistry(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Registry {
	return outbox.NewRegistry(cfg.RateLimit, db, b, logger)
}

func provideReconnect(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *reconnect.Manager {
	return reconnect.NewManager(cfg.Reconnect, b, logger)
}

func provideHealth(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *health.Monitor {
	return health.NewMonitor(cfg.Health, b, logger)
}

func provideFactory(cfg *config.Config, paths config.Paths, logger *zap.Logger) (*wa.Factory, error) {
	return wa.NewFactory(context.Background(), cfg.Store, paths.SessionDB(), cfg.Processor, cfg.Session.QRTimeout, logger)
}

type managerParams struct {
	fx.In

	Config    *config.Config
	Factory   *wa.Factory
	Store     *store.DB
	Engine    *intsync.Engine
	Queues    *outbox.Registry
	Reconnect *reconnect.Manager
	Health    *health.Monitor
	Messages  *msgcache.Cache
	Groups    *groupcache.Cache
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func provideManager(p managerParams) *session.Manager {
	return session.NewManager(p.Config.Session, session.Deps{
		Factory:   p.Factory,
		Store:     p.Store,
		Engine:    p.Engine,
		Queues:    p.Queues,
		Reconnect: p.Reconnect,
		Health:    p.Health,
		Messages:  p.Messages,
		Groups:    p.Groups,
		Bus:       p.Bus,
		Logger:    p.Logger,
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	Store     *store.DB
	Factory   *wa.Factory
	Manager   *session.Manager
	Dedup     *dedup.Deduplicator
	Messages  *msgcache.Cache
	Groups    *groupcache.Cache
	Health    *health.Monitor
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	// Background sweepers live until OnStop.
	workers, stopWorkers := context.WithCancel(context.Background())
	logger := p.Logger

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.Dedup.Start(workers)
			p.Messages.Start(workers)
			p.Groups.Start(workers)
			p.Health.Start(workers)

			p.Server.Watch(workers, p.Bus)
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Restoring dials every stored account; it must not hold up startup.
			go func() {
				n, err := p.Manager.RestoreAll(workers)
				if err != nil {
					logger.Warn("some accounts failed to restore", zap.Int("restored", n), zap.Error(err))
					return
				}
				logger.Info("accounts restored", zap.Int("restored", n))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if err := p.Manager.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
			}
			stopWorkers()
			p.Server.Stop(ctx)
			if err := p.Factory.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session store: %w", err))
			}
			if err := p.Store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return errors.Join(errs...)
		},
	})
}
