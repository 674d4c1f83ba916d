package wa

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// eventBuffer is the capacity of each client's event stream.
const eventBuffer = 256

// Factory creates whatsmeow clients that share one device container. The
// device JID is the only credential the gateway stores itself; the key
// material lives in the container.
type Factory struct {
	container *sqlstore.Container
	cfg       config.Processor
	qrTimeout time.Duration
	logger    *zap.Logger
}

// NewFactory opens the device container described by sc. An empty sqlite
// address falls back to sessionDB. Pairing attempts give up after qrTimeout.
func NewFactory(ctx context.Context, sc config.Store, sessionDB string, pc config.Processor, qrTimeout time.Duration, logger *zap.Logger) (*Factory, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WPP-GW", [3]uint32{0, 1, 0})

	logger = logging.OrNop(logger)
	dialect, addr := sc.CredentialDialect, sc.CredentialAddress
	if dialect == "" {
		dialect = "sqlite3"
	}
	if addr == "" && dialect == "sqlite3" {
		addr = fmt.Sprintf("file:%s?_foreign_keys=on", sessionDB)
	}

	container, err := sqlstore.New(ctx, dialect, addr, NewLogger(logger.Named("wa.store")))
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &Factory{container: container, cfg: pc, qrTimeout: qrTimeout, logger: logger}, nil
}

// New implements conn.Factory.
func (f *Factory) New(ctx context.Context, account string, creds conn.Credentials, hooks conn.Hooks) (conn.Client, error) {
	device, err := f.device(ctx, account, creds)
	if err != nil {
		return nil, err
	}

	logger := f.logger.With(zap.String("account", account))
	wm := whatsmeow.NewClient(device, NewLogger(logger.Named("wa.client")))
	// Reconnects are scheduled by the gateway with its own backoff.
	wm.EnableAutoReconnect = false

	c := newClient(account, wm, hooks, f.cfg, logger)
	c.qrTimeout = f.qrTimeout
	return c, nil
}

// Close releases the device container.
func (f *Factory) Close() error {
	return f.container.Close()
}

func (f *Factory) device(ctx context.Context, account string, creds conn.Credentials) (*wastore.Device, error) {
	if creds.Empty() {
		return f.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(string(creds.Blob))
	if err != nil {
		return nil, fmt.Errorf("parse device id: %w", err)
	}
	device, err := f.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}
	if device == nil {
		f.logger.Warn("device missing from store, pairing again",
			zap.String("account", account), zap.String("device", jid.String()))
		return f.container.NewDevice(), nil
	}
	return device, nil
}
