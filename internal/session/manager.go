// Package session owns the live connection of every account. The Manager
// drives the connection state machine, wires each connection's events into
// the processor, health monitor and reconnect manager, and is the only
// component that ever holds a conn.Client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
	"github.com/contactevin2u/chatunclev2-sub001/internal/groupcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/health"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/msgcache"
	"github.com/contactevin2u/chatunclev2-sub001/internal/outbox"
	"github.com/contactevin2u/chatunclev2-sub001/internal/reconnect"
	"github.com/contactevin2u/chatunclev2-sub001/internal/status"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
	intsync "github.com/contactevin2u/chatunclev2-sub001/internal/sync"
)

// Store is the account and credential persistence the Manager needs.
type Store interface {
	EnsureAccount(ctx context.Context, id string) (*store.Account, error)
	SetIncognito(ctx context.Context, id string, on bool) error
	SetPhone(ctx context.Context, id, phone string) error
	LoadCredentials(ctx context.Context, account string) (conn.Credentials, error)
	SaveCredentials(ctx context.Context, account string, creds conn.Credentials) error
	PurgeCredentials(ctx context.Context, account string) error
	ListAccountsWithCredentials(ctx context.Context) ([]string, error)
}

// Deps are the collaborators a Manager wires together.
type Deps struct {
	Factory   conn.Factory
	Store     Store
	Engine    *intsync.Engine
	Queues    *outbox.Registry
	Reconnect *reconnect.Manager
	Health    *health.Monitor
	Messages  *msgcache.Cache
	Groups    *groupcache.Cache
	Bus       bus.Publisher
	Logger    *zap.Logger
}

// QR is the payload of session.qr events.
type QR struct {
	Code    string
	PNG     []byte
	Timeout time.Duration
}

// LoggedOut is the payload of session.logged_out events.
type LoggedOut struct {
	Reason conn.CloseReason
}

// SendOptions tunes one outbound send.
type SendOptions struct {
	// ClientMsgID is assigned when empty.
	ClientMsgID string
	Priority    int
	Bulk        bool
}

// Manager is the registry of live sessions.
type Manager struct {
	cfg       config.Session
	factory   conn.Factory
	store     Store
	engine    *intsync.Engine
	queues    *outbox.Registry
	reconnect *reconnect.Manager
	health    *health.Monitor
	messages  *msgcache.Cache
	groups    *groupcache.Cache
	bus       bus.Publisher
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	machines map[string]*status.Machine
	locks    map[string]*sync.Mutex
	guards   map[string]time.Time

	stopped atomic.Bool
	now     func() time.Time
}

// NewManager creates a Manager and installs it as the reconnect connector
// and the health monitor's reconnector.
func NewManager(cfg config.Session, d Deps) *Manager {
	b := d.Bus
	if b == nil {
		b = bus.Nop{}
	}
	m := &Manager{
		cfg:       cfg,
		factory:   d.Factory,
		store:     d.Store,
		engine:    d.Engine,
		queues:    d.Queues,
		reconnect: d.Reconnect,
		health:    d.Health,
		messages:  d.Messages,
		groups:    d.Groups,
		bus:       b,
		logger:    logging.OrNop(d.Logger).Named("session"),
		sessions:  make(map[string]*Session),
		machines:  make(map[string]*status.Machine),
		locks:     make(map[string]*sync.Mutex),
		guards:    make(map[string]time.Time),
		now:       time.Now,
	}
	m.reconnect.SetConnector(m.reconnectAccount)
	m.health.SetReconnector(m.recover)
	m.health.AddEvictor(m.messages, m.groups)
	return m
}

// Connect opens a session for account, first tearing down any live one, and
// returns once the client is dialing. Readiness is reported through the
// account's state machine.
func (m *Manager) Connect(ctx context.Context, account string) error {
	if err := config.ValidateAccountID(account); err != nil {
		return err
	}
	if m.stopped.Load() {
		return errs.ErrShuttingDown
	}
	unlock := m.lockAccount(account)
	defer unlock()
	m.clearGuard(account)
	return m.connectLocked(ctx, account)
}

// connectLocked dials account. The caller holds the account lock.
func (m *Manager) connectLocked(ctx context.Context, account string) error {
	if old := m.detach(account, nil); old != nil {
		m.logger.Info("replacing live session", zap.String("account", account))
		m.teardown(old)
		m.health.Untrack(account)
	}

	acc, err := m.store.EnsureAccount(ctx, account)
	if err != nil {
		return errs.Dependency("ensure account", account, err)
	}
	creds, err := m.store.LoadCredentials(ctx, account)
	if err != nil {
		return errs.Dependency("load credentials", account, err)
	}

	machine := m.machine(account)
	machine.Settle()
	if err := machine.Transition(status.Connecting); err != nil {
		return err
	}

	client, err := m.factory.New(ctx, account, creds, m.hooks(account))
	if err != nil {
		_ = machine.Transition(status.Error)
		return &errs.ConnectionError{Account: account, Reason: "create client", Err: err}
	}
	events, err := client.Connect(ctx)
	if err != nil {
		client.Disconnect()
		_ = machine.Transition(status.Error)
		return &errs.ConnectionError{Account: account, Reason: "connect", Err: err}
	}

	logger := m.logger.With(zap.String("account", account))
	s := newSession(account, client, machine, logger)
	s.incognito.Store(acc.Incognito)

	m.mu.Lock()
	m.sessions[account] = s
	m.mu.Unlock()

	m.queues.Queue(account, outbox.AccountQueue{
		Sender:    accountSender{m: m, account: account},
		CreatedAt: time.UnixMilli(acc.CreatedAt),
		OnResult:  m.recordSent(account),
	})

	s.wg.Add(2)
	go m.pump(s, events)
	go m.historyTask(s)

	logger.Info("session connecting", zap.Bool("paired", !creds.Empty()))
	return nil
}

// Send queues content for recipient. It waits up to the ready timeout for
// the session to finish its initial sync and otherwise fails with a
// NotReadyError. Queue and rate-limit rejections are returned immediately.
func (m *Manager) Send(ctx context.Context, account, recipient string, content conn.Content, opts SendOptions) (*outbox.Ticket, error) {
	if m.stopped.Load() {
		return nil, errs.ErrShuttingDown
	}
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}
	if content.IsEmpty() {
		return nil, errors.New("message content is empty")
	}
	s := m.session(account)
	if s == nil {
		return nil, &errs.NotReadyError{Account: account, State: string(m.State(account))}
	}
	if !m.awaitReady(ctx, s) {
		return nil, &errs.NotReadyError{Account: account, State: string(s.machine.Current())}
	}
	q, ok := m.queues.Lookup(account)
	if !ok {
		return nil, &errs.NotReadyError{Account: account, State: string(m.State(account))}
	}
	return q.Enqueue(ctx, outbox.Item{
		ClientMsgID: opts.ClientMsgID,
		Recipient:   recipient,
		Content:     content,
		Priority:    opts.Priority,
		Bulk:        opts.Bulk,
	})
}

func (m *Manager) awaitReady(ctx context.Context, s *Session) bool {
	if s.isReady() {
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	return s.waitReady(wctx)
}

// Disconnect closes account's session gracefully. Pending sends fail with
// ErrShuttingDown, caches for the account are dropped, and trailing events
// of the dying connection are ignored for the deletion guard window.
func (m *Manager) Disconnect(ctx context.Context, account string) error {
	unlock := m.lockAccount(account)
	defer unlock()
	m.disconnectLocked(account)
	m.logger.Info("session disconnected", zap.String("account", account))
	return nil
}

func (m *Manager) disconnectLocked(account string) *Session {
	m.setGuard(account)
	m.reconnect.Cancel(account)
	m.queues.Remove(account)
	s := m.detach(account, nil)
	if s != nil {
		m.teardown(s)
	}
	m.health.Untrack(account)
	m.messages.Clear(account)
	m.groups.Clear(account)
	m.machine(account).Settle()
	return s
}

// Logout unpairs the account on the remote side, disconnects it and purges
// its credentials. It never auto-reconnects.
func (m *Manager) Logout(ctx context.Context, account string) error {
	unlock := m.lockAccount(account)
	defer unlock()

	if s := m.session(account); s != nil {
		s.closing.Store(true)
		if err := s.client.Logout(ctx); err != nil {
			m.logger.Warn("remote logout failed", zap.String("account", account), zap.Error(err))
		}
	}
	m.disconnectLocked(account)
	if err := m.store.PurgeCredentials(ctx, account); err != nil {
		return errs.Dependency("purge credentials", account, err)
	}
	m.bus.Publish(bus.Event{
		Kind:    bus.KindLoggedOut,
		Account: account,
		Payload: LoggedOut{Reason: conn.CloseRequested},
	})
	m.logger.Info("session logged out", zap.String("account", account))
	return nil
}

// RestoreAll connects every account with stored credentials, bounded by the
// restore concurrency. Accounts that fail are handed to the reconnect
// manager; the joined failures are returned with the number restored.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	accounts, err := m.store.ListAccountsWithCredentials(ctx)
	if err != nil {
		return 0, errs.Dependency("list accounts", "", err)
	}

	var (
		mu       sync.Mutex
		restored int
		failed   []error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.RestoreConcurrency)
	for _, account := range accounts {
		g.Go(func() error {
			err := m.Connect(ctx, account)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, fmt.Errorf("restore %s: %w", account, err))
				m.logger.Warn("restore failed", zap.String("account", account), zap.Error(err))
				if !errors.Is(err, errs.ErrShuttingDown) {
					_, _ = m.reconnect.Schedule(account, "restore failed")
				}
				return nil
			}
			restored++
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("sessions restored", zap.Int("restored", restored), zap.Int("failed", len(failed)))
	return restored, errors.Join(failed...)
}

// Shutdown stops accepting sends, cancels pending reconnects, fails queued
// sends, closes every session and stops the health monitor. It returns
// ctx.Err() if sessions have not closed before ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	m.reconnect.Stop()
	m.queues.CloseAll()

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for account, s := range m.sessions {
		live = append(live, s)
		m.guards[account] = m.now().Add(m.cfg.DeletionGuard)
	}
	clear(m.sessions)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range live {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.teardown(s)
				s.machine.Settle()
			}()
		}
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.health.Stop()
	m.logger.Info("session manager stopped", zap.Int("sessions", len(live)))
	return err
}

// State returns account's connection state.
func (m *Manager) State(account string) status.State {
	m.mu.Lock()
	machine, ok := m.machines[account]
	m.mu.Unlock()
	if !ok {
		return status.Disconnected
	}
	return machine.Current()
}

// States returns the state of every account seen since start.
func (m *Manager) States() map[string]status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]status.State, len(m.machines))
	for account, machine := range m.machines {
		out[account] = machine.Current()
	}
	return out
}

// SetIncognito toggles read-receipt suppression for account.
func (m *Manager) SetIncognito(ctx context.Context, account string, on bool) error {
	if err := m.store.SetIncognito(ctx, account, on); err != nil {
		return errs.Dependency("set incognito", account, err)
	}
	if s := m.session(account); s != nil {
		s.incognito.Store(on)
	}
	return nil
}

// GroupMetadata answers from the metadata cache, fetching through the live
// client on a miss.
func (m *Manager) GroupMetadata(ctx context.Context, account, jid string) (*conn.GroupMetadata, error) {
	if meta, ok := m.groups.Get(account, jid); ok {
		return meta, nil
	}
	s := m.session(account)
	if s == nil || !s.isReady() {
		return nil, &errs.NotReadyError{Account: account, State: string(m.State(account))}
	}
	meta, err := s.client.FetchMetadata(ctx, jid)
	if err != nil {
		return nil, &errs.ConnectionError{Account: account, Reason: "fetch metadata", Err: err}
	}
	m.groups.Set(account, meta)
	return meta.Clone(), nil
}

func (m *Manager) hooks(account string) conn.Hooks {
	return conn.Hooks{
		GetMessage: func(ctx context.Context, conversationID, externalID string) (*conn.StoredPayload, bool) {
			return m.messages.GetMessage(ctx, account, conversationID, externalID)
		},
		GetMetadata: func(conversationID string) (*conn.GroupMetadata, bool) {
			return m.groups.Get(account, conversationID)
		},
	}
}

// accountSender resolves the account's current session on every send so a
// queue survives reconnects.
type accountSender struct {
	m       *Manager
	account string
}

func (a accountSender) Send(ctx context.Context, recipient string, content conn.Content) (conn.SendResult, error) {
	s := a.m.session(a.account)
	if s == nil || !a.m.awaitReady(ctx, s) {
		return conn.SendResult{}, &errs.NotReadyError{Account: a.account, State: string(a.m.State(a.account))}
	}
	res, err := s.client.Send(ctx, recipient, content)
	if err != nil {
		return res, &errs.ConnectionError{Account: a.account, Reason: "send", Err: err}
	}
	a.m.health.RecordOutbound(a.account)
	return res, nil
}

func (m *Manager) recordSent(account string) func(outbox.Result) {
	return func(r outbox.Result) {
		if r.Err != nil {
			return
		}
		if err := m.engine.RecordSent(context.Background(), account, r.Item.Recipient, r.Item.Content, r.Sent); err != nil {
			m.logger.Error("failed to persist sent message",
				zap.String("account", account),
				zap.String("external_id", r.Sent.ExternalID),
				zap.Error(err),
			)
		}
	}
}

// reconnectAccount is the reconnect manager's connector. The guard is
// checked under the account lock so a Disconnect that wins the lock first
// is never undone by a timer that fired before it.
func (m *Manager) reconnectAccount(ctx context.Context, account string) error {
	if m.stopped.Load() {
		return errs.ErrShuttingDown
	}
	unlock := m.lockAccount(account)
	defer unlock()
	if m.stopped.Load() {
		return errs.ErrShuttingDown
	}
	if m.guarded(account) {
		m.logger.Debug("reconnect skipped, account was closed", zap.String("account", account))
		return nil
	}
	return m.connectLocked(ctx, account)
}

// recover drops a connection the health monitor judged dead and schedules a
// replacement.
func (m *Manager) recover(account, reason string) {
	s := m.session(account)
	if s == nil || m.guarded(account) || m.stopped.Load() {
		return
	}
	m.logger.Warn("replacing unhealthy connection", zap.String("account", account), zap.String("reason", reason))
	m.detach(account, s)
	s.closing.Store(true)
	s.client.Disconnect()
	s.cancel()
	m.health.Untrack(account)
	s.machine.Settle()
	if _, err := m.reconnect.Schedule(account, "health: "+reason); err != nil {
		m.logger.Warn("reconnect not scheduled", zap.String("account", account), zap.Error(err))
	}
}

func (m *Manager) session(account string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[account]
}

// detach removes account's session from the registry. When want is non-nil
// only that exact session is removed.
func (m *Manager) detach(account string, want *Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[account]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(m.sessions, account)
	return s
}

func (m *Manager) current(s *Session) bool {
	return m.session(s.account) == s
}

// teardown closes a detached session and waits for its goroutines.
func (m *Manager) teardown(s *Session) {
	s.closing.Store(true)
	s.client.Disconnect()
	s.cancel()
	s.wg.Wait()
}

func (m *Manager) machine(account string) *status.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.machines[account]
	if !ok {
		machine = status.NewMachine(account, m.bus)
		m.machines[account] = machine
	}
	return machine
}

func (m *Manager) lockAccount(account string) func() {
	m.mu.Lock()
	l, ok := m.locks[account]
	if !ok {
		l = &sync.Mutex{}
		m.locks[account] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) setGuard(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[account] = m.now().Add(m.cfg.DeletionGuard)
}

func (m *Manager) clearGuard(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.guards, account)
}

func (m *Manager) guarded(account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.guards[account]
	if !ok {
		return false
	}
	if !m.now().Before(until) {
		delete(m.guards, account)
		return false
	}
	return true
}
