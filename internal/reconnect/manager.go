// Package reconnect schedules reconnect attempts per account with
// exponential backoff, jitter and a circuit breaker.
package reconnect

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// Connector re-establishes an account's session. A returned error counts as
// a failed attempt and schedules the next one, unless the error is terminal.
type Connector func(ctx context.Context, account string) error

// Scheduled is the payload of session.reconnect_scheduled.
type Scheduled struct {
	Attempt int
	Delay   time.Duration
	Reason  string
}

// Blocked is the payload of session.reconnect_blocked.
type Blocked struct {
	RetryAfter time.Duration
	Reason     string
}

// Snapshot is a point-in-time view of an account's reconnect state.
type Snapshot struct {
	Account     string
	Attempt     int
	Pending     bool
	NextDelay   time.Duration
	CircuitOpen bool
	RetryAfter  time.Duration
}

type timer interface {
	Stop() bool
}

type state struct {
	attempt   int
	pending   bool
	nextDelay time.Duration
	openedAt  time.Time
	timer     timer
}

// Manager owns the reconnect state of every account.
type Manager struct {
	cfg    config.Reconnect
	bus    bus.Publisher
	logger *zap.Logger

	mu       sync.Mutex
	accounts map[string]*state
	connect  Connector
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc

	now       func() time.Time
	jitter    func() float64
	afterFunc func(d time.Duration, f func()) timer
}

// NewManager creates a Manager. SetConnector must be called before the first
// scheduled attempt fires.
func NewManager(cfg config.Reconnect, b bus.Publisher, logger *zap.Logger) *Manager {
	if b == nil {
		b = bus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		bus:      b,
		logger:   logging.OrNop(logger).Named("reconnect"),
		accounts: make(map[string]*state),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		jitter:   rand.Float64,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// SetConnector installs the function each attempt calls.
func (m *Manager) SetConnector(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connect = c
}

// Delay returns the backoff for the given zero-based attempt, before jitter.
func (m *Manager) Delay(attempt int) time.Duration {
	d := float64(m.cfg.InitialDelay) * math.Pow(m.cfg.Multiplier, float64(attempt))
	if d > float64(m.cfg.MaxDelay) || math.IsInf(d, 0) {
		return m.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (m *Manager) withJitter(d time.Duration) time.Duration {
	if m.cfg.Jitter <= 0 {
		return d
	}
	f := 1 + m.cfg.Jitter*(2*m.jitter()-1)
	return time.Duration(float64(d) * f)
}

// Schedule arranges a reconnect attempt for account. A request while one is
// already pending is coalesced and returns the pending delay. Once MaxFailures
// attempts have been scheduled without a success the circuit opens and
// requests fail with CircuitOpenError until the cooldown elapses.
func (m *Manager) Schedule(account, reason string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0, errs.ErrShuttingDown
	}
	st, ok := m.accounts[account]
	if !ok {
		st = &state{}
		m.accounts[account] = st
	}
	now := m.now()

	if !st.openedAt.IsZero() {
		if until := st.openedAt.Add(m.cfg.Cooldown); now.Before(until) {
			return 0, m.blockedLocked(account, until.Sub(now), reason)
		}
		m.logger.Info("reconnect circuit reset", zap.String("account", account))
		st.openedAt = time.Time{}
		st.attempt = 0
	}
	if st.pending {
		return st.nextDelay, nil
	}
	if st.attempt >= m.cfg.MaxFailures {
		st.openedAt = now
		m.logger.Warn("reconnect circuit opened",
			zap.String("account", account),
			zap.Int("attempts", st.attempt),
			zap.Duration("cooldown", m.cfg.Cooldown),
		)
		return 0, m.blockedLocked(account, m.cfg.Cooldown, reason)
	}

	delay := m.withJitter(m.Delay(st.attempt))
	st.attempt++
	st.pending = true
	st.nextDelay = delay
	attempt := st.attempt
	st.timer = m.afterFunc(delay, func() { m.fire(account, st) })

	m.logger.Info("reconnect scheduled",
		zap.String("account", account),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	m.bus.Publish(bus.Event{
		Kind:    bus.KindReconnectScheduled,
		Account: account,
		Payload: Scheduled{Attempt: attempt, Delay: delay, Reason: reason},
	})
	return delay, nil
}

func (m *Manager) blockedLocked(account string, retryAfter time.Duration, reason string) error {
	m.bus.Publish(bus.Event{
		Kind:    bus.KindReconnectBlocked,
		Account: account,
		Payload: Blocked{RetryAfter: retryAfter, Reason: reason},
	})
	return &errs.CircuitOpenError{Account: account, RetryAfter: retryAfter}
}

func (m *Manager) fire(account string, st *state) {
	m.mu.Lock()
	if m.stopped || m.accounts[account] != st || !st.pending {
		m.mu.Unlock()
		return
	}
	st.pending = false
	st.timer = nil
	connect := m.connect
	m.mu.Unlock()

	if connect == nil {
		return
	}
	err := connect(m.ctx, account)
	if err == nil {
		return
	}
	if errors.Is(err, errs.ErrTerminalAuth) || errors.Is(err, errs.ErrShuttingDown) || m.ctx.Err() != nil {
		m.logger.Info("reconnect abandoned", zap.String("account", account), zap.Error(err))
		return
	}
	m.logger.Warn("reconnect attempt failed", zap.String("account", account), zap.Error(err))
	if _, serr := m.Schedule(account, "reconnect failed: "+err.Error()); serr != nil {
		m.logger.Warn("reconnect not rescheduled", zap.String("account", account), zap.Error(serr))
	}
}

// RecordSuccess resets the account's backoff after a successful connection
// and supersedes any pending attempt.
func (m *Manager) RecordSuccess(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[account]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(m.accounts, account)
}

// Cancel drops any pending attempt and forgets the account's state.
func (m *Manager) Cancel(account string) {
	m.RecordSuccess(account)
}

// Snapshot reports the account's current reconnect state.
func (m *Manager) Snapshot(account string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Account: account, NextDelay: m.cfg.InitialDelay}
	st, ok := m.accounts[account]
	if !ok {
		return s
	}
	s.Attempt = st.attempt
	s.Pending = st.pending
	if st.pending {
		s.NextDelay = st.nextDelay
	} else {
		s.NextDelay = m.Delay(st.attempt)
	}
	if !st.openedAt.IsZero() {
		if d := st.openedAt.Add(m.cfg.Cooldown).Sub(m.now()); d > 0 {
			s.CircuitOpen = true
			s.RetryAfter = d
		}
	}
	return s
}

// Stop cancels every pending attempt. Later calls to Schedule fail with
// ErrShuttingDown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, st := range m.accounts {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	m.accounts = make(map[string]*state)
	m.cancel()
}
