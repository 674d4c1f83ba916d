// Package health watches per-account liveness and process memory. It never
// reconnects anything itself; it asks through the installed Reconnector.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// Status is the derived classification of an account's connection.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Dead      Status = "dead"
)

// Probe reports whether a connection is authenticated and usable.
type Probe interface {
	IsReady() bool
}

// Reconnector is asked to replace an account's connection.
type Reconnector func(account, reason string)

// Evictor frees memory on demand and reports how many entries it dropped.
type Evictor interface {
	Evict(fraction float64) int
}

// Report is the result of one liveness check.
type Report struct {
	Account  string
	Status   Status
	Reason   string
	Idle     time.Duration
	Failures int
}

// Degradation is the payload of health.degraded.
type Degradation struct {
	Status Status
	Reason string
}

// MemoryLevel classifies resident memory against the configured thresholds.
type MemoryLevel string

const (
	MemoryNormal   MemoryLevel = "normal"
	MemoryWarning  MemoryLevel = "warning"
	MemoryCritical MemoryLevel = "critical"
)

// MemoryReport is the payload of health.memory_pressure.
type MemoryReport struct {
	ResidentMiB uint64
	Level       MemoryLevel
	Evicted     int
	Alerted     bool
}

type record struct {
	probe        Probe
	lastInbound  time.Time
	lastOutbound time.Time
	lastCheck    time.Time
	failures     int
	status       Status
}

// Monitor holds one record per tracked account.
type Monitor struct {
	cfg    config.Health
	bus    bus.Publisher
	logger *zap.Logger

	mu        sync.Mutex
	records   map[string]*record
	reconnect Reconnector
	evictors  []Evictor
	lastAlert time.Time
	lastWarn  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now    func() time.Time
	memory func() (uint64, error)
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg config.Health, b bus.Publisher, logger *zap.Logger) *Monitor {
	if b == nil {
		b = bus.Nop{}
	}
	return &Monitor{
		cfg:     cfg,
		bus:     b,
		logger:  logging.OrNop(logger).Named("health"),
		records: make(map[string]*record),
		now:     time.Now,
		memory:  residentBytes,
	}
}

// SetReconnector installs the callback that unhealthy accounts trigger.
func (m *Monitor) SetReconnector(r Reconnector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = r
}

// AddEvictor registers caches to shrink under critical memory pressure.
func (m *Monitor) AddEvictor(e ...Evictor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictors = append(m.evictors, e...)
}

// Track starts watching account. Tracking counts as inbound activity.
func (m *Monitor) Track(account string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.records[account] = &record{probe: p, lastInbound: now, status: Healthy}
}

// Untrack stops watching account.
func (m *Monitor) Untrack(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, account)
}

// RecordInbound notes inbound activity for account. Traffic proves the
// connection alive, so it also ends any run of liveness failures.
func (m *Monitor) RecordInbound(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[account]; ok {
		r.lastInbound = m.now()
		r.failures = 0
	}
}

// RecordOutbound notes a completed send for account.
func (m *Monitor) RecordOutbound(account string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[account]; ok {
		r.lastOutbound = m.now()
	}
}

// Record feeds an explicit liveness result, such as a keepalive timeout or
// its recovery, into the consecutive-failure counter.
func (m *Monitor) Record(account string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, tracked := m.records[account]
	if !tracked {
		return
	}
	if ok {
		r.failures = 0
		r.lastInbound = m.now()
		return
	}
	r.failures++
}

// Check evaluates account once. Degraded accounts are logged and published;
// unhealthy or dead ones trigger the Reconnector, after which the record starts
// over so the same condition is not reported twice.
func (m *Monitor) Check(account string) (Report, bool) {
	m.mu.Lock()
	r, ok := m.records[account]
	if !ok {
		m.mu.Unlock()
		return Report{}, false
	}
	now := m.now()
	r.lastCheck = now
	if r.probe != nil {
		if r.probe.IsReady() {
			r.failures = 0
		} else {
			r.failures++
		}
	}
	rep := m.classify(account, r, now)
	prev := r.status
	r.status = rep.Status
	reconnect := m.reconnect
	trigger := rep.Status == Unhealthy || rep.Status == Dead
	if trigger {
		r.failures = 0
		r.lastInbound = now
		r.status = Healthy
	}
	m.mu.Unlock()

	switch {
	case trigger:
		m.logger.Warn("account unhealthy",
			zap.String("account", account),
			zap.String("status", string(rep.Status)),
			zap.String("reason", rep.Reason),
		)
		m.bus.Publish(bus.Event{
			Kind:    bus.KindHealthDegraded,
			Account: account,
			Payload: Degradation{Status: rep.Status, Reason: rep.Reason},
		})
		if reconnect != nil {
			reconnect(account, rep.Reason)
		}
	case rep.Status == Degraded && prev != Degraded:
		m.logger.Info("account degraded",
			zap.String("account", account),
			zap.String("reason", rep.Reason),
		)
		m.bus.Publish(bus.Event{
			Kind:    bus.KindHealthDegraded,
			Account: account,
			Payload: Degradation{Status: rep.Status, Reason: rep.Reason},
		})
	}
	return rep, true
}

func (m *Monitor) classify(account string, r *record, now time.Time) Report {
	idle := now.Sub(r.lastInbound)
	rep := Report{Account: account, Status: Healthy, Idle: idle, Failures: r.failures}
	switch {
	case r.failures >= m.cfg.MaxFailures:
		rep.Status = Dead
		rep.Reason = fmt.Sprintf("%d consecutive liveness failures", r.failures)
	case idle >= m.cfg.UnhealthyAfter:
		rep.Status = Unhealthy
		rep.Reason = fmt.Sprintf("no inbound activity for %s", idle.Round(time.Second))
	case idle >= m.cfg.DegradedAfter:
		rep.Status = Degraded
		rep.Reason = fmt.Sprintf("no inbound activity for %s", idle.Round(time.Second))
	case r.failures > 0:
		rep.Status = Degraded
		rep.Reason = fmt.Sprintf("%d liveness failures", r.failures)
	}
	return rep
}

// CheckAll checks every tracked account.
func (m *Monitor) CheckAll() []Report {
	m.mu.Lock()
	accounts := make([]string, 0, len(m.records))
	for a := range m.records {
		accounts = append(accounts, a)
	}
	m.mu.Unlock()

	reports := make([]Report, 0, len(accounts))
	for _, a := range accounts {
		if rep, ok := m.Check(a); ok {
			reports = append(reports, rep)
		}
	}
	return reports
}

// Status returns the last classification for account.
func (m *Monitor) Status(account string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[account]
	if !ok {
		return "", false
	}
	return r.status, true
}

// CheckMemory compares resident memory with the thresholds. Crossing the
// critical threshold evicts half of every registered cache, at most once per
// alert cooldown.
func (m *Monitor) CheckMemory() (MemoryReport, error) {
	rss, err := m.memory()
	if err != nil {
		return MemoryReport{}, fmt.Errorf("read resident memory: %w", err)
	}
	mib := rss >> 20
	rep := MemoryReport{ResidentMiB: mib, Level: MemoryNormal}
	now := m.now()

	m.mu.Lock()
	switch {
	case mib >= m.cfg.MemoryCriticalMiB:
		rep.Level = MemoryCritical
		if m.lastAlert.IsZero() || now.Sub(m.lastAlert) >= m.cfg.MemoryAlertCooldown {
			m.lastAlert = now
			rep.Alerted = true
		}
	case mib >= m.cfg.MemoryWarningMiB:
		rep.Level = MemoryWarning
		if m.lastWarn.IsZero() || now.Sub(m.lastWarn) >= m.cfg.MemoryAlertCooldown {
			m.lastWarn = now
			rep.Alerted = true
		}
	}
	evictors := append([]Evictor(nil), m.evictors...)
	m.mu.Unlock()

	if !rep.Alerted {
		return rep, nil
	}
	if rep.Level == MemoryWarning {
		m.logger.Warn("memory usage high", zap.Uint64("resident_mib", mib), zap.Uint64("warning_mib", m.cfg.MemoryWarningMiB))
		return rep, nil
	}
	for _, e := range evictors {
		rep.Evicted += e.Evict(0.5)
	}
	m.logger.Error("memory usage critical, evicted caches",
		zap.Uint64("resident_mib", mib),
		zap.Uint64("critical_mib", m.cfg.MemoryCriticalMiB),
		zap.Int("evicted", rep.Evicted),
	)
	m.bus.Publish(bus.Event{Kind: bus.KindMemoryPressure, Payload: rep})
	return rep, nil
}

// Start runs the liveness and memory checks on their intervals until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.loop(ctx, m.cfg.CheckInterval, func() { m.CheckAll() })
	go m.loop(ctx, m.cfg.MemoryInterval, func() {
		if _, err := m.CheckMemory(); err != nil {
			m.logger.Debug("memory check failed", zap.Error(err))
		}
	})
}

func (m *Monitor) loop(ctx context.Context, every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the periodic checks and waits for them to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
