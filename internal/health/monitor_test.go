package health

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
)

type probe struct {
	mu    sync.Mutex
	ready bool
}

func (p *probe) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *probe) set(ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = ready
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type reconnects struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func (r *reconnects) fn(account, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = make(map[string][]string)
	}
	r.reasons[account] = append(r.reasons[account], reason)
}

func (r *reconnects) count(account string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons[account])
}

func newTest(b bus.Publisher) (*Monitor, *clock, *reconnects) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(config.Default().Health, b, nil)
	m.now = clk.now
	rc := &reconnects{}
	m.SetReconnector(rc.fn)
	return m, clk, rc
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		idle     time.Duration
		failures int
		want     Status
	}{
		{"active", time.Minute, 0, Healthy},
		{"quiet", 6 * time.Minute, 0, Degraded},
		{"silent", 11 * time.Minute, 0, Unhealthy},
		{"one failure", 0, 1, Degraded},
		{"dead", 0, 3, Dead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clk, rc := newTest(nil)
			// No probe, so Record is the only source of failures.
			m.Track("A", nil)
			for range tt.failures {
				m.Record("A", false)
			}
			clk.advance(tt.idle)
			rep, ok := m.Check("A")
			if !ok {
				t.Fatal("Check() on tracked account returned false")
			}
			if rep.Status != tt.want {
				t.Errorf("status = %s, want %s (%s)", rep.Status, tt.want, rep.Reason)
			}
			wantReconnect := tt.want == Unhealthy || tt.want == Dead
			if got := rc.count("A") == 1; got != wantReconnect {
				t.Errorf("reconnect requested = %v, want %v", got, wantReconnect)
			}
		})
	}
}

func TestNotReadyCountsAsFailure(t *testing.T) {
	m, _, rc := newTest(nil)
	p := &probe{ready: false}
	m.Track("A", p)
	for i := 1; i <= 3; i++ {
		rep, _ := m.Check("A")
		if i < 3 && rep.Status != Degraded {
			t.Errorf("check %d status = %s, want degraded", i, rep.Status)
		}
	}
	if rc.count("A") != 1 {
		t.Fatalf("reconnects = %d, want 1 after 3 failed checks", rc.count("A"))
	}
	if rep, _ := m.Check("A"); rep.Status == Dead {
		t.Error("record should start over after a reconnect request")
	}
}

func TestFailuresMustBeConsecutive(t *testing.T) {
	m, clk, rc := newTest(nil)
	p := &probe{}
	m.Track("A", p)
	for round := range 5 {
		p.set(false)
		if rep, _ := m.Check("A"); rep.Failures != 1 {
			t.Fatalf("round %d: failures = %d, want 1", round, rep.Failures)
		}
		p.set(true)
		for range 3 {
			clk.advance(time.Minute)
			m.RecordInbound("A")
			if rep, _ := m.Check("A"); rep.Status != Healthy || rep.Failures != 0 {
				t.Fatalf("round %d: status = %s failures = %d", round, rep.Status, rep.Failures)
			}
		}
	}
	if rc.count("A") != 0 {
		t.Errorf("reconnects = %d, isolated failures must not add up", rc.count("A"))
	}
}

func TestInboundEndsFailureRun(t *testing.T) {
	m, _, rc := newTest(nil)
	m.Track("A", nil)
	m.Record("A", false)
	m.Record("A", false)
	m.RecordInbound("A")
	m.Record("A", false)
	if rep, _ := m.Check("A"); rep.Failures != 1 || rep.Status != Degraded {
		t.Errorf("report = %+v, want one failure and degraded", rep)
	}
	if rc.count("A") != 0 {
		t.Error("no reconnect expected")
	}
}

func TestInboundActivityKeepsHealthy(t *testing.T) {
	m, clk, rc := newTest(nil)
	m.Track("A", &probe{ready: true})
	for range 20 {
		clk.advance(time.Minute)
		m.RecordInbound("A")
		m.RecordOutbound("A")
		if rep, _ := m.Check("A"); rep.Status != Healthy {
			t.Fatalf("status = %s", rep.Status)
		}
	}
	if rc.count("A") != 0 {
		t.Error("active account should never reconnect")
	}
	m.Record("A", false)
	m.Record("A", true)
	if rep, _ := m.Check("A"); rep.Failures != 0 {
		t.Errorf("failures after recovery = %d", rep.Failures)
	}
}

func TestDegradedPublishedOnce(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindHealthDegraded, 10)
	defer unsub()
	m, clk, _ := newTest(b)
	m.Track("A", &probe{ready: true})
	clk.advance(6 * time.Minute)
	m.Check("A")
	clk.advance(time.Minute)
	m.Check("A")

	if len(ch) != 1 {
		t.Errorf("degraded events = %d, want 1", len(ch))
	}
	evt := <-ch
	if evt.Payload.(Degradation).Status != Degraded {
		t.Errorf("payload = %+v", evt.Payload)
	}
}

func TestUntrack(t *testing.T) {
	m, _, _ := newTest(nil)
	m.Track("A", &probe{ready: true})
	m.Untrack("A")
	if _, ok := m.Check("A"); ok {
		t.Error("Check() on untracked account should report false")
	}
	if _, ok := m.Status("A"); ok {
		t.Error("Status() on untracked account should report false")
	}
}

type evictor struct{ calls []float64 }

func (e *evictor) Evict(f float64) int {
	e.calls = append(e.calls, f)
	return 10
}

func TestCheckMemory(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindMemoryPressure, 10)
	defer unsub()
	m, clk, _ := newTest(b)
	e1, e2 := &evictor{}, &evictor{}
	m.AddEvictor(e1, e2)

	rss := uint64(100) << 20
	m.memory = func() (uint64, error) { return rss, nil }
	if rep, _ := m.CheckMemory(); rep.Level != MemoryNormal {
		t.Errorf("level = %s", rep.Level)
	}

	rss = 800 << 20
	if rep, _ := m.CheckMemory(); rep.Level != MemoryWarning || rep.Evicted != 0 {
		t.Errorf("warning report = %+v", rep)
	}

	rss = 2048 << 20
	rep, err := m.CheckMemory()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Level != MemoryCritical || !rep.Alerted || rep.Evicted != 20 {
		t.Errorf("critical report = %+v", rep)
	}
	if len(e1.calls) != 1 || len(e2.calls) != 1 {
		t.Error("every evictor should run once")
	}

	clk.advance(time.Minute)
	if rep, _ := m.CheckMemory(); rep.Alerted || rep.Evicted != 0 {
		t.Errorf("second critical within cooldown = %+v", rep)
	}
	clk.advance(10 * time.Minute)
	if rep, _ := m.CheckMemory(); !rep.Alerted {
		t.Error("alert should fire again after the cooldown")
	}
	if len(ch) != 2 {
		t.Errorf("memory_pressure events = %d, want 2", len(ch))
	}

	m.memory = func() (uint64, error) { return 0, errors.New("no proc") }
	if _, err := m.CheckMemory(); err == nil {
		t.Error("reader error should surface")
	}
}

func TestResidentBytes(t *testing.T) {
	n, err := residentBytes()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("resident memory reported as zero")
	}
}

func TestStartStop(t *testing.T) {
	cfg := config.Default().Health
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.MemoryInterval = 5 * time.Millisecond
	m := NewMonitor(cfg, nil, nil)
	m.memory = func() (uint64, error) { return 0, nil }
	p := &probe{ready: false}
	done := make(chan struct{})
	var once sync.Once
	m.SetReconnector(func(string, string) { once.Do(func() { close(done) }) })
	m.Track("A", p)
	m.Start(t.Context())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("periodic check never requested a reconnect")
	}
	m.Stop()
}
