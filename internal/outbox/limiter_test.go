package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type memLog struct {
	mu    sync.Mutex
	first map[string]time.Time
}

func newMemLog() *memLog { return &memLog{first: make(map[string]time.Time)} }

func (m *memLog) RecipientKnown(_ context.Context, _, jid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.first[jid]
	return ok, nil
}

func (m *memLog) RecordRecipient(_ context.Context, _, jid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.first[jid]; !ok {
		m.first[jid] = at
	}
	return nil
}

func (m *memLog) NewRecipientsSince(_ context.Context, _ string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.first {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func testLimiter(cfg config.RateLimit, age time.Duration, log RecipientLog) (*Limiter, *clock) {
	clk := newClock()
	l := NewLimiter("acc", cfg, clk.now().Add(-age), log)
	l.now = clk.now
	l.sleep = clk.sleep
	return l, clk
}

func send(t *testing.T, l *Limiter, recipient string, bulk bool) {
	t.Helper()
	ctx := context.Background()
	if err := l.Wait(ctx, recipient, bulk); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := l.Record(ctx, recipient); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
}

func TestPerMinuteCapHoldsOverLongRun(t *testing.T) {
	l, clk := testLimiter(config.Default().RateLimit, 365*24*time.Hour, nil)

	var at []time.Time
	for i := range 120 {
		send(t, l, fmt.Sprintf("%d@s.whatsapp.net", i), false)
		at = append(at, clk.now())
	}
	for i := 0; i+15 < len(at); i++ {
		if gap := at[i+15].Sub(at[i]); gap < time.Minute {
			t.Fatalf("sends %d..%d within %s, more than 15 per minute", i, i+15, gap)
		}
	}
}

func TestIntervals(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.PerMinute = 1000
	cfg.BatchSize = 1000
	l, clk := testLimiter(cfg, 0, nil)

	send(t, l, "a", false)
	t0 := clk.now()
	send(t, l, "b", false)
	if d := clk.now().Sub(t0); d < cfg.ReplyInterval {
		t.Errorf("reply gap = %s, want >= %s", d, cfg.ReplyInterval)
	}

	t1 := clk.now()
	send(t, l, "b", false)
	if d := clk.now().Sub(t1); d < cfg.SameRecipientInterval {
		t.Errorf("same-recipient gap = %s, want >= %s", d, cfg.SameRecipientInterval)
	}

	t2 := clk.now()
	send(t, l, "c", true)
	if d := clk.now().Sub(t2); d < cfg.BulkInterval {
		t.Errorf("bulk gap = %s, want >= %s", d, cfg.BulkInterval)
	}
}

func TestBatchCooldown(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.PerMinute = 1000
	cfg.BatchSize = 5
	l, clk := testLimiter(cfg, 0, nil)

	for i := range 5 {
		send(t, l, fmt.Sprint(i), false)
	}
	before := clk.now()
	send(t, l, "next", false)
	if d := clk.now().Sub(before); d < cfg.BatchCooldown {
		t.Errorf("gap after batch = %s, want >= %s", d, cfg.BatchCooldown)
	}
	before = clk.now()
	send(t, l, "after", false)
	if d := clk.now().Sub(before); d >= cfg.BatchCooldown {
		t.Errorf("cooldown should apply once per batch, gap = %s", d)
	}
}

func TestDailyCapTiers(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		age  time.Duration
		want int
	}{
		{day, 20},
		{5 * day, 50},
		{10 * day, 150},
		{400 * day, 500},
	}
	for _, tt := range tests {
		l, _ := testLimiter(config.Default().RateLimit, tt.age, nil)
		if got := l.DailyCap(); got != tt.want {
			t.Errorf("DailyCap(age %s) = %d, want %d", tt.age, got, tt.want)
		}
	}
}

func TestAdmitNewRecipientCap(t *testing.T) {
	log := newMemLog()
	l, _ := testLimiter(config.Default().RateLimit, 24*time.Hour, log)
	ctx := context.Background()

	for i := range 20 {
		r := fmt.Sprintf("%d@s.whatsapp.net", i)
		if err := l.Admit(ctx, r); err != nil {
			t.Fatalf("Admit(%d) error: %v", i, err)
		}
		if i%2 == 0 {
			if err := l.Record(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
	}

	err := l.Admit(ctx, "new@s.whatsapp.net")
	var rl *errs.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("Admit() = %v, want RateLimitedError", err)
	}
	if rl.Reason != "new_recipient_daily_cap" || rl.RetryAfter <= 0 || rl.RetryAfter > 24*time.Hour {
		t.Errorf("unexpected rejection %+v", rl)
	}
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Error("rejection should match ErrRateLimited")
	}

	if err := l.Admit(ctx, "0@s.whatsapp.net"); err != nil {
		t.Errorf("known recipient rejected: %v", err)
	}
	if err := l.Admit(ctx, "1@s.whatsapp.net"); err != nil {
		t.Errorf("reserved recipient rejected: %v", err)
	}

	l.Release("1@s.whatsapp.net")
	if err := l.Admit(ctx, "new@s.whatsapp.net"); err != nil {
		t.Errorf("released slot not reusable: %v", err)
	}
}

func TestAdmitResetsNextDay(t *testing.T) {
	log := newMemLog()
	cfg := config.Default().RateLimit
	cfg.WarmUp = []config.WarmUpTier{{MaxAgeDays: 0, NewRecipientsDay: 1}}
	l, clk := testLimiter(cfg, 0, log)
	ctx := context.Background()

	if err := l.Admit(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	_ = l.Record(ctx, "a")
	if err := l.Admit(ctx, "b"); err == nil {
		t.Fatal("second new recipient should be rejected")
	}
	_ = clk.sleep(ctx, 24*time.Hour)
	if err := l.Admit(ctx, "b"); err != nil {
		t.Errorf("cap should reset the next day: %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	l, _ := testLimiter(config.Default().RateLimit, 0, nil)
	send(t, l, "a", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx, "a", false); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}
