package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
)

// RecipientLog is the durable first-contact log backing the new-recipient cap.
type RecipientLog interface {
	RecipientKnown(ctx context.Context, account, jid string) (bool, error)
	RecordRecipient(ctx context.Context, account, jid string, at time.Time) error
	NewRecipientsSince(ctx context.Context, account string, since time.Time) (int, error)
}

// Limiter paces one account's sends. Admit runs at enqueue time; Wait and
// Record run on the queue worker before and after each send.
type Limiter struct {
	mu        sync.Mutex
	account   string
	cfg       config.RateLimit
	createdAt time.Time
	log       RecipientLog

	sent          []time.Time
	lastSend      time.Time
	lastRecipient string
	inBatch       int
	reserved      map[string]struct{}

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter for an account created at createdAt. log may
// be nil, which disables the new-recipient cap.
func NewLimiter(account string, cfg config.RateLimit, createdAt time.Time, log RecipientLog) *Limiter {
	return &Limiter{
		account:   account,
		cfg:       cfg,
		createdAt: createdAt,
		log:       log,
		reserved:  make(map[string]struct{}),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DailyCap returns the new-recipient cap for the account's current age, or
// 0 when no tier applies.
func (l *Limiter) DailyCap() int {
	ageDays := int(l.now().Sub(l.createdAt) / (24 * time.Hour))
	tiers := append([]config.WarmUpTier(nil), l.cfg.WarmUp...)
	sort.SliceStable(tiers, func(i, j int) bool {
		if tiers[i].MaxAgeDays == 0 {
			return false
		}
		if tiers[j].MaxAgeDays == 0 {
			return true
		}
		return tiers[i].MaxAgeDays < tiers[j].MaxAgeDays
	})
	for _, t := range tiers {
		if t.MaxAgeDays == 0 || ageDays < t.MaxAgeDays {
			return t.NewRecipientsDay
		}
	}
	return 0
}

// Admit checks the new-recipient cap for recipient and reserves a slot when
// the recipient is new. Rejections carry the time until the day rolls over.
func (l *Limiter) Admit(ctx context.Context, recipient string) error {
	if l.log == nil {
		return nil
	}
	known, err := l.log.RecipientKnown(ctx, l.account, recipient)
	if err != nil {
		return errs.Dependency("recipient lookup", recipient, err)
	}
	if known {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reserved[recipient]; ok {
		return nil
	}
	limit := l.DailyCap()
	if limit <= 0 {
		l.reserved[recipient] = struct{}{}
		return nil
	}
	now := l.now()
	dayStart := now.UTC().Truncate(24 * time.Hour)
	count, err := l.log.NewRecipientsSince(ctx, l.account, dayStart)
	if err != nil {
		return errs.Dependency("recipient count", recipient, err)
	}
	if count+len(l.reserved) >= limit {
		return &errs.RateLimitedError{
			Account:    l.account,
			Reason:     "new_recipient_daily_cap",
			RetryAfter: dayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	l.reserved[recipient] = struct{}{}
	return nil
}

// Release gives back a reservation taken by Admit for a send that never happened.
func (l *Limiter) Release(recipient string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, recipient)
}

// Delay returns how long the next send to recipient must wait.
func (l *Limiter) Delay(recipient string, bulk bool) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delayLocked(recipient, bulk)
}

func (l *Limiter) delayLocked(recipient string, bulk bool) time.Duration {
	now := l.now()
	if l.lastSend.IsZero() {
		return 0
	}
	var until time.Time

	interval := l.cfg.ReplyInterval
	if bulk {
		interval = l.cfg.BulkInterval
	}
	until = later(until, l.lastSend.Add(interval))

	if recipient == l.lastRecipient {
		until = later(until, l.lastSend.Add(l.cfg.SameRecipientInterval))
	}
	if l.inBatch >= l.cfg.BatchSize {
		until = later(until, l.lastSend.Add(l.cfg.BatchCooldown))
	}

	windowStart := now.Add(-time.Minute)
	for len(l.sent) > 0 && !l.sent[0].After(windowStart) {
		l.sent = l.sent[1:]
	}
	if len(l.sent) >= l.cfg.PerMinute {
		until = later(until, l.sent[len(l.sent)-l.cfg.PerMinute].Add(time.Minute))
	}

	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Wait blocks the calling worker until recipient may be sent to. It returns
// ctx.Err() if ctx ends first.
func (l *Limiter) Wait(ctx context.Context, recipient string, bulk bool) error {
	for {
		d := l.Delay(recipient, bulk)
		if d <= 0 {
			l.mu.Lock()
			if l.inBatch >= l.cfg.BatchSize {
				l.inBatch = 0
			}
			l.mu.Unlock()
			return nil
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// Record notes a completed send.
func (l *Limiter) Record(ctx context.Context, recipient string) error {
	l.mu.Lock()
	now := l.now()
	l.sent = append(l.sent, now)
	l.lastSend = now
	l.lastRecipient = recipient
	l.inBatch++
	_, reserved := l.reserved[recipient]
	delete(l.reserved, recipient)
	l.mu.Unlock()

	if l.log == nil || !reserved {
		return nil
	}
	if err := l.log.RecordRecipient(ctx, l.account, recipient, now); err != nil {
		return errs.Dependency("record recipient", recipient, err)
	}
	return nil
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
