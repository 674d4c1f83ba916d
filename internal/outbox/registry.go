// Package outbox paces and serializes outbound sends per account. Each
// account gets one Queue with a single worker and a Limiter enforcing
// reply/bulk intervals, a rolling per-minute cap, batch cooldowns and the
// warm-up new-recipient cap.
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// Store is the durable side of every queue: the outbox journal plus the
// first-contact recipient log.
type Store interface {
	Journal
	RecipientLog
	FailInterrupted(ctx context.Context, account string) (int64, error)
}

// Registry owns the per-account queues.
type Registry struct {
	cfg    config.RateLimit
	store  Store
	bus    bus.Publisher
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates an empty registry. store may be nil in tests.
func NewRegistry(cfg config.RateLimit, st Store, b bus.Publisher, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  st,
		bus:    b,
		logger: logging.OrNop(logger),
		queues: make(map[string]*Queue),
	}
}

// AccountQueue describes the account a queue is built for.
type AccountQueue struct {
	Sender    Sender
	CreatedAt time.Time
	OnResult  func(Result)
}

// Queue returns the account's queue, creating it on first use. Later calls
// reuse the existing queue and ignore opts.
func (r *Registry) Queue(account string, opts AccountQueue) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[account]; ok {
		return q
	}
	var journal Journal
	var log RecipientLog
	if r.store != nil {
		journal, log = r.store, r.store
		// Whatever an earlier process left in flight is never replayed.
		if n, err := r.store.FailInterrupted(context.Background(), account); err != nil {
			r.logger.Warn("failed to close interrupted sends", zap.String("account", account), zap.Error(err))
		} else if n > 0 {
			r.logger.Info("interrupted sends marked failed", zap.String("account", account), zap.Int64("count", n))
		}
	}
	q := NewQueue(account, QueueOptions{
		Capacity: r.cfg.QueueCap,
		Limiter:  NewLimiter(account, r.cfg, opts.CreatedAt, log),
		Sender:   opts.Sender,
		Journal:  journal,
		Bus:      r.bus,
		Logger:   r.logger,
		OnResult: opts.OnResult,
	})
	r.queues[account] = q
	return q
}

// Lookup returns the account's queue if one exists.
func (r *Registry) Lookup(account string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[account]
	return q, ok
}

// Remove closes and forgets the account's queue. Items still waiting fail
// with ErrShuttingDown.
func (r *Registry) Remove(account string) {
	r.mu.Lock()
	q, ok := r.queues[account]
	delete(r.queues, account)
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

// CloseAll closes every queue concurrently.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.queues = make(map[string]*Queue)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range qs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Close()
		}()
	}
	wg.Wait()
}
