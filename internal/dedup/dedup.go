// Package dedup decides whether an inbound external message id has already
// been handled for an account. Memory answers first; the durable store
// answers what memory forgot across restarts.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/errs"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// Store is the durable existence check backing the memory map.
type Store interface {
	ExistingMessageIDs(ctx context.Context, account string, ids []string) (map[string]bool, error)
}

type key struct {
	account string
	id      string
}

// Deduplicator tracks first-seen times in an insertion-ordered map, so the
// front is always the oldest entry.
type Deduplicator struct {
	mu         sync.Mutex
	seen       *orderedmap.OrderedMap[key, time.Time]
	ttl        time.Duration
	maxEntries int
	interval   time.Duration
	store      Store
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Deduplicator. store may be nil for memory-only use.
func New(cfg config.Dedup, store Store, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{
		seen:       orderedmap.NewOrderedMap[key, time.Time](),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		interval:   cfg.SweepInterval,
		store:      store,
		logger:     logging.OrNop(logger).Named("dedup"),
		now:        time.Now,
	}
}

// IsProcessed reports whether id was already seen for account. A durable hit
// is back-filled into memory.
func (d *Deduplicator) IsProcessed(ctx context.Context, account, id string) (bool, error) {
	d.mu.Lock()
	hit := d.liveLocked(key{account, id})
	d.mu.Unlock()
	if hit || d.store == nil {
		return hit, nil
	}

	found, err := d.store.ExistingMessageIDs(ctx, account, []string{id})
	if err != nil {
		return false, errs.Dependency("dedup lookup", id, err)
	}
	if !found[id] {
		return false, nil
	}
	d.MarkProcessed(account, id)
	return true, nil
}

// MarkProcessed records id as seen. Marking twice keeps the first timestamp.
func (d *Deduplicator) MarkProcessed(account, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markLocked(key{account, id})
}

// TryMark marks id as seen and reports whether this call was the one that
// did it. Concurrent deliveries of the same id see exactly one true.
func (d *Deduplicator) TryMark(account, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key{account, id}
	if d.liveLocked(k) {
		return false
	}
	d.markLocked(k)
	return true
}

// Unmark forgets id so a later delivery is processed again. Used when
// processing failed on a dependency after the id was marked.
func (d *Deduplicator) Unmark(account, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Delete(key{account, id})
}

// FilterNew returns the ids not seen before, in input order and without
// within-batch repeats. The memory filter runs first and the remainder is
// checked with a single bulk durable query. Nothing is marked.
func (d *Deduplicator) FilterNew(ctx context.Context, account string, ids []string) ([]string, error) {
	batch := make(map[string]struct{}, len(ids))
	var candidates []string

	d.mu.Lock()
	for _, id := range ids {
		if _, dup := batch[id]; dup {
			continue
		}
		batch[id] = struct{}{}
		if d.liveLocked(key{account, id}) {
			continue
		}
		candidates = append(candidates, id)
	}
	d.mu.Unlock()

	if len(candidates) == 0 || d.store == nil {
		return candidates, nil
	}

	found, err := d.store.ExistingMessageIDs(ctx, account, candidates)
	if err != nil {
		return nil, errs.Dependency("dedup bulk lookup", "", err)
	}
	if len(found) == 0 {
		return candidates, nil
	}

	fresh := candidates[:0:0]
	d.mu.Lock()
	for _, id := range candidates {
		if found[id] {
			d.markLocked(key{account, id})
			continue
		}
		fresh = append(fresh, id)
	}
	d.mu.Unlock()
	return fresh, nil
}

// Len returns the number of entries held in memory.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

// Sweep drops expired entries, then halves the map from the oldest end if
// it is still over the cap.
func (d *Deduplicator) Sweep() (expired, evicted int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sweepLocked()
}

// Start runs Sweep on the configured interval until ctx is done.
func (d *Deduplicator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, evicted := d.Sweep()
				if expired > 0 || evicted > 0 {
					d.logger.Debug("dedup sweep",
						zap.Int("expired", expired),
						zap.Int("evicted", evicted),
						zap.Int("remaining", d.Len()),
					)
				}
			}
		}
	}()
}

func (d *Deduplicator) liveLocked(k key) bool {
	at, ok := d.seen.Get(k)
	if !ok {
		return false
	}
	if d.now().Sub(at) > d.ttl {
		d.seen.Delete(k)
		return false
	}
	return true
}

func (d *Deduplicator) markLocked(k key) {
	if d.liveLocked(k) {
		return
	}
	d.seen.Set(k, d.now())
	if d.seen.Len() > d.maxEntries {
		d.sweepLocked()
	}
}

func (d *Deduplicator) sweepLocked() (expired, evicted int) {
	cutoff := d.now().Add(-d.ttl)
	for el := d.seen.Front(); el != nil; {
		if !el.Value.Before(cutoff) {
			break
		}
		next := el.Next()
		d.seen.Delete(el.Key)
		expired++
		el = next
	}
	if d.seen.Len() <= d.maxEntries {
		return expired, 0
	}
	drop := d.seen.Len() / 2
	for el := d.seen.Front(); el != nil && evicted < drop; {
		next := el.Next()
		d.seen.Delete(el.Key)
		evicted++
		el = next
	}
	return expired, evicted
}
