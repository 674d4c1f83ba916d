// Package msgcache remembers recently seen message payloads so the protocol
// client can ask for them again. Expired entries are rebuilt from the
// persisted content columns.
package msgcache

import (
	"context"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

// Store is the durable fallback.
type Store interface {
	GetMessage(ctx context.Context, account, externalID string) (*store.Message, error)
}

type key struct {
	account        string
	conversationID string
	externalID     string
}

type entry struct {
	raw      []byte
	content  conn.Content
	storedAt time.Time
}

// Cache is a bounded TTL map ordered by store time.
type Cache struct {
	mu         sync.Mutex
	entries    *orderedmap.OrderedMap[key, entry]
	ttl        time.Duration
	maxEntries int
	interval   time.Duration
	store      Store
	group      singleflight.Group
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Cache. store may be nil for memory-only use.
func New(cfg config.Cache, st Store, logger *zap.Logger) *Cache {
	return &Cache{
		entries:    orderedmap.NewOrderedMap[key, entry](),
		ttl:        cfg.MessageTTL,
		maxEntries: cfg.MessageMaxEntries,
		interval:   cfg.SweepInterval,
		store:      st,
		logger:     logging.OrNop(logger).Named("msgcache"),
		now:        time.Now,
	}
}

// Store registers a payload. A repeat store refreshes the entry.
func (c *Cache) Store(account, conversationID, externalID string, raw []byte, content conn.Content) {
	if externalID == "" {
		return
	}
	k := key{account, conversationID, externalID}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Delete(k)
	c.entries.Set(k, entry{raw: raw, content: content, storedAt: c.now()})
	for c.entries.Len() > c.maxEntries {
		c.entries.Delete(c.entries.Front().Key)
	}
}

// GetMessage answers from memory, else from the durable store with a
// payload rebuilt from persisted fields. Concurrent misses for the same id
// share one store read. The rebuilt payload is cached without raw bytes.
func (c *Cache) GetMessage(ctx context.Context, account, conversationID, externalID string) (*conn.StoredPayload, bool) {
	k := key{account, conversationID, externalID}
	c.mu.Lock()
	e, ok := c.entries.Get(k)
	if ok && c.now().Sub(e.storedAt) > c.ttl {
		c.entries.Delete(k)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return &conn.StoredPayload{Raw: e.raw, Content: e.content}, true
	}
	if c.store == nil {
		return nil, false
	}

	v, err, _ := c.group.Do(account+"\x00"+externalID, func() (any, error) {
		return c.store.GetMessage(ctx, account, externalID)
	})
	if err != nil {
		c.logger.Warn("message fallback lookup failed",
			zap.String("account", account),
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return nil, false
	}
	m, _ := v.(*store.Message)
	if m == nil {
		return nil, false
	}
	content := conn.Content{
		Type:     conn.ContentType(m.ContentType),
		Text:     m.Content,
		MediaURL: m.MediaURL,
		MimeType: m.MimeType,
		QuotedID: m.QuotedID,
	}
	c.Store(account, conversationID, externalID, nil, content)
	return &conn.StoredPayload{Content: content}, true
}

// Len returns the number of cached payloads.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Sweep removes expired entries from the oldest end.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for el := c.entries.Front(); el != nil; {
		if !el.Value.storedAt.Before(cutoff) {
			break
		}
		next := el.Next()
		c.entries.Delete(el.Key)
		n++
		el = next
	}
	return n
}

// Evict drops the oldest fraction of entries. Used under memory pressure.
func (c *Cache) Evict(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := int(float64(c.entries.Len()) * fraction)
	if fraction >= 1 {
		drop = c.entries.Len()
	}
	for i := 0; i < drop; i++ {
		c.entries.Delete(c.entries.Front().Key)
	}
	return drop
}

// Clear drops every entry for an account.
func (c *Cache) Clear(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.entries.Front(); el != nil; {
		next := el.Next()
		if el.Key.account == account {
			c.entries.Delete(el.Key)
		}
		el = next
	}
}

// Start runs Sweep on the configured interval until ctx is done.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("message sweep", zap.Int("expired", n))
				}
			}
		}
	}()
}
