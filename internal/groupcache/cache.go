// Package groupcache holds group metadata per account with a TTL. Entries
// are only created from fetched metadata; events merge onto them.
package groupcache

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/logging"
)

// Partial is an incremental change. Nil fields are left as they are.
type Partial struct {
	Subject      *string
	Description  *string
	Participants []conn.Participant
}

type entry struct {
	meta     *conn.GroupMetadata
	storedAt time.Time
}

// Cache is the per-account metadata cache.
type Cache struct {
	mu         sync.Mutex
	accounts   map[string]map[string]*entry
	ttl        time.Duration
	perAccount int
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Cache from the [cache] settings.
func New(cfg config.Cache, logger *zap.Logger) *Cache {
	return &Cache{
		accounts:   make(map[string]map[string]*entry),
		ttl:        cfg.MetadataTTL,
		perAccount: cfg.MetadataPerAccount,
		interval:   cfg.SweepInterval,
		logger:     logging.OrNop(logger).Named("groupcache"),
		now:        time.Now,
	}
}

// Get returns a copy of the cached metadata if present and fresh.
func (c *Cache) Get(account, jid string) (*conn.GroupMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(account, jid)
	if e == nil {
		return nil, false
	}
	return e.meta.Clone(), true
}

// Set stores fetched metadata, evicting the account's oldest entry when full.
func (c *Cache) Set(account string, meta *conn.GroupMetadata) {
	if meta == nil || meta.JID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.accounts[account]
	if entries == nil {
		entries = make(map[string]*entry)
		c.accounts[account] = entries
	}
	if _, exists := entries[meta.JID]; !exists && len(entries) >= c.perAccount {
		oldest, oldestAt := "", time.Time{}
		for jid, e := range entries {
			if oldest == "" || e.storedAt.Before(oldestAt) {
				oldest, oldestAt = jid, e.storedAt
			}
		}
		delete(entries, oldest)
	}
	entries[meta.JID] = &entry{meta: meta.Clone(), storedAt: c.now()}
}

// Update merges p onto an existing entry. It never creates one and reports
// whether an entry was there to update.
func (c *Cache) Update(account, jid string, p Partial) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(account, jid)
	if e == nil {
		return false
	}
	if p.Subject != nil {
		e.meta.Subject = *p.Subject
	}
	if p.Description != nil {
		e.meta.Description = *p.Description
	}
	if p.Participants != nil {
		e.meta.Participants = slices.Clone(p.Participants)
	}
	return true
}

// ApplyParticipants applies a targeted participant change to an existing
// entry. Reports whether an entry was there to change.
func (c *Cache) ApplyParticipants(account, jid string, action conn.ParticipantAction, jids []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(account, jid)
	if e == nil {
		return false
	}
	parts := e.meta.Participants
	index := func(j string) int {
		return slices.IndexFunc(parts, func(p conn.Participant) bool { return p.JID == j })
	}
	for _, j := range jids {
		i := index(j)
		switch action {
		case conn.ParticipantAdd:
			if i < 0 {
				parts = append(parts, conn.Participant{JID: j, Role: conn.RoleMember})
			}
		case conn.ParticipantRemove:
			if i >= 0 {
				parts = slices.Delete(parts, i, i+1)
			}
		case conn.ParticipantPromote:
			if i >= 0 && parts[i].Role == conn.RoleMember {
				parts[i].Role = conn.RoleAdmin
			}
		case conn.ParticipantDemote:
			if i >= 0 && parts[i].Role == conn.RoleAdmin {
				parts[i].Role = conn.RoleMember
			}
		}
	}
	e.meta.Participants = parts
	return true
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(account, jid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts[account], jid)
}

// Clear drops every entry for an account.
func (c *Cache) Clear(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, account)
}

// Len returns the number of entries held for an account.
func (c *Cache) Len(account string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accounts[account])
}

// Sweep removes expired entries and returns how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for account, entries := range c.accounts {
		for jid, e := range entries {
			if now.Sub(e.storedAt) > c.ttl {
				delete(entries, jid)
				n++
			}
		}
		if len(entries) == 0 {
			delete(c.accounts, account)
		}
	}
	return n
}

// Evict drops the given fraction of each account's oldest entries. Used
// under memory pressure.
func (c *Cache) Evict(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for account, entries := range c.accounts {
		drop := int(float64(len(entries)) * fraction)
		if fraction >= 1 {
			drop = len(entries)
		}
		if drop == 0 {
			continue
		}
		jids := make([]string, 0, len(entries))
		for jid := range entries {
			jids = append(jids, jid)
		}
		sort.Slice(jids, func(i, j int) bool {
			return entries[jids[i]].storedAt.Before(entries[jids[j]].storedAt)
		})
		for _, jid := range jids[:drop] {
			delete(entries, jid)
			n++
		}
		if len(entries) == 0 {
			delete(c.accounts, account)
		}
	}
	return n
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
					c.logger.Debug("metadata sweep", zap.Int("expired", n))
				}
			}
		}
	}()
}

func (c *Cache) liveLocked(account, jid string) *entry {
	e, ok := c.accounts[account][jid]
	if !ok {
		return nil
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.accounts[account], jid)
		return nil
	}
	return e
}
