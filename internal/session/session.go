package session

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/status"
)

// Session is the live connection of one account. Only the Manager holds it.
type Session struct {
	account string
	client  conn.Client
	machine *status.Machine
	logger  *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once

	incognito atomic.Bool
	// closing is set once teardown has begun; the pump then drops everything
	// except credential updates.
	closing atomic.Bool

	history *backlog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(account string, client conn.Client, machine *status.Machine, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		account: account,
		client:  client,
		machine: machine,
		logger:  logger,
		ready:   make(chan struct{}),
		history: newBacklog(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// markReady releases senders blocked in waitReady.
func (s *Session) markReady() bool {
	first := false
	s.readyOnce.Do(func() {
		close(s.ready)
		first = true
	})
	return first
}

func (s *Session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// waitReady blocks until the session is connected and synced, the session
// ends, or ctx is done.
func (s *Session) waitReady(ctx context.Context) bool {
	select {
	case <-s.ready:
		return true
	case <-s.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// backlog is the unbounded FIFO between the event pump and the history task.
// push never blocks, so a long backfill cannot hold up live events.
type backlog struct {
	mu    sync.Mutex
	items []conn.MessagesBatch
	wake  chan struct{}
}

func newBacklog() *backlog {
	return &backlog{wake: make(chan struct{}, 1)}
}

func (b *backlog) push(batch conn.MessagesBatch) {
	b.mu.Lock()
	b.items = append(b.items, batch)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *backlog) pop() (conn.MessagesBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return conn.MessagesBatch{}, false
	}
	batch := b.items[0]
	b.items[0] = conn.MessagesBatch{}
	b.items = b.items[1:]
	return batch, true
}

func (b *backlog) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
