package wa

import (
	"sync"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

// batcher coalesces the one-at-a-time events whatsmeow delivers into the
// batches the processor consumes. A batch is flushed when it reaches max
// items or interval after its first item, and before any lifecycle event so
// the stream keeps its order.
type batcher struct {
	interval time.Duration
	max      int
	out      chan conn.Event
	done     chan struct{}
	stop     sync.Once

	mu       sync.Mutex
	closed   bool
	kind     conn.BatchKind
	messages []conn.InboundMessage
	edits    []conn.Edit
	reacts   []conn.Reaction
	statuses []conn.StatusUpdate
	timer    *time.Timer

	afterFunc func(d time.Duration, f func()) *time.Timer
}

func newBatcher(interval time.Duration, max, buffer int) *batcher {
	if max < 1 {
		max = 1
	}
	return &batcher{
		interval:  interval,
		max:       max,
		out:       make(chan conn.Event, buffer),
		done:      make(chan struct{}),
		afterFunc: time.AfterFunc,
	}
}

func (b *batcher) size() int {
	return len(b.messages) + len(b.edits) + len(b.reacts) + len(b.statuses)
}

// addMessage queues m. A change of batch kind flushes what is pending.
func (b *batcher) addMessage(kind conn.BatchKind, m conn.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if len(b.messages) > 0 && b.kind != kind {
		b.flushLocked()
	}
	b.kind = kind
	b.messages = append(b.messages, m)
	b.armLocked()
}

func (b *batcher) addEdit(e conn.Edit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.edits = append(b.edits, e)
	b.armLocked()
}

func (b *batcher) addReaction(r conn.Reaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.reacts = append(b.reacts, r)
	b.armLocked()
}

func (b *batcher) addStatus(u ...conn.StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.statuses = append(b.statuses, u...)
	b.armLocked()
}

// emit flushes pending items and then sends ev.
func (b *batcher) emit(ev conn.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
	b.send(ev)
}

func (b *batcher) flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushLocked()
}

// close flushes what fits in the stream buffer without blocking, emits last
// the same way and closes the stream. Later calls do nothing.
func (b *batcher) close(last conn.Event) {
	// Unblock any sender stuck on a full stream before taking the lock.
	b.stop.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.flushWith(b.trySend)
	if last != nil {
		b.trySend(last)
	}
	b.closed = true
	close(b.out)
}

func (b *batcher) send(ev conn.Event) {
	select {
	case b.out <- ev:
	case <-b.done:
	}
}

func (b *batcher) trySend(ev conn.Event) {
	select {
	case b.out <- ev:
	default:
	}
}

func (b *batcher) armLocked() {
	if b.size() >= b.max {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = b.afterFunc(b.interval, b.flush)
	}
}

// flushLocked sends messages before edits, reactions and statuses so that
// updates always follow the message they refer to.
func (b *batcher) flushLocked() { b.flushWith(b.send) }

func (b *batcher) flushWith(send func(conn.Event)) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.messages) > 0 {
		send(conn.MessagesBatch{Kind: b.kind, Messages: b.messages})
		b.messages = nil
	}
	if len(b.edits) > 0 {
		send(conn.EditBatch{Edits: b.edits})
		b.edits = nil
	}
	if len(b.reacts) > 0 {
		send(conn.ReactionBatch{Reactions: b.reacts})
		b.reacts = nil
	}
	if len(b.statuses) > 0 {
		send(conn.StatusBatch{Updates: b.statuses})
		b.statuses = nil
	}
}
