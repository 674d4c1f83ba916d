package bus

import (
	"strings"
	"sync"
	"time"
)

// Publisher is the publish primitive handed to components that only emit.
type Publisher interface {
	Publish(evt Event)
}

// Bus is an in-process publish/subscribe event bus with namespace and
// account filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	account   string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of
// event.Kind and whose account filter (if any) matches.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.account != "" && sub.account != evt.Account {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, "", bufSize)
}

// SubscribeAccount is Subscribe restricted to one account's events.
func (b *Bus) SubscribeAccount(account, namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, account, bufSize)
}

func (b *Bus) subscribe(namespace, account string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, account: account, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
