package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/bus"
)

// State represents the connection state of one account session.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	QRPending    State = "qr_pending"
	Connected    State = "connected"
	Error        State = "error"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Error},
	Connecting:   {QRPending, Connected, Disconnected, Error},
	QRPending:    {Connecting, Disconnected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Disconnected, Connecting},
}

// Machine tracks and enforces one account's state transitions.
type Machine struct {
	mu      sync.RWMutex
	account string
	current State
	since   time.Time
	bus     bus.Publisher
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(account string, b bus.Publisher) *Machine {
	return &Machine{
		account: account,
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Account:   m.account,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Settle moves to Disconnected from any state. It is a no-op when already there.
func (m *Machine) Settle() {
	if m.Current() == Disconnected {
		return
	}
	_ = m.Transition(Disconnected)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
