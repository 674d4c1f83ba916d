package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged, Account: "acc1", Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindStatusChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Publish should stamp events without a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged})
	b.Publish(Event{Kind: KindMessageNew})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageNew {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageNew)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAccountFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeAccount("A", "message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageNew, Account: "B"})
	b.Publish(Event{Kind: KindMessageNew, Account: "A"})

	evt := <-ch
	if evt.Account != "A" {
		t.Errorf("got account %q, want A", evt.Account)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for account %q", evt.Account)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
