package msgcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func cfg(max int) config.Cache {
	return config.Cache{MessageTTL: 30 * time.Minute, MessageMaxEntries: max, SweepInterval: time.Minute}
}

func newTest(st Store, max int) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(cfg(max), st, nil)
	c.now = clk.now
	return c, clk
}

func TestStoreAndGet(t *testing.T) {
	c, _ := newTest(nil, 10)
	c.Store("A", "chat", "M1", []byte{1, 2}, conn.Content{Type: conn.ContentText, Text: "hi"})

	p, ok := c.GetMessage(context.Background(), "A", "chat", "M1")
	if !ok {
		t.Fatal("GetMessage miss")
	}
	if string(p.Raw) != "\x01\x02" || p.Content.Text != "hi" {
		t.Errorf("payload = %+v", p)
	}
	if _, ok := c.GetMessage(context.Background(), "B", "chat", "M1"); ok {
		t.Error("entries are scoped per account")
	}
}

func TestMaxEntriesDropsOldest(t *testing.T) {
	c, _ := newTest(nil, 3)
	for i := range 5 {
		c.Store("A", "chat", fmt.Sprintf("M%d", i), nil, conn.Content{Text: "x"})
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	if _, ok := c.GetMessage(context.Background(), "A", "chat", "M0"); ok {
		t.Error("M0 should have been dropped")
	}
	if _, ok := c.GetMessage(context.Background(), "A", "chat", "M4"); !ok {
		t.Error("M4 should be cached")
	}
}

// TestFallbackRebuildsFromStore stores a message durably, lets the cache
// entry expire and checks the rebuilt payload.
func TestFallbackRebuildsFromStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	convID, _ := db.UpsertConversation(ctx, &store.Conversation{AccountID: "A", JID: "1@s.whatsapp.net"})
	_, err = db.InsertMessage(ctx, &store.Message{
		AccountID: "A", ConversationID: convID, ExternalID: "M1",
		ContentType: "image", Content: "caption", MediaURL: "https://cdn/x", MimeType: "image/jpeg", Timestamp: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	c, clk := newTest(db, 10)
	c.Store("A", "1@s.whatsapp.net", "M1", []byte("raw"), conn.Content{Type: conn.ContentImage, Text: "caption"})
	clk.advance(31 * time.Minute)

	p, ok := c.GetMessage(ctx, "A", "1@s.whatsapp.net", "M1")
	if !ok {
		t.Fatal("expected durable fallback hit")
	}
	if p.Raw != nil {
		t.Error("rebuilt payload should carry no raw bytes")
	}
	if p.Content.Type != conn.ContentImage || p.Content.Text != "caption" || p.Content.MediaURL != "https://cdn/x" || p.Content.MimeType != "image/jpeg" {
		t.Errorf("rebuilt content = %+v", p.Content)
	}

	if _, ok := c.GetMessage(ctx, "A", "1@s.whatsapp.net", "unknown"); ok {
		t.Error("unknown id should miss everywhere")
	}
}

type countingStore struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	msg   *store.Message
	err   error
}

func (s *countingStore) GetMessage(context.Context, string, string) (*store.Message, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	return s.msg, s.err
}

func TestFallbackCoalescesConcurrentMisses(t *testing.T) {
	st := &countingStore{gate: make(chan struct{}), msg: &store.Message{ContentType: "text", Content: "hi"}}
	c, _ := newTest(st, 10)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.GetMessage(context.Background(), "A", "chat", "M1"); !ok {
				t.Error("fallback miss")
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(st.gate)
	wg.Wait()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.calls > 2 {
		t.Errorf("store calls = %d, concurrent misses should share a lookup", st.calls)
	}
}

func TestFallbackErrorIsMiss(t *testing.T) {
	c, _ := newTest(&countingStore{err: errors.New("db down")}, 10)
	if _, ok := c.GetMessage(context.Background(), "A", "chat", "M1"); ok {
		t.Error("store error should report a miss")
	}
}

func TestSweepEvictClear(t *testing.T) {
	c, clk := newTest(nil, 100)
	c.Store("A", "chat", "old", nil, conn.Content{})
	clk.advance(31 * time.Minute)
	for i := range 4 {
		c.Store("A", "chat", fmt.Sprintf("M%d", i), nil, conn.Content{})
	}
	c.Store("B", "chat", "B1", nil, conn.Content{})

	if n := c.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if n := c.Evict(0.4); n != 2 {
		t.Errorf("Evict(0.4) = %d, want 2", n)
	}
	c.Clear("A")
	if c.Len() != 1 {
		t.Errorf("len after Clear(A) = %d, want 1", c.Len())
	}
}
