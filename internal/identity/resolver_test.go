package identity

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/contactevin2u/chatunclev2-sub001/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

const (
	pn  = "5511999990000@s.whatsapp.net"
	lid = "123456789@lid"
)

func TestResolveCreatesUnknownSender(t *testing.T) {
	db := testDB(t)
	r := New(db, nil)
	ctx := context.Background()

	c, method, err := r.Resolve(ctx, "acc", Sender{ID: pn, PushName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if method != MethodCreated || c.JID != pn || c.PushName != "Ana" {
		t.Errorf("got %+v via %s", c, method)
	}

	again, method, _ := r.Resolve(ctx, "acc", Sender{ID: pn, PushName: "Ana B"})
	if method != MethodKnown || again.ID != c.ID || again.PushName != "Ana B" {
		t.Errorf("second resolve = %+v via %s", again, method)
	}
}

// TestProtocolAltMergesDuplicates covers the merge invariant: two records
// later proven to be one identity end as a single contact owning every
// conversation.
func TestProtocolAltMergesDuplicates(t *testing.T) {
	db := testDB(t)
	r := New(db, nil)
	ctx := context.Background()

	pc, _ := db.InsertContact(ctx, &store.Contact{AccountID: "acc", JID: pn, Name: "Ana"})
	lc, _ := db.InsertContact(ctx, &store.Contact{AccountID: "acc", JID: lid})
	if _, err := db.UpsertConversation(ctx, &store.Conversation{AccountID: "acc", JID: lid, ContactID: lc.ID, UnreadCount: 1}); err != nil {
		t.Fatal(err)
	}

	c, method, err := r.Resolve(ctx, "acc", Sender{ID: lid, AltID: pn})
	if err != nil {
		t.Fatal(err)
	}
	if method != MethodProtocol || c.ID != pc.ID || c.AltJID != lid {
		t.Errorf("got %+v via %s, want survivor %d", c, method, pc.ID)
	}
	if n, _ := db.CountContacts(ctx, "acc"); n != 1 {
		t.Errorf("contacts = %d, want 1", n)
	}
	convs, _ := db.ConversationsForContact(ctx, pc.ID)
	if len(convs) != 1 {
		t.Errorf("survivor conversations = %v", convs)
	}
	if stale, _ := db.ConversationsForContact(ctx, lc.ID); len(stale) != 0 {
		t.Error("conversations still point at the duplicate")
	}

	// Later events under either identifier land on the survivor.
	for _, id := range []string{pn, lid} {
		got, _, _ := r.Resolve(ctx, "acc", Sender{ID: id})
		if got.ID != pc.ID {
			t.Errorf("Resolve(%s) = %d, want %d", id, got.ID, pc.ID)
		}
	}
}

func TestStoredMapping(t *testing.T) {
	db := testDB(t)
	r := New(db, nil)
	ctx := context.Background()

	pc, _ := db.InsertContact(ctx, &store.Contact{AccountID: "acc", JID: pn})
	if err := db.SaveLIDMapping(ctx, "acc", store.LIDMapping{LID: lid, PN: pn}); err != nil {
		t.Fatal(err)
	}
	c, method, err := r.Resolve(ctx, "acc", Sender{ID: lid})
	if err != nil {
		t.Fatal(err)
	}
	if method != MethodStored || c.ID != pc.ID {
		t.Errorf("got %+v via %s", c, method)
	}
}

func TestNameHeuristic(t *testing.T) {
	tests := []struct {
		name     string
		existing []store.Contact
		sender   Sender
		want     Method
	}{
		{
			name:     "unique match",
			existing: []store.Contact{{JID: pn, PushName: "Maria Silva"}},
			sender:   Sender{ID: lid, PushName: "Maria Silva"},
			want:     MethodName,
		},
		{
			name: "ambiguous",
			existing: []store.Contact{
				{JID: pn, PushName: "Maria Silva"},
				{JID: "5511888880000@s.whatsapp.net", PushName: "Maria Silva"},
			},
			sender: Sender{ID: lid, PushName: "Maria Silva"},
			want:   MethodCreated,
		},
		{
			name:     "name too short",
			existing: []store.Contact{{JID: pn, PushName: "Al"}},
			sender:   Sender{ID: lid, PushName: "Al"},
			want:     MethodCreated,
		},
		{
			name:     "same kind never matches",
			existing: []store.Contact{{JID: "555@lid", PushName: "Maria Silva"}},
			sender:   Sender{ID: lid, PushName: "Maria Silva"},
			want:     MethodCreated,
		},
		{
			name:     "candidate already mapped",
			existing: []store.Contact{{JID: pn, AltJID: "777@lid", PushName: "Maria Silva"}},
			sender:   Sender{ID: lid, PushName: "Maria Silva"},
			want:     MethodCreated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			r := New(db, nil)
			ctx := context.Background()
			for _, c := range tt.existing {
				c.AccountID = "acc"
				if _, err := db.InsertContact(ctx, &c); err != nil {
					t.Fatal(err)
				}
			}
			_, method, err := r.Resolve(ctx, "acc", tt.sender)
			if err != nil {
				t.Fatal(err)
			}
			if method != tt.want {
				t.Errorf("method = %s, want %s", method, tt.want)
			}
		})
	}
}

func TestLearn(t *testing.T) {
	db := testDB(t)
	r := New(db, nil)
	ctx := context.Background()

	c, err := r.Learn(ctx, "acc", lid, pn)
	if err != nil {
		t.Fatal(err)
	}
	if c.JID != pn || c.AltJID != lid {
		t.Errorf("learned contact = %+v", c)
	}
	again, err := r.Learn(ctx, "acc", pn, lid)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != c.ID {
		t.Error("repeat Learn should be a no-op")
	}
	if _, err := r.Learn(ctx, "acc", pn, "5511000@s.whatsapp.net"); err == nil {
		t.Error("Learn with two phone jids should fail")
	}
	if got, _ := db.PNForLID(ctx, "acc", lid); got != pn {
		t.Errorf("stored mapping = %q", got)
	}
}

func TestConcurrentResolveSingleContact(t *testing.T) {
	db := testDB(t)
	r := New(db, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := Sender{ID: lid}
			if i%2 == 0 {
				s.AltID = pn
			}
			if _, _, err := r.Resolve(ctx, "acc", s); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if n, _ := db.CountContacts(ctx, "acc"); n != 1 {
		t.Errorf("contacts = %d, want 1", n)
	}
}
