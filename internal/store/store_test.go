package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 1 {
		t.Errorf("result = %+v, want 0 -> 1 changed", *result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("err = %v, want ErrDirtySchema", err)
	}
}

func TestAccountLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a, err := db.EnsureAccount(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	if a.Incognito || a.CreatedAt == 0 {
		t.Errorf("fresh account = %+v", a)
	}
	if err := db.SetIncognito(ctx, "acc", true); err != nil {
		t.Fatal(err)
	}
	again, err := db.EnsureAccount(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	if !again.Incognito {
		t.Error("EnsureAccount should not reset incognito")
	}
	if again.CreatedAt != a.CreatedAt {
		t.Error("EnsureAccount should not reset created_at")
	}

	missing, err := db.GetAccount(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetAccount(nope) = %v, %v", missing, err)
	}
}

func TestCredentialsRoundTripAndPurge(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	empty, err := db.LoadCredentials(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	if !empty.Empty() {
		t.Fatal("unpaired account should have empty credentials")
	}

	creds := conn.Credentials{
		Blob: []byte(`{"jid":"1@s.whatsapp.net"}`),
		Keys: []conn.KeyRecord{
			{Type: "identity", ID: "1@s.whatsapp.net", Value: []byte{1, 2, 3}},
			{Type: "prekey", ID: "7", Value: []byte{9}},
		},
	}
	if err := db.SaveCredentials(ctx, "acc", creds); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.LoadCredentials(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	if string(loaded.Blob) != string(creds.Blob) {
		t.Errorf("blob = %q", loaded.Blob)
	}
	if len(loaded.Keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(loaded.Keys))
	}

	keys, err := db.GetKeys(ctx, "acc", "prekey", "7", "8")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys["7"][0] != 9 {
		t.Errorf("GetKeys = %v", keys)
	}

	// nil value deletes.
	if err := db.SetKeys(ctx, "acc", []conn.KeyRecord{{Type: "prekey", ID: "7"}}); err != nil {
		t.Fatal(err)
	}
	keys, _ = db.GetKeys(ctx, "acc", "prekey")
	if len(keys) != 0 {
		t.Errorf("prekey 7 should be deleted, got %v", keys)
	}

	ids, err := db.ListAccountsWithCredentials(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "acc" {
		t.Errorf("ListAccountsWithCredentials = %v", ids)
	}

	if err := db.PurgeCredentials(ctx, "acc"); err != nil {
		t.Fatal(err)
	}
	after, _ := db.LoadCredentials(ctx, "acc")
	if !after.Empty() || len(after.Keys) != 0 {
		t.Errorf("after purge = %+v", after)
	}
	identity, _ := db.GetKeys(ctx, "acc", "identity")
	if len(identity) != 0 {
		t.Error("purge should remove key records")
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	convID, err := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "1@s.whatsapp.net"})
	if err != nil {
		t.Fatal(err)
	}
	m := &Message{AccountID: "acc", ConversationID: convID, ExternalID: "M1", ContentType: "text", Content: "hi", Status: "received", Timestamp: 1000}

	inserted, err := db.InsertMessage(ctx, m)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = db.InsertMessage(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second insert of the same external id should be a no-op")
	}
	n, _ := db.CountMessages(ctx, "acc")
	if n != 1 {
		t.Errorf("CountMessages = %d, want 1", n)
	}

	// Same external id on another account is a separate message.
	otherConv, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "other", JID: "1@s.whatsapp.net"})
	other := *m
	other.AccountID = "other"
	other.ConversationID = otherConv
	if inserted, _ := db.InsertMessage(ctx, &other); !inserted {
		t.Error("external ids are scoped per account")
	}
}

func TestExistingMessageIDsChunks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	convID, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "g@g.us", IsGroup: true})

	var ids []string
	for i := range 1200 {
		id := fmt.Sprintf("M%04d", i)
		ids = append(ids, id)
		if i%2 == 0 {
			if _, err := db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: convID, ExternalID: id, Timestamp: int64(i)}); err != nil {
				t.Fatal(err)
			}
		}
	}
	found, err := db.ExistingMessageIDs(ctx, "acc", ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 600 {
		t.Errorf("found %d ids, want 600", len(found))
	}
	if !found["M0000"] || found["M0001"] {
		t.Errorf("wrong membership: M0000=%v M0001=%v", found["M0000"], found["M0001"])
	}
}

func TestUpdateMessageStatusForwardOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	convID, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "1@s.whatsapp.net"})
	_, _ = db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: convID, ExternalID: "M1", FromMe: true, Status: "sent", Timestamp: 1})

	changed, err := db.UpdateMessageStatus(ctx, "acc", "M1", "read", conn.StatusRead.Rank())
	if err != nil || !changed {
		t.Fatalf("sent -> read = %v, %v", changed, err)
	}
	changed, err = db.UpdateMessageStatus(ctx, "acc", "M1", "delivered", conn.StatusDelivered.Rank())
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("read -> delivered must not apply")
	}
	m, _ := db.GetMessage(ctx, "acc", "M1")
	if m.Status != "read" {
		t.Errorf("status = %q, want read", m.Status)
	}
}

func TestEditMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	convID, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "1@s.whatsapp.net"})
	_, _ = db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: convID, ExternalID: "M1", ContentType: "text", Content: "helo", Timestamp: 1})

	changed, err := db.EditMessage(ctx, "acc", "M1", "text", "hello")
	if err != nil || !changed {
		t.Fatalf("EditMessage = %v, %v", changed, err)
	}
	m, _ := db.GetMessage(ctx, "acc", "M1")
	if m.Content != "hello" || !m.Edited {
		t.Errorf("edited message = %+v", m)
	}
	changed, _ = db.EditMessage(ctx, "acc", "missing", "text", "x")
	if changed {
		t.Error("editing an unknown message should report false")
	}
}

func TestUpsertConversationAccumulates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id1, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "c", UnreadCount: 1, LastMessageAt: 2000, LastMessagePreview: "new"})
	id2, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "c", UnreadCount: 1, LastMessageAt: 1000, LastMessagePreview: "old"})
	if id1 != id2 {
		t.Fatalf("upsert returned different ids %d and %d", id1, id2)
	}
	c, _ := db.GetConversation(ctx, "acc", "c")
	if c.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", c.UnreadCount)
	}
	if c.LastMessageAt != 2000 || c.LastMessagePreview != "new" {
		t.Errorf("last message went backwards: %d %q", c.LastMessageAt, c.LastMessagePreview)
	}
	if err := db.MarkConversationRead(ctx, "acc", "c"); err != nil {
		t.Fatal(err)
	}
	c, _ = db.GetConversation(ctx, "acc", "c")
	if c.UnreadCount != 0 {
		t.Errorf("unread after read = %d", c.UnreadCount)
	}
}

func TestFindContactByAlt(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "1@s.whatsapp.net", PushName: "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetAltJID(ctx, c.ID, "9@lid"); err != nil {
		t.Fatal(err)
	}
	found, err := db.FindContact(ctx, "acc", "9@lid")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.ID != c.ID {
		t.Fatalf("FindContact(alt) = %+v", found)
	}
	if miss, _ := db.FindContact(ctx, "other", "9@lid"); miss != nil {
		t.Error("contacts are scoped per account")
	}
}

func TestContactsByNameKind(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, _ = db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "1@s.whatsapp.net", PushName: "Ana"})
	_, _ = db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "9@lid", PushName: "Ana"})
	_, _ = db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "2@s.whatsapp.net", PushName: "Bob"})

	pn, err := db.ContactsByName(ctx, "acc", "Ana", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(pn) != 1 || pn[0].JID != "1@s.whatsapp.net" {
		t.Errorf("pn candidates = %+v", pn)
	}
	lid, _ := db.ContactsByName(ctx, "acc", "Ana", true)
	if len(lid) != 1 || lid[0].JID != "9@lid" {
		t.Errorf("lid candidates = %+v", lid)
	}
}

func TestMergeContactsRepointsConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pn, _ := db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "1@s.whatsapp.net", Name: "Ana"})
	lid, _ := db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "9@lid", PushName: "Ana P"})

	pnConv, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: pn.JID, ContactID: pn.ID, UnreadCount: 1, LastMessageAt: 100, LastMessagePreview: "old"})
	lidConv, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: lid.JID, ContactID: lid.ID, UnreadCount: 2, LastMessageAt: 200, LastMessagePreview: "newer"})
	_, _ = db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: lidConv, ExternalID: "L1", SenderJID: lid.JID, SenderContactID: lid.ID, Timestamp: 200})
	_, _ = db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: pnConv, ExternalID: "P1", SenderJID: pn.JID, SenderContactID: pn.ID, Timestamp: 100})

	// A group message from the duplicate keeps its group conversation.
	groupConv, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: "g@g.us", IsGroup: true})
	_, _ = db.InsertMessage(ctx, &Message{AccountID: "acc", ConversationID: groupConv, ExternalID: "G1", SenderJID: lid.JID, SenderContactID: lid.ID, Timestamp: 150})

	if err := db.MergeContacts(ctx, pn.ID, lid.ID); err != nil {
		t.Fatalf("MergeContacts() error = %v", err)
	}

	if n, _ := db.CountContacts(ctx, "acc"); n != 1 {
		t.Errorf("contacts after merge = %d, want 1", n)
	}
	if gone, _ := db.GetConversation(ctx, "acc", lid.JID); gone != nil {
		t.Error("duplicate conversation should be folded into the survivor's")
	}
	conv, _ := db.GetConversation(ctx, "acc", pn.JID)
	if conv.UnreadCount != 3 || conv.LastMessageAt != 200 || conv.LastMessagePreview != "newer" {
		t.Errorf("folded conversation = %+v", conv)
	}
	l1, _ := db.GetMessage(ctx, "acc", "L1")
	if l1.ConversationID != pnConv || l1.SenderContactID != pn.ID {
		t.Errorf("L1 = conv %d sender %d, want %d/%d", l1.ConversationID, l1.SenderContactID, pnConv, pn.ID)
	}
	g1, _ := db.GetMessage(ctx, "acc", "G1")
	if g1.ConversationID != groupConv || g1.SenderContactID != pn.ID {
		t.Errorf("G1 = conv %d sender %d", g1.ConversationID, g1.SenderContactID)
	}
	survivor, _ := db.GetContactByID(ctx, pn.ID)
	if survivor.AltJID != lid.JID || survivor.PushName != "Ana P" || survivor.Name != "Ana" {
		t.Errorf("survivor = %+v", survivor)
	}
}

func TestMergeContactsRepointsWhenSurvivorHasNoConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	pn, _ := db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "1@s.whatsapp.net"})
	lid, _ := db.InsertContact(ctx, &Contact{AccountID: "acc", JID: "9@lid"})
	lidConv, _ := db.UpsertConversation(ctx, &Conversation{AccountID: "acc", JID: lid.JID, ContactID: lid.ID})

	if err := db.MergeContacts(ctx, pn.ID, lid.ID); err != nil {
		t.Fatal(err)
	}
	conv, _ := db.GetConversation(ctx, "acc", pn.JID)
	if conv == nil || conv.ID != lidConv || conv.ContactID != pn.ID {
		t.Errorf("re-pointed conversation = %+v", conv)
	}
}

func TestLIDMapping(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.SaveLIDMapping(ctx, "acc", LIDMapping{LID: "9@lid", PN: "1@s.whatsapp.net"}); err != nil {
		t.Fatal(err)
	}
	pn, _ := db.PNForLID(ctx, "acc", "9@lid")
	if pn != "1@s.whatsapp.net" {
		t.Errorf("PNForLID = %q", pn)
	}
	lid, _ := db.LIDForPN(ctx, "acc", "1@s.whatsapp.net")
	if lid != "9@lid" {
		t.Errorf("LIDForPN = %q", lid)
	}
	none, _ := db.PNForLID(ctx, "other", "9@lid")
	if none != "" {
		t.Error("lid mappings are scoped per account")
	}
}

func TestReactions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	r := &Reaction{AccountID: "acc", ExternalID: "M1", ReactorJID: "1@s.whatsapp.net", Emoji: "👍", Timestamp: 10}
	if err := db.UpsertReaction(ctx, r); err != nil {
		t.Fatal(err)
	}
	stale := *r
	stale.Emoji = "❤️"
	stale.Timestamp = 5
	_ = db.UpsertReaction(ctx, &stale)

	got, _ := db.Reactions(ctx, "acc", "M1")
	if got["1@s.whatsapp.net"] != "👍" {
		t.Errorf("reaction = %q, stale update should not win", got["1@s.whatsapp.net"])
	}

	removal := *r
	removal.Emoji = ""
	_ = db.UpsertReaction(ctx, &removal)
	got, _ = db.Reactions(ctx, "acc", "M1")
	if len(got) != 0 {
		t.Errorf("reactions after removal = %v", got)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	e := &OutboxEntry{AccountID: "acc", ClientMsgID: "c1", Recipient: "1@s.whatsapp.net", ContentType: "text", Body: "hi"}
	if err := db.QueueOutbox(ctx, e); err != nil {
		t.Fatal(err)
	}
	queued, _ := db.GetOutbox(ctx, "c1")
	if queued == nil || queued.Status != OutboxQueued {
		t.Fatalf("queued entry = %+v", queued)
	}
	if err := db.MarkOutboxSending(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent(ctx, "c1", "SRV1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetOutbox(ctx, "c1")
	if got.Status != OutboxSent || got.ServerMsgID != "SRV1" {
		t.Errorf("entry = %+v", got)
	}

	_ = db.QueueOutbox(ctx, &OutboxEntry{AccountID: "acc", ClientMsgID: "c2", Recipient: "x"})
	n, err := db.FailInterrupted(ctx, "acc")
	if err != nil || n != 1 {
		t.Errorf("FailInterrupted = %d, %v", n, err)
	}
	c2, _ := db.GetOutbox(ctx, "c2")
	if c2.Status != OutboxFailed {
		t.Errorf("c2 status = %q", c2.Status)
	}
}

func TestRecipientsLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	_ = db.RecordRecipient(ctx, "acc", "a", now.Add(-48*time.Hour))
	_ = db.RecordRecipient(ctx, "acc", "b", now)
	_ = db.RecordRecipient(ctx, "acc", "a", now) // first send wins

	n, err := db.NewRecipientsSince(ctx, "acc", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("NewRecipientsSince = %d, want 1", n)
	}
	known, _ := db.RecipientKnown(ctx, "acc", "a")
	if !known {
		t.Error("a should be known")
	}
	unknown, _ := db.RecipientKnown(ctx, "acc", "z")
	if unknown {
		t.Error("z should be unknown")
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, _ := db.GetSyncState(ctx, "acc", "history")
	if v != "" {
		t.Errorf("unset = %q", v)
	}
	_ = db.SetSyncState(ctx, "acc", "history", "3")
	_ = db.SetSyncState(ctx, "acc", "history", "4")
	v, _ = db.GetSyncState(ctx, "acc", "history")
	if v != "4" {
		t.Errorf("history = %q, want 4", v)
	}
}
