package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertConversation inserts or touches a conversation keyed by (account, jid)
// and returns its row id. Unread counts accumulate; last-message fields only
// move forward in time.
func (db *DB) UpsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	now := time.Now().UnixMilli()
	var contactID sql.NullInt64
	if c.ContactID > 0 {
		contactID = sql.NullInt64{Int64: c.ContactID, Valid: true}
	}
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO conversations (account_id, jid, contact_id, is_group, name, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, jid) DO UPDATE SET
			contact_id = COALESCE(excluded.contact_id, conversations.contact_id),
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			unread_count = conversations.unread_count + excluded.unread_count,
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at
				THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at
		RETURNING id`,
		c.AccountID, c.JID, contactID, c.IsGroup, c.Name, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert conversation %q: %w", c.JID, err)
	}
	return id, nil
}

// GetConversation returns a conversation by (account, jid), or nil.
func (db *DB) GetConversation(ctx context.Context, account, jid string) (*Conversation, error) {
	var c Conversation
	var contactID sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, account_id, jid, contact_id, is_group, name, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE account_id = ? AND jid = ?`, account, jid).
		Scan(&c.ID, &c.AccountID, &c.JID, &contactID, &c.IsGroup, &c.Name, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ContactID = contactID.Int64
	return &c, nil
}

// ConversationsForContact returns the ids of conversations pointing at a contact.
func (db *DB) ConversationsForContact(ctx context.Context, contactID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM conversations WHERE contact_id = ? ORDER BY id`, contactID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkConversationRead clears the unread counter.
func (db *DB) MarkConversationRead(ctx context.Context, account, jid string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = ? WHERE account_id = ? AND jid = ?`,
		time.Now().UnixMilli(), account, jid)
	return err
}
