package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// statusRank orders delivery statuses so updates only move forward.
const statusRank = `CASE status
	WHEN 'pending' THEN 1
	WHEN 'sent' THEN 2
	WHEN 'received' THEN 2
	WHEN 'delivered' THEN 3
	WHEN 'read' THEN 4
	WHEN 'played' THEN 5
	ELSE 0 END`

const messageColumns = `id, account_id, conversation_id, external_id, sender_jid, COALESCE(sender_contact_id, 0),
	sender_name, content_type, content, media_url, mime_type, quoted_id, from_me, status, edited, timestamp`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.AccountID, &m.ConversationID, &m.ExternalID, &m.SenderJID, &m.SenderContactID,
		&m.SenderName, &m.ContentType, &m.Content, &m.MediaURL, &m.MimeType, &m.QuotedID, &m.FromMe, &m.Status,
		&m.Edited, &m.Timestamp); err != nil {
		return nil, err
	}
	return &m, nil
}

// ExistingMessageIDs returns which of ids are already persisted for an
// account, in as few round trips as the parameter limit allows.
func (db *DB) ExistingMessageIDs(ctx context.Context, account string, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, chunk := range chunks(ids) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, account)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := db.QueryContext(ctx, `
			SELECT external_id FROM messages
			WHERE account_id = ? AND external_id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("existing message ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, err
			}
			found[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// InsertMessage stores a message unless (account, external_id) already
// exists. Reports whether a row was written.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	var senderContact sql.NullInt64
	if m.SenderContactID > 0 {
		senderContact = sql.NullInt64{Int64: m.SenderContactID, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (account_id, conversation_id, external_id, sender_jid, sender_contact_id, sender_name,
			content_type, content, media_url, mime_type, quoted_id, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id) DO NOTHING`,
		m.AccountID, m.ConversationID, m.ExternalID, m.SenderJID, senderContact, m.SenderName,
		m.ContentType, m.Content, m.MediaURL, m.MimeType, m.QuotedID, m.FromMe, m.Status, m.Timestamp,
		time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message %q: %w", m.ExternalID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a message by external id, or nil.
func (db *DB) GetMessage(ctx context.Context, account, externalID string) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE account_id = ? AND external_id = ?`, account, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", externalID, err)
	}
	return m, nil
}

// UpdateMessageStatus applies a delivery status only when it ranks above the
// current one. Reports whether the row changed.
func (db *DB) UpdateMessageStatus(ctx context.Context, account, externalID, status string, rank int) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE account_id = ? AND external_id = ? AND `+statusRank+` < ?`,
		status, account, externalID, rank)
	if err != nil {
		return false, fmt.Errorf("update status %q: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EditMessage replaces message text and flags it edited.
func (db *DB) EditMessage(ctx context.Context, account, externalID, contentType, content string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET content = ?, content_type = ?, edited = 1
		WHERE account_id = ? AND external_id = ?`,
		content, contentType, account, externalID)
	if err != nil {
		return false, fmt.Errorf("edit message %q: %w", externalID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountMessages returns the number of messages stored for an account.
func (db *DB) CountMessages(ctx context.Context, account string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE account_id = ?`, account).Scan(&n)
	return n, err
}

// UpsertReaction sets a reactor's emoji on a message. An empty emoji removes it.
func (db *DB) UpsertReaction(ctx context.Context, r *Reaction) error {
	if r.Emoji == "" {
		_, err := db.ExecContext(ctx, `
			DELETE FROM reactions WHERE account_id = ? AND external_id = ? AND reactor_jid = ?`,
			r.AccountID, r.ExternalID, r.ReactorJID)
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO reactions (account_id, external_id, reactor_jid, emoji, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, external_id, reactor_jid) DO UPDATE SET
			emoji = excluded.emoji,
			timestamp = excluded.timestamp
		WHERE excluded.timestamp >= reactions.timestamp`,
		r.AccountID, r.ExternalID, r.ReactorJID, r.Emoji, r.Timestamp)
	return err
}

// Reactions returns the current reactions on a message keyed by reactor.
func (db *DB) Reactions(ctx context.Context, account, externalID string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT reactor_jid, emoji FROM reactions WHERE account_id = ? AND external_id = ?`, account, externalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]string)
	for rows.Next() {
		var reactor, emoji string
		if err := rows.Scan(&reactor, &emoji); err != nil {
			return nil, err
		}
		out[reactor] = emoji
	}
	return out, rows.Err()
}
