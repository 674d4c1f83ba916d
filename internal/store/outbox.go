package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueueOutbox journals a message accepted by the send queue.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (account_id, client_msg_id, recipient, content_type, body, media_url, priority, is_bulk, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.AccountID, e.ClientMsgID, e.Recipient, e.ContentType, e.Body, e.MediaURL, e.Priority, e.IsBulk, now, now)
	if err != nil {
		return fmt.Errorf("queue outbox %q: %w", e.ClientMsgID, err)
	}
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns an entry by client id, or nil.
func (db *DB) GetOutbox(ctx context.Context, clientMsgID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRowContext(ctx, `
		SELECT id, account_id, client_msg_id, recipient, content_type, body, media_url, priority, is_bulk, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ID, &e.AccountID, &e.ClientMsgID, &e.Recipient, &e.ContentType, &e.Body, &e.MediaURL, &e.Priority,
			&e.IsBulk, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FailInterrupted marks entries left queued or sending by a previous process
// as failed. Sends are never replayed automatically after a restart.
func (db *DB) FailInterrupted(ctx context.Context, account string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE account_id = ? AND status IN ('queued', 'sending')`,
		time.Now().UnixMilli(), account)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecipientKnown reports whether the account has messaged jid before.
func (db *DB) RecipientKnown(ctx context.Context, account, jid string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM recipients WHERE account_id = ? AND jid = ?`, account, jid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RecordRecipient logs the first send to jid. Later sends leave it untouched.
func (db *DB) RecordRecipient(ctx context.Context, account, jid string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO recipients (account_id, jid, first_sent_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id, jid) DO NOTHING`,
		account, jid, at.UnixMilli())
	return err
}

// NewRecipientsSince counts recipients first messaged at or after since.
func (db *DB) NewRecipientsSince(ctx context.Context, account string, since time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recipients WHERE account_id = ? AND first_sent_at >= ?`,
		account, since.UnixMilli()).Scan(&n)
	return n, err
}
