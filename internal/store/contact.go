package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const contactColumns = `id, account_id, jid, alt_jid, name, push_name`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.AccountID, &c.JID, &c.AltJID, &c.Name, &c.PushName); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindContact returns the contact known under jid, either as its primary
// identifier or as its learned alternate. A primary match wins.
func (db *DB) FindContact(ctx context.Context, account, jid string) (*Contact, error) {
	if jid == "" {
		return nil, nil
	}
	c, err := scanContact(db.QueryRowContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE account_id = ? AND (jid = ? OR alt_jid = ?)
		ORDER BY (jid = ?) DESC, id ASC
		LIMIT 1`, account, jid, jid, jid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find contact %q: %w", jid, err)
	}
	return c, nil
}

// GetContactByID returns a contact by row id, or nil.
func (db *DB) GetContactByID(ctx context.Context, id int64) (*Contact, error) {
	c, err := scanContact(db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// InsertContact creates a contact, or refreshes push_name if one already
// exists under the same jid. Returns the stored row.
func (db *DB) InsertContact(ctx context.Context, c *Contact) (*Contact, error) {
	now := time.Now().UnixMilli()
	out, err := scanContact(db.QueryRowContext(ctx, `
		INSERT INTO contacts (account_id, jid, alt_jid, name, push_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, jid) DO UPDATE SET
			alt_jid = CASE WHEN contacts.alt_jid = '' THEN excluded.alt_jid ELSE contacts.alt_jid END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE contacts.push_name END,
			updated_at = excluded.updated_at
		RETURNING `+contactColumns,
		c.AccountID, c.JID, c.AltJID, c.Name, c.PushName, now, now))
	if err != nil {
		return nil, fmt.Errorf("insert contact %q: %w", c.JID, err)
	}
	return out, nil
}

// UpdatePushName refreshes the display name the sender advertises.
func (db *DB) UpdatePushName(ctx context.Context, id int64, pushName string) error {
	if pushName == "" {
		return nil
	}
	_, err := db.ExecContext(ctx, `
		UPDATE contacts SET push_name = ?, updated_at = ? WHERE id = ? AND push_name != ?`,
		pushName, time.Now().UnixMilli(), id, pushName)
	return err
}

// SetAltJID records the other identifier kind for a contact when not yet set.
func (db *DB) SetAltJID(ctx context.Context, id int64, alt string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE contacts SET alt_jid = ?, updated_at = ? WHERE id = ? AND alt_jid = ''`,
		alt, time.Now().UnixMilli(), id)
	return err
}

// ContactsByName returns contacts whose name or push_name equals name, whose
// primary jid is of the requested kind, and that have no alternate learned.
func (db *DB) ContactsByName(ctx context.Context, account, name string, lidKind bool) ([]Contact, error) {
	kind := `jid NOT LIKE '%@lid'`
	if lidKind {
		kind = `jid LIKE '%@lid'`
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE account_id = ? AND alt_jid = '' AND (push_name = ? OR name = ?) AND `+kind+`
		ORDER BY id`, account, name, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MergeContacts folds duplicate into survivor: the duplicate's direct
// conversation joins the survivor's (or is re-pointed when the survivor has
// none), sender references move over, the duplicate's jid becomes the
// survivor's alternate and the duplicate row is deleted.
func (db *DB) MergeContacts(ctx context.Context, survivorID, duplicateID int64) error {
	if survivorID == duplicateID {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	survivor, err := scanContact(tx.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, survivorID))
	if err != nil {
		return fmt.Errorf("load survivor %d: %w", survivorID, err)
	}
	dup, err := scanContact(tx.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, duplicateID))
	if err != nil {
		return fmt.Errorf("load duplicate %d: %w", duplicateID, err)
	}
	if survivor.AccountID != dup.AccountID {
		return fmt.Errorf("merge contacts %d and %d: different accounts", survivorID, duplicateID)
	}
	now := time.Now().UnixMilli()

	var survivorConv sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE contact_id = ? AND is_group = 0 ORDER BY id LIMIT 1`,
		survivorID).Scan(&survivorConv); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("survivor conversation: %w", err)
	}

	dupConvs, err := queryIDs(ctx, tx, `SELECT id FROM conversations WHERE contact_id = ? AND is_group = 0 ORDER BY id`, duplicateID)
	if err != nil {
		return fmt.Errorf("duplicate conversations: %w", err)
	}
	for _, convID := range dupConvs {
		if !survivorConv.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET contact_id = ?, jid = ?, updated_at = ? WHERE id = ?`,
				survivorID, survivor.JID, now, convID); err != nil {
				return fmt.Errorf("re-point conversation %d: %w", convID, err)
			}
			survivorConv = sql.NullInt64{Int64: convID, Valid: true}
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET conversation_id = ? WHERE conversation_id = ?`,
			survivorConv.Int64, convID); err != nil {
			return fmt.Errorf("move messages from %d: %w", convID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				unread_count = conversations.unread_count + d.unread_count,
				last_message_preview = CASE WHEN d.last_message_at > conversations.last_message_at
					THEN d.last_message_preview ELSE conversations.last_message_preview END,
				last_message_at = MAX(conversations.last_message_at, d.last_message_at),
				name = CASE WHEN conversations.name = '' THEN d.name ELSE conversations.name END,
				updated_at = ?
			FROM (SELECT unread_count, last_message_at, last_message_preview, name FROM conversations WHERE id = ?) AS d
			WHERE conversations.id = ?`, now, convID, survivorConv.Int64); err != nil {
			return fmt.Errorf("fold conversation %d: %w", convID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, convID); err != nil {
			return fmt.Errorf("delete conversation %d: %w", convID, err)
		}
	}
	// Group conversations never point at a contact, but re-point any leftovers.
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET contact_id = ? WHERE contact_id = ?`,
		survivorID, duplicateID); err != nil {
		return fmt.Errorf("re-point conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET sender_contact_id = ? WHERE sender_contact_id = ?`,
		survivorID, duplicateID); err != nil {
		return fmt.Errorf("re-point senders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, duplicateID); err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}

	alt := survivor.AltJID
	if alt == "" {
		alt = dup.JID
	}
	name := survivor.Name
	if name == "" {
		name = dup.Name
	}
	pushName := survivor.PushName
	if pushName == "" {
		pushName = dup.PushName
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE contacts SET alt_jid = ?, name = ?, push_name = ?, updated_at = ? WHERE id = ?`,
		alt, name, pushName, now, survivorID); err != nil {
		return fmt.Errorf("update survivor: %w", err)
	}
	return tx.Commit()
}

// CountContacts returns the number of contacts for an account.
func (db *DB) CountContacts(ctx context.Context, account string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts WHERE account_id = ?`, account).Scan(&n)
	return n, err
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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
