package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LIDMapping maps a LID JID to a phone number JID for one account.
type LIDMapping struct {
	LID string
	PN  string
}

// SaveLIDMapping records that lid and pn identify the same contact.
func (db *DB) SaveLIDMapping(ctx context.Context, account string, m LIDMapping) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO lid_map (account_id, lid, pn, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, lid) DO UPDATE SET pn = excluded.pn, updated_at = excluded.updated_at`,
		account, m.LID, m.PN, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save lid mapping %q: %w", m.LID, err)
	}
	return nil
}

// PNForLID returns the phone JID stored for lid, or "".
func (db *DB) PNForLID(ctx context.Context, account, lid string) (string, error) {
	var pn string
	err := db.QueryRowContext(ctx, `SELECT pn FROM lid_map WHERE account_id = ? AND lid = ?`, account, lid).Scan(&pn)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return pn, err
}

// LIDForPN returns the LID stored for pn, or "".
func (db *DB) LIDForPN(ctx context.Context, account, pn string) (string, error) {
	var lid string
	err := db.QueryRowContext(ctx, `
		SELECT lid FROM lid_map WHERE account_id = ? AND pn = ? ORDER BY updated_at DESC LIMIT 1`,
		account, pn).Scan(&lid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return lid, err
}
