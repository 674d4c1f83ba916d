package store

import (
	"context"
	"database/sql"
	"time"
)

// GetSyncState returns a per-account checkpoint value, or "" when unset.
func (db *DB) GetSyncState(ctx context.Context, account, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE account_id = ? AND key = ?`, account, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetSyncState writes a per-account checkpoint value.
func (db *DB) SetSyncState(ctx context.Context, account, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		account, key, value, time.Now().UnixMilli())
	return err
}
