package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/contactevin2u/chatunclev2-sub001/internal/conn"
)

// EnsureAccount returns the account row, creating it on first use.
func (db *DB) EnsureAccount(ctx context.Context, id string) (*Account, error) {
	now := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, now, now); err != nil {
		return nil, fmt.Errorf("ensure account %q: %w", id, err)
	}
	return db.GetAccount(ctx, id)
}

// GetAccount returns an account by id, or nil when unknown.
func (db *DB) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := db.QueryRowContext(ctx, `SELECT id, phone, incognito, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Phone, &a.Incognito, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SetIncognito toggles read-receipt suppression for an account.
func (db *DB) SetIncognito(ctx context.Context, id string, on bool) error {
	_, err := db.ExecContext(ctx, `UPDATE accounts SET incognito = ?, updated_at = ? WHERE id = ?`,
		on, time.Now().UnixMilli(), id)
	return err
}

// SetPhone records the phone identifier learned at pairing.
func (db *DB) SetPhone(ctx context.Context, id, phone string) error {
	_, err := db.ExecContext(ctx, `UPDATE accounts SET phone = ?, updated_at = ? WHERE id = ?`,
		phone, time.Now().UnixMilli(), id)
	return err
}

// LoadCredentials returns the persisted blob and key records for an account.
// An account that was never paired yields empty credentials and no error.
func (db *DB) LoadCredentials(ctx context.Context, account string) (conn.Credentials, error) {
	var creds conn.Credentials
	err := db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE account_id = ?`, account).Scan(&creds.Blob)
	if err == sql.ErrNoRows {
		return creds, nil
	}
	if err != nil {
		return creds, fmt.Errorf("load credentials: %w", err)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT key_type, key_id, value FROM credential_keys
		WHERE account_id = ? ORDER BY key_type, key_id`, account)
	if err != nil {
		return creds, fmt.Errorf("load credential keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k conn.KeyRecord
		if err := rows.Scan(&k.Type, &k.ID, &k.Value); err != nil {
			return creds, err
		}
		creds.Keys = append(creds.Keys, k)
	}
	return creds, rows.Err()
}

// SaveCredentials replaces the blob and upserts the given key records in one transaction.
func (db *DB) SaveCredentials(ctx context.Context, account string, creds conn.Credentials) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (account_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		account, creds.Blob, now); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := setKeys(ctx, tx, account, creds.Keys, now); err != nil {
		return err
	}
	return tx.Commit()
}

// GetKeys returns key values of one type, optionally restricted to ids.
func (db *DB) GetKeys(ctx context.Context, account, keyType string, ids ...string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	query := `SELECT key_id, value FROM credential_keys WHERE account_id = ? AND key_type = ?`
	args := []any{account, keyType}
	if len(ids) > 0 {
		query += ` AND key_id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		var v []byte
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, rows.Err()
}

// SetKeys upserts key records. A record with a nil Value is deleted.
func (db *DB) SetKeys(ctx context.Context, account string, keys []conn.KeyRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := setKeys(ctx, tx, account, keys, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func setKeys(ctx context.Context, tx *sql.Tx, account string, keys []conn.KeyRecord, now int64) error {
	for _, k := range keys {
		if k.Value == nil {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM credential_keys WHERE account_id = ? AND key_type = ? AND key_id = ?`,
				account, k.Type, k.ID); err != nil {
				return fmt.Errorf("delete key %s/%s: %w", k.Type, k.ID, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential_keys (account_id, key_type, key_id, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_id, key_type, key_id) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			account, k.Type, k.ID, k.Value, now); err != nil {
			return fmt.Errorf("set key %s/%s: %w", k.Type, k.ID, err)
		}
	}
	return nil
}

// PurgeCredentials removes every credential record for an account. Used on
// terminal logout so the account must pair again.
func (db *DB) PurgeCredentials(ctx context.Context, account string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_keys WHERE account_id = ?`, account); err != nil {
		return fmt.Errorf("purge keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE account_id = ?`, account); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	return tx.Commit()
}

// ListAccountsWithCredentials returns accounts that have been paired.
func (db *DB) ListAccountsWithCredentials(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT account_id FROM credentials ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
