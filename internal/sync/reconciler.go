package sync

import (
	"context"
	"fmt"
	"strconv"
)

const historyCursorKey = "history.last_ts"

// CheckpointStore persists per-account sync checkpoints.
type CheckpointStore interface {
	GetSyncState(ctx context.Context, account, key string) (string, error)
	SetSyncState(ctx context.Context, account, key, value string) error
}

// Reconciler manages history sync checkpoints. The cursor is the newest
// message timestamp (unix millis) the history task has persisted; it only
// ever moves forward.
type Reconciler struct {
	store CheckpointStore
}

// NewReconciler creates a new reconciler.
func NewReconciler(st CheckpointStore) *Reconciler {
	return &Reconciler{store: st}
}

// HistoryCursor returns the stored history cursor, or 0.
func (r *Reconciler) HistoryCursor(ctx context.Context, account string) (int64, error) {
	v, err := r.store.GetSyncState(ctx, account, historyCursorKey)
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse history cursor %q: %w", v, err)
	}
	return ts, nil
}

// AdvanceHistory moves the cursor to ts if ts is newer.
func (r *Reconciler) AdvanceHistory(ctx context.Context, account string, ts int64) error {
	cur, err := r.HistoryCursor(ctx, account)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return r.store.SetSyncState(ctx, account, historyCursorKey, strconv.FormatInt(ts, 10))
}
