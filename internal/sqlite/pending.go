package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// StorePendingSnapshot appends snap to the offline queue, flagged pending.
// Queue order is insertion order across all of the user's documents.
func (b *Backend) StorePendingSnapshot(ctx context.Context, snap types.NotebookSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	snap.Pending = true
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding pending snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrCacheDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_snapshots").Scan(&seq); err != nil {
		return fmt.Errorf("allocating pending sequence: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO pending_snapshots (pending_id, user_id, document_id, seq, created_at, snapshot) VALUES (?, ?, ?, ?, ?, ?)",
		newID(), snap.UserID, snap.DocumentID, seq, time.Now().UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		return fmt.Errorf("queueing pending snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pending snapshot: %w", err)
	}
	return b.wrote(ctx, tablePending)
}

// PendingSnapshots returns the user's queue, oldest first, without
// removing it.
func (b *Backend) PendingSnapshots(ctx context.Context, userID string) ([]types.NotebookSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT snapshot FROM pending_snapshots WHERE user_id = ? ORDER BY seq", userID)
	if err != nil {
		return nil, fmt.Errorf("reading pending snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

// ConsumePendingSnapshots removes and returns the user's queue in one
// transaction. Concurrent consumers never receive the same entry.
func (b *Backend) ConsumePendingSnapshots(ctx context.Context, userID string) ([]types.NotebookSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT snapshot FROM pending_snapshots WHERE user_id = ? ORDER BY seq", userID)
	if err != nil {
		return nil, fmt.Errorf("reading pending snapshots: %w", err)
	}
	queue, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_snapshots WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("draining pending snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}
	if err := b.wrote(ctx, tablePending); err != nil {
		// The drain is committed, so the queue belongs to the caller now.
		// The file is rewritten on the next flush or Detach.
		b.markDirty(tablePending)
	}
	return queue, nil
}

// DeletePendingSnapshots discards the queued snapshots of one document.
func (b *Backend) DeletePendingSnapshots(ctx context.Context, userID, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrCacheDetached
	}

	res, err := b.db.ExecContext(ctx,
		"DELETE FROM pending_snapshots WHERE user_id = ? AND document_id = ?", userID, documentID)
	if err != nil {
		return fmt.Errorf("deleting pending snapshots: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return b.wrote(ctx, tablePending)
}
