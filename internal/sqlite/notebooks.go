package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// GetNotebook returns the cached snapshot or nil.
func (b *Backend) GetNotebook(ctx context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	var body string
	err := b.db.QueryRowContext(ctx,
		"SELECT snapshot FROM notebooks WHERE user_id = ? AND document_id = ?",
		userID, documentID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting notebook %s/%s: %w", userID, documentID, err)
	}
	snap, err := decodeSnapshot(body)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveNotebook overwrites the cached snapshot of the (user, document) pair.
func (b *Backend) SaveNotebook(ctx context.Context, snap types.NotebookSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding notebook: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrCacheDetached
	}

	_, err = b.db.ExecContext(ctx, `INSERT INTO notebooks (user_id, document_id, version, updated_at, snapshot)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id, document_id) DO UPDATE SET
    version = excluded.version,
    updated_at = excluded.updated_at,
    snapshot = excluded.snapshot`,
		snap.UserID, snap.DocumentID, snap.Version, snap.UpdatedAt, string(body),
	)
	if err != nil {
		return fmt.Errorf("saving notebook %s/%s: %w", snap.UserID, snap.DocumentID, err)
	}
	return b.wrote(ctx, tableNotebooks)
}

// ListNotebooks returns every cached snapshot for the user, ordered by
// document id.
func (b *Backend) ListNotebooks(ctx context.Context, userID string) ([]types.NotebookSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT snapshot FROM notebooks WHERE user_id = ? ORDER BY document_id", userID)
	if err != nil {
		return nil, fmt.Errorf("listing notebooks: %w", err)
	}
	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]types.NotebookSnapshot, error) {
	defer rows.Close()

	var out []types.NotebookSnapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeSnapshot(body string) (types.NotebookSnapshot, error) {
	var snap types.NotebookSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return types.NotebookSnapshot{}, fmt.Errorf("%w: %v", types.ErrCorrupted, err)
	}
	return snap, nil
}
