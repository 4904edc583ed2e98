package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// GetSession returns the cached session record or nil.
func (b *Backend) GetSession(ctx context.Context, userID string) (*types.SessionState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	s := types.SessionState{UserID: userID}
	err := b.db.QueryRowContext(ctx,
		"SELECT document_id, uri, view_type, session_id, last_opened FROM sessions WHERE user_id = ?",
		userID,
	).Scan(&s.DocumentID, &s.URI, &s.ViewType, &s.SessionID, &s.LastOpened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", userID, err)
	}
	return &s, nil
}

// SaveSession overwrites the cached session record.
func (b *Backend) SaveSession(ctx context.Context, s types.SessionState) error {
	if err := s.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrCacheDetached
	}

	_, err := b.db.ExecContext(ctx, `INSERT OR REPLACE INTO sessions
    (user_id, document_id, uri, view_type, session_id, last_opened)
VALUES (?, ?, ?, ?, ?, ?)`,
		s.UserID, s.DocumentID, s.URI, s.ViewType, s.SessionID, s.LastOpened,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.UserID, err)
	}
	return b.wrote(ctx, tableSessions)
}

// GetLessonProgress returns the cached progress record or nil.
func (b *Backend) GetLessonProgress(ctx context.Context, userID, lessonID string) (*types.LessonProgress, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.attached {
		return nil, types.ErrCacheDetached
	}

	var body string
	err := b.db.QueryRowContext(ctx,
		"SELECT progress FROM lesson_progress WHERE user_id = ? AND lesson_id = ?",
		userID, lessonID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting lesson progress %s/%s: %w", userID, lessonID, err)
	}
	var p types.LessonProgress
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCorrupted, err)
	}
	return &p, nil
}

// SaveLessonProgress overwrites the cached progress record.
func (b *Backend) SaveLessonProgress(ctx context.Context, p types.LessonProgress) error {
	if err := p.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding lesson progress: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return types.ErrCacheDetached
	}

	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO lesson_progress (user_id, lesson_id, updated_at, progress) VALUES (?, ?, ?, ?)",
		p.UserID, p.LessonID, p.UpdatedAt, string(body),
	)
	if err != nil {
		return fmt.Errorf("saving lesson progress %s/%s: %w", p.UserID, p.LessonID, err)
	}
	return b.wrote(ctx, tableLessons)
}
