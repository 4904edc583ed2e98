// Store contracts consumed by the persistence binding and the sync service.
package types

import (
	"context"
	"time"
)

// Clock returns the current time. Injected so tests control timestamps.
type Clock func() time.Time

// Millis returns the clock reading as a millisecond timestamp.
func (c Clock) Millis() int64 {
	return c().UnixMilli()
}

// SystemClock reads the wall clock.
func SystemClock() time.Time { return time.Now() }

// RemoteStore is the versioned remote document store. Implementations return
// an error matching ErrOffline when the store is unreachable and a
// *ConflictError when the expected version does not match.
type RemoteStore interface {
	// GetNotebook returns the stored snapshot, or nil and no error when the
	// document has never been saved.
	GetNotebook(ctx context.Context, userID, documentID string) (*NotebookSnapshot, error)

	// SaveNotebook persists snap. When expectedVersion is non-nil the save
	// succeeds only if the stored version (0 when absent) equals it. The
	// returned snapshot carries the new stored version, which is always the
	// previous stored version plus one.
	SaveNotebook(ctx context.Context, snap NotebookSnapshot, expectedVersion *int64) (NotebookSnapshot, error)

	// GetSession returns the user's session record, or nil when none exists.
	GetSession(ctx context.Context, userID string) (*SessionState, error)

	// SaveSession overwrites the user's session record.
	SaveSession(ctx context.Context, session SessionState) error

	// GetLessonProgress returns the progress record, or nil when none exists.
	GetLessonProgress(ctx context.Context, userID, lessonID string) (*LessonProgress, error)

	// SaveLessonProgress overwrites the progress record.
	SaveLessonProgress(ctx context.Context, progress LessonProgress) error
}

// PendingCleaner is an optional RemoteStore extension. When implemented, the
// binding calls it after a successful save so server-side mirrors of the
// offline queue can be dropped.
type PendingCleaner interface {
	DeletePendingSnapshot(ctx context.Context, userID, documentID string) error
}

// CacheStore is the on-device cache. Writes are unconditional; the cache
// never reports conflicts.
type CacheStore interface {
	// GetNotebook returns the cached snapshot, or nil when none is cached.
	GetNotebook(ctx context.Context, userID, documentID string) (*NotebookSnapshot, error)

	// SaveNotebook overwrites the cached snapshot for the pair.
	SaveNotebook(ctx context.Context, snap NotebookSnapshot) error

	// ListNotebooks returns every cached snapshot for the user.
	ListNotebooks(ctx context.Context, userID string) ([]NotebookSnapshot, error)

	// GetSession returns the cached session record, or nil.
	GetSession(ctx context.Context, userID string) (*SessionState, error)

	// SaveSession overwrites the cached session record.
	SaveSession(ctx context.Context, session SessionState) error

	// GetLessonProgress returns the cached progress record, or nil.
	GetLessonProgress(ctx context.Context, userID, lessonID string) (*LessonProgress, error)

	// SaveLessonProgress overwrites the cached progress record.
	SaveLessonProgress(ctx context.Context, progress LessonProgress) error

	// StorePendingSnapshot appends snap to the pending queue of its
	// (user, document) pair.
	StorePendingSnapshot(ctx context.Context, snap NotebookSnapshot) error

	// PendingSnapshots returns the user's queued snapshots without removing them.
	PendingSnapshots(ctx context.Context, userID string) ([]NotebookSnapshot, error)

	// ConsumePendingSnapshots atomically removes and returns every queued
	// snapshot across the user's documents, oldest first.
	ConsumePendingSnapshots(ctx context.Context, userID string) ([]NotebookSnapshot, error)

	// DeletePendingSnapshots discards the queue of one (user, document) pair.
	DeletePendingSnapshots(ctx context.Context, userID, documentID string) error
}
