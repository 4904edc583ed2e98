package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

var _ types.RemoteStore = (*Store)(nil)

// Store is a RemoteStore backed by PostgreSQL. Notebook snapshots are stored
// as JSONB next to their version; a save locks the row, checks the expected
// version and writes version+1 in one transaction.
type Store struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

// NewStore creates a Store on an open pool. Call EnsureSchema before first use
// against an empty database.
func NewStore(config Config) *Store {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   config.Pool,
		tables: NewTableNames(config.TablePrefix),
		logger: logger,
	}
}

// EnsureSchema creates the store's tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.tables.Notebooks + ` (
			user_id     TEXT NOT NULL,
			document_id TEXT NOT NULL,
			version     BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL,
			snapshot    JSONB NOT NULL,
			PRIMARY KEY (user_id, document_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.tables.Sessions + ` (
			user_id     TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			uri         TEXT NOT NULL DEFAULT '',
			view_type   TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL DEFAULT '',
			last_opened BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.tables.LessonProgress + ` (
			user_id    TEXT NOT NULL,
			lesson_id  TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			progress   JSONB NOT NULL,
			PRIMARY KEY (user_id, lesson_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return wrap("ensure schema", fmt.Errorf("create table: %w", err))
		}
	}
	return nil
}

// GetNotebook returns the stored snapshot, or nil when none exists.
func (s *Store) GetNotebook(ctx context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	query := fmt.Sprintf(`
		SELECT version, snapshot
		FROM %s
		WHERE user_id = $1 AND document_id = $2
	`, s.tables.Notebooks)

	var (
		version int64
		raw     []byte
	)
	err := s.pool.QueryRow(ctx, query, userID, documentID).Scan(&version, &raw)
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, nil
		}
		return nil, wrap("get notebook", fmt.Errorf("get notebook: %w", err))
	}

	var snap types.NotebookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: notebook %s/%s: %v", types.ErrCorrupted, userID, documentID, err)
	}
	snap.Version = version
	return &snap, nil
}

// SaveNotebook stores snap at the next version, enforcing expectedVersion
// when it is non-nil.
func (s *Store) SaveNotebook(ctx context.Context, snap types.NotebookSnapshot, expectedVersion *int64) (types.NotebookSnapshot, error) {
	if err := snap.Validate(); err != nil {
		return types.NotebookSnapshot{}, err
	}

	var out types.NotebookSnapshot
	err := s.execTx(ctx, func(tx pgx.Tx) error {
		lock := fmt.Sprintf(`
			SELECT version
			FROM %s
			WHERE user_id = $1 AND document_id = $2
			FOR UPDATE
		`, s.tables.Notebooks)

		var stored int64
		err := tx.QueryRow(ctx, lock, snap.UserID, snap.DocumentID).Scan(&stored)
		if err != nil && !isPgNoRowsError(err) {
			return fmt.Errorf("lock notebook: %w", err)
		}
		if expectedVersion != nil && *expectedVersion != stored {
			return &types.ConflictError{
				UserID:     snap.UserID,
				DocumentID: snap.DocumentID,
				Expected:   *expectedVersion,
				Actual:     stored,
			}
		}

		out = snap.Clone()
		out.Version = stored + 1
		out.Pending = false
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}

		upsert := fmt.Sprintf(`
			INSERT INTO %s (user_id, document_id, version, updated_at, snapshot)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, document_id) DO UPDATE SET
				version = EXCLUDED.version,
				updated_at = EXCLUDED.updated_at,
				snapshot = EXCLUDED.snapshot
		`, s.tables.Notebooks)
		if _, err := tx.Exec(ctx, upsert, out.UserID, out.DocumentID, out.Version, out.UpdatedAt, body); err != nil {
			if isPgDuplicateError(err) {
				// A concurrent first save won the insert.
				return &types.ConflictError{UserID: snap.UserID, DocumentID: snap.DocumentID, Expected: stored, Actual: stored + 1}
			}
			return fmt.Errorf("upsert notebook: %w", err)
		}
		return nil
	})
	if err != nil {
		if types.IsConflict(err) {
			return types.NotebookSnapshot{}, err
		}
		return types.NotebookSnapshot{}, wrap("save notebook", err)
	}

	s.logger.Debug("notebook stored", "user", out.UserID, "document", out.DocumentID, "version", out.Version)
	return out, nil
}

// GetSession returns the user's session record, or nil.
func (s *Store) GetSession(ctx context.Context, userID string) (*types.SessionState, error) {
	query := fmt.Sprintf(`
		SELECT user_id, document_id, uri, view_type, session_id, last_opened
		FROM %s
		WHERE user_id = $1
	`, s.tables.Sessions)

	var st types.SessionState
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&st.UserID,
		&st.DocumentID,
		&st.URI,
		&st.ViewType,
		&st.SessionID,
		&st.LastOpened,
	)
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, nil
		}
		return nil, wrap("get session", fmt.Errorf("get session: %w", err))
	}
	return &st, nil
}

// SaveSession overwrites the user's session record.
func (s *Store) SaveSession(ctx context.Context, session types.SessionState) error {
	if err := session.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, document_id, uri, view_type, session_id, last_opened)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			uri = EXCLUDED.uri,
			view_type = EXCLUDED.view_type,
			session_id = EXCLUDED.session_id,
			last_opened = EXCLUDED.last_opened
	`, s.tables.Sessions)

	_, err := s.pool.Exec(ctx, query,
		session.UserID,
		session.DocumentID,
		session.URI,
		session.ViewType,
		session.SessionID,
		session.LastOpened,
	)
	if err != nil {
		return wrap("save session", fmt.Errorf("upsert session: %w", err))
	}
	return nil
}

// GetLessonProgress returns the progress record, or nil.
func (s *Store) GetLessonProgress(ctx context.Context, userID, lessonID string) (*types.LessonProgress, error) {
	query := fmt.Sprintf(`
		SELECT progress
		FROM %s
		WHERE user_id = $1 AND lesson_id = $2
	`, s.tables.LessonProgress)

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, userID, lessonID).Scan(&raw); err != nil {
		if isPgNoRowsError(err) {
			return nil, nil
		}
		return nil, wrap("get lesson progress", fmt.Errorf("get lesson progress: %w", err))
	}
	var p types.LessonProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: lesson %s/%s: %v", types.ErrCorrupted, userID, lessonID, err)
	}
	return &p, nil
}

// SaveLessonProgress overwrites the progress record.
func (s *Store) SaveLessonProgress(ctx context.Context, progress types.LessonProgress) error {
	if err := progress.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode lesson progress: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, lesson_id, updated_at, progress)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, lesson_id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			progress = EXCLUDED.progress
	`, s.tables.LessonProgress)

	if _, err := s.pool.Exec(ctx, query, progress.UserID, progress.LessonID, progress.UpdatedAt, body); err != nil {
		return wrap("save lesson progress", fmt.Errorf("upsert lesson progress: %w", err))
	}
	return nil
}

// execTx runs fn in a transaction, committing when it returns nil.
func (s *Store) execTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			s.logger.Warn("rollback failed", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
