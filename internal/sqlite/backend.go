// Package sqlite implements the on-device cache store. JSONL files in the
// data directory are the source of truth; SQLite is rebuilt from them on
// Attach and serves every query while attached.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

const dbFile = "cache.db"

var _ types.CacheStore = (*Backend)(nil)

// Backend is a types.CacheStore backed by SQLite and JSONL files.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	dataDir  string
	db       *sql.DB

	// JSONL sync strategy state.
	syncStrategy  string
	batchSize     int
	batchInterval time.Duration
	dirty         map[string]bool // tables whose JSONL file lags SQLite
	queued        int             // writes since the last flush
	batchTimer    *time.Timer
	batchMu       sync.Mutex
}

// NewBackend creates a detached backend. Call Attach before use.
func NewBackend() *Backend {
	return &Backend{dirty: make(map[string]bool)}
}

// Attach creates the data directory if needed, builds a fresh SQLite
// database and loads the JSONL files into it.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(cfg types.CacheConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// The database is a derived index; JSONL is authoritative.
	dbPath := filepath.Join(dataDir, dbFile)
	_ = os.Remove(dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	for _, ddl := range append(append([]string(nil), schemaDDL...), indexDDL...) {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	for _, tf := range tableFiles {
		if err := ensureJSONLFile(filepath.Join(dataDir, tf.file)); err != nil {
			db.Close()
			return err
		}
	}
	if err := loadAllJSONL(context.Background(), db, dataDir); err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}

	b.db = db
	b.dataDir = dataDir
	b.syncStrategy = cfg.GetSyncStrategy()
	b.batchSize = cfg.GetBatchSize()
	b.batchInterval = cfg.GetBatchInterval()
	b.dirty = make(map[string]bool)
	b.queued = 0
	b.attached = true

	if b.syncStrategy == types.SyncBatch {
		b.startBatchTimer()
	}
	return nil
}

// Detach flushes deferred JSONL writes and closes the database. After
// Detach every operation returns ErrCacheDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.stopBatchTimer()
	if err := b.flushLocked(context.Background()); err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}

	if err := b.db.Close(); err != nil {
		return err
	}
	b.db = nil
	b.attached = false
	return nil
}

// DataDir returns the directory holding the JSONL files.
func (b *Backend) DataDir() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dataDir
}

// newID returns a UUID v7, falling back to v4.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// wrote records that table changed in SQLite and, depending on the sync
// strategy, rewrites its JSONL file now or defers it.
// The caller must hold b.mu for writing.
func (b *Backend) wrote(ctx context.Context, table string) error {
	if b.syncStrategy == types.SyncImmediate {
		return b.persistTable(ctx, table)
	}

	b.batchMu.Lock()
	b.dirty[table] = true
	b.queued++
	full := b.syncStrategy == types.SyncBatch && b.queued >= b.batchSize
	b.batchMu.Unlock()

	if full {
		return b.flushLocked(ctx)
	}
	return nil
}

// markDirty leaves table for the next flush.
func (b *Backend) markDirty(table string) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()
	b.dirty[table] = true
}

// flushLocked rewrites the JSONL file of every dirty table.
// The caller must hold b.mu for writing.
func (b *Backend) flushLocked(ctx context.Context) error {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	for _, tf := range tableFiles {
		if !b.dirty[tf.table] {
			continue
		}
		if err := b.persistTable(ctx, tf.table); err != nil {
			// Tables left dirty are retried on the next flush.
			return fmt.Errorf("flush %s: %w", tf.table, err)
		}
		delete(b.dirty, tf.table)
	}
	b.queued = 0
	return nil
}

func (b *Backend) persistTable(ctx context.Context, table string) error {
	tf, ok := tableFileFor(table)
	if !ok {
		return fmt.Errorf("no JSONL file for table %s", table)
	}
	records, err := dumpTable(ctx, b.db, tf)
	if err != nil {
		return err
	}
	return writeJSONL(filepath.Join(b.dataDir, tf.file), records)
}

// startBatchTimer flushes dirty tables every batchInterval until Detach.
func (b *Backend) startBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		return
	}
	b.batchTimer = time.AfterFunc(b.batchInterval, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.attached {
			return
		}
		_ = b.flushLocked(context.Background())

		b.batchMu.Lock()
		if b.batchTimer != nil {
			b.batchTimer.Reset(b.batchInterval)
		}
		b.batchMu.Unlock()
	})
}

func (b *Backend) stopBatchTimer() {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
}
