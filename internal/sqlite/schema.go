package sqlite

// Table names.
const (
	tableNotebooks = "notebooks"
	tableSessions  = "sessions"
	tableLessons   = "lesson_progress"
	tablePending   = "pending_snapshots"
)

// Schema DDL. Snapshot and progress bodies are stored as JSON text; the
// scalar columns exist for lookup and ordering.
const (
	createNotebooks = `CREATE TABLE notebooks (
    user_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    PRIMARY KEY (user_id, document_id)
);`

	createSessions = `CREATE TABLE sessions (
    user_id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    uri TEXT NOT NULL,
    view_type TEXT NOT NULL,
    session_id TEXT NOT NULL,
    last_opened INTEGER NOT NULL
);`

	createLessonProgress = `CREATE TABLE lesson_progress (
    user_id TEXT NOT NULL,
    lesson_id TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    progress TEXT NOT NULL,
    PRIMARY KEY (user_id, lesson_id)
);`

	createPendingSnapshots = `CREATE TABLE pending_snapshots (
    pending_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    snapshot TEXT NOT NULL
);`
)

const (
	idxPendingUser     = `CREATE INDEX idx_pending_user ON pending_snapshots(user_id, seq);`
	idxPendingDocument = `CREATE INDEX idx_pending_document ON pending_snapshots(user_id, document_id);`
)

var schemaDDL = []string{
	createNotebooks,
	createSessions,
	createLessonProgress,
	createPendingSnapshots,
}

var indexDDL = []string{
	idxPendingUser,
	idxPendingDocument,
}
