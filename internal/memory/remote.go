package memory

import (
	"context"
	"sync"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

var (
	_ types.RemoteStore    = (*Remote)(nil)
	_ types.PendingCleaner = (*Remote)(nil)
)

// Remote is a versioned RemoteStore held in process memory. It enforces the
// same optimistic-concurrency rule as the durable backends: a save with an
// expected version succeeds only when the stored version (0 when absent)
// matches, and the stored version always advances by one.
type Remote struct {
	mu        sync.Mutex
	offline   bool
	notebooks map[docKey]types.NotebookSnapshot
	sessions  map[string]types.SessionState
	lessons   map[lessonKey]types.LessonProgress

	saves         int
	pendingClears []docKey

	// beforeSave runs under the lock ahead of every notebook save. Tests use
	// it to inject a concurrent writer or a one-off failure.
	beforeSave func(snap types.NotebookSnapshot) error
}

// NewRemote creates an empty, reachable remote store.
func NewRemote() *Remote {
	return &Remote{
		notebooks: make(map[docKey]types.NotebookSnapshot),
		sessions:  make(map[string]types.SessionState),
		lessons:   make(map[lessonKey]types.LessonProgress),
	}
}

// SetOffline toggles reachability. While offline every call fails with an
// error matching types.ErrOffline.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// BeforeSave installs a hook that runs ahead of every notebook save. A
// non-nil return aborts the save with that error.
func (r *Remote) BeforeSave(fn func(snap types.NotebookSnapshot) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeSave = fn
}

// Saves returns the number of notebook saves accepted so far.
func (r *Remote) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

// PendingClears returns the number of DeletePendingSnapshot calls received.
func (r *Remote) PendingClears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingClears)
}

// Put stores snap verbatim, bypassing the version check. Used to seed state.
func (r *Remote) Put(snap types.NotebookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notebooks[docKey{snap.UserID, snap.DocumentID}] = snap.Clone()
}

func (r *Remote) checkOnline(op string) error {
	if r.offline {
		return &types.OfflineError{Op: op}
	}
	return nil
}

// GetNotebook returns the stored snapshot or nil.
func (r *Remote) GetNotebook(_ context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("get notebook"); err != nil {
		return nil, err
	}
	snap, ok := r.notebooks[docKey{userID, documentID}]
	if !ok {
		return nil, nil
	}
	out := snap.Clone()
	return &out, nil
}

// SaveNotebook stores snap at the next version.
func (r *Remote) SaveNotebook(_ context.Context, snap types.NotebookSnapshot, expectedVersion *int64) (types.NotebookSnapshot, error) {
	if err := snap.Validate(); err != nil {
		return types.NotebookSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("save notebook"); err != nil {
		return types.NotebookSnapshot{}, err
	}
	if r.beforeSave != nil {
		if err := r.beforeSave(snap); err != nil {
			return types.NotebookSnapshot{}, err
		}
	}

	key := docKey{snap.UserID, snap.DocumentID}
	var stored int64
	if cur, ok := r.notebooks[key]; ok {
		stored = cur.Version
	}
	if expectedVersion != nil && *expectedVersion != stored {
		return types.NotebookSnapshot{}, &types.ConflictError{
			UserID:     snap.UserID,
			DocumentID: snap.DocumentID,
			Expected:   *expectedVersion,
			Actual:     stored,
		}
	}

	out := snap.Clone()
	out.Version = stored + 1
	out.Pending = false
	r.notebooks[key] = out
	r.saves++
	return out.Clone(), nil
}

// GetSession returns the stored session or nil.
func (r *Remote) GetSession(_ context.Context, userID string) (*types.SessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("get session"); err != nil {
		return nil, err
	}
	s, ok := r.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// SaveSession overwrites the stored session.
func (r *Remote) SaveSession(_ context.Context, session types.SessionState) error {
	if err := session.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("save session"); err != nil {
		return err
	}
	r.sessions[session.UserID] = session
	return nil
}

// GetLessonProgress returns the stored progress record or nil.
func (r *Remote) GetLessonProgress(_ context.Context, userID, lessonID string) (*types.LessonProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("get lesson progress"); err != nil {
		return nil, err
	}
	p, ok := r.lessons[lessonKey{userID, lessonID}]
	if !ok {
		return nil, nil
	}
	p.CompletedSteps = append([]string(nil), p.CompletedSteps...)
	return &p, nil
}

// SaveLessonProgress overwrites the stored progress record.
func (r *Remote) SaveLessonProgress(_ context.Context, progress types.LessonProgress) error {
	if err := progress.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("save lesson progress"); err != nil {
		return err
	}
	progress.CompletedSteps = append([]string(nil), progress.CompletedSteps...)
	r.lessons[lessonKey{progress.UserID, progress.LessonID}] = progress
	return nil
}

// DeletePendingSnapshot records the cleanup request. The memory remote keeps
// no server-side queue.
func (r *Remote) DeletePendingSnapshot(_ context.Context, userID, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOnline("delete pending snapshot"); err != nil {
		return err
	}
	r.pendingClears = append(r.pendingClears, docKey{userID, documentID})
	return nil
}
