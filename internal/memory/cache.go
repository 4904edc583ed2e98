// Package memory provides in-memory implementations of the local cache store
// and the remote document store. The remote store is used by the serve
// command's memory backend and by tests, which can switch it offline.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

var _ types.CacheStore = (*Cache)(nil)

type docKey struct {
	userID     string
	documentID string
}

type lessonKey struct {
	userID   string
	lessonID string
}

// Cache is a CacheStore held in process memory. Values are cloned on the
// way in and out so callers never share backing arrays with the store.
type Cache struct {
	mu        sync.Mutex
	notebooks map[docKey]types.NotebookSnapshot
	sessions  map[string]types.SessionState
	lessons   map[lessonKey]types.LessonProgress
	pending   map[string][]types.NotebookSnapshot // userID -> queue, oldest first
}

// NewCache creates an empty in-memory cache.
func NewCache() *Cache {
	return &Cache{
		notebooks: make(map[docKey]types.NotebookSnapshot),
		sessions:  make(map[string]types.SessionState),
		lessons:   make(map[lessonKey]types.LessonProgress),
		pending:   make(map[string][]types.NotebookSnapshot),
	}
}

// GetNotebook returns the cached snapshot or nil.
func (c *Cache) GetNotebook(_ context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.notebooks[docKey{userID, documentID}]
	if !ok {
		return nil, nil
	}
	out := snap.Clone()
	return &out, nil
}

// SaveNotebook overwrites the cached snapshot.
func (c *Cache) SaveNotebook(_ context.Context, snap types.NotebookSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.notebooks[docKey{snap.UserID, snap.DocumentID}] = snap.Clone()
	return nil
}

// ListNotebooks returns the user's cached snapshots ordered by document id.
func (c *Cache) ListNotebooks(_ context.Context, userID string) ([]types.NotebookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.NotebookSnapshot
	for k, snap := range c.notebooks {
		if k.userID == userID {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

// GetSession returns the cached session or nil.
func (c *Cache) GetSession(_ context.Context, userID string) (*types.SessionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// SaveSession overwrites the cached session.
func (c *Cache) SaveSession(_ context.Context, session types.SessionState) error {
	if err := session.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions[session.UserID] = session
	return nil
}

// GetLessonProgress returns the cached progress record or nil.
func (c *Cache) GetLessonProgress(_ context.Context, userID, lessonID string) (*types.LessonProgress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.lessons[lessonKey{userID, lessonID}]
	if !ok {
		return nil, nil
	}
	p.CompletedSteps = append([]string(nil), p.CompletedSteps...)
	return &p, nil
}

// SaveLessonProgress overwrites the cached progress record.
func (c *Cache) SaveLessonProgress(_ context.Context, progress types.LessonProgress) error {
	if err := progress.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	progress.CompletedSteps = append([]string(nil), progress.CompletedSteps...)
	c.lessons[lessonKey{progress.UserID, progress.LessonID}] = progress
	return nil
}

// StorePendingSnapshot appends snap to the user's queue, flagged pending.
func (c *Cache) StorePendingSnapshot(_ context.Context, snap types.NotebookSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := snap.Clone()
	cp.Pending = true
	c.pending[snap.UserID] = append(c.pending[snap.UserID], cp)
	return nil
}

// PendingSnapshots returns a copy of the user's queue.
func (c *Cache) PendingSnapshots(_ context.Context, userID string) ([]types.NotebookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloneAll(c.pending[userID]), nil
}

// ConsumePendingSnapshots drains the user's queue atomically.
func (c *Cache) ConsumePendingSnapshots(_ context.Context, userID string) ([]types.NotebookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[userID]
	delete(c.pending, userID)
	return queue, nil
}

// DeletePendingSnapshots drops the queued snapshots of one document.
func (c *Cache) DeletePendingSnapshots(_ context.Context, userID, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.pending[userID]
	kept := queue[:0]
	for _, snap := range queue {
		if snap.DocumentID != documentID {
			kept = append(kept, snap)
		}
	}
	if len(kept) == 0 {
		delete(c.pending, userID)
		return nil
	}
	c.pending[userID] = kept
	return nil
}

func cloneAll(in []types.NotebookSnapshot) []types.NotebookSnapshot {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.NotebookSnapshot, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
