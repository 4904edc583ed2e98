package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/notebooksync/internal/memory"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// gatedRemote holds GetNotebook until release is closed, then fails with err
// or reads through to the wrapped store.
type gatedRemote struct {
	*memory.Remote
	release chan struct{}
	err     error
}

func (r *gatedRemote) GetNotebook(ctx context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.Remote.GetNotebook(ctx, userID, documentID)
}

func pendingSnap(doc, content string, version int64) types.NotebookSnapshot {
	return types.NotebookSnapshot{
		UserID:     testUser,
		DocumentID: doc,
		Cells:      []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: content, LastModified: 10}},
		Version:    version,
		UpdatedAt:  10,
		Pending:    true,
	}
}

func TestReplay_DeliversInOrder(t *testing.T) {
	e := newEnv()
	queue := []types.NotebookSnapshot{pendingSnap(testDoc, "one", 1), pendingSnap(testDoc, "two", 2)}

	out, err := Replay(context.Background(), e.remote, e.cache, queue, e.clock.Now, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Replayed)
	assert.Equal(t, 0, out.Requeued)

	stored := remoteSnapshot(t, e)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, "two", stored.Cells[0].Content)
	assert.False(t, stored.Pending)
	assert.Equal(t, int64(2), out.Latest[testDoc].Version)
}

func TestReplay_IsIdempotent(t *testing.T) {
	e := newEnv()
	queue := []types.NotebookSnapshot{pendingSnap(testDoc, "once", 1)}

	_, err := Replay(context.Background(), e.remote, e.cache, queue, e.clock.Now, nil)
	require.NoError(t, err)
	require.Equal(t, 1, e.remote.Saves())

	out, err := Replay(context.Background(), e.remote, e.cache, queue, e.clock.Now, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Replayed)
	assert.Equal(t, 1, e.remote.Saves())
	assert.Equal(t, int64(1), remoteSnapshot(t, e).Version)
}

func TestReplay_ConflictMergesNewContent(t *testing.T) {
	e := newEnv()
	e.remote.Put(types.NotebookSnapshot{
		UserID: testUser, DocumentID: testDoc,
		Cells:   []types.CellSnapshot{{ID: "b", Kind: types.CellKindCode, Content: "remote", LastModified: 5}},
		Version: 3, UpdatedAt: 5,
	})

	out, err := Replay(context.Background(), e.remote, e.cache, []types.NotebookSnapshot{pendingSnap(testDoc, "local", 1)}, e.clock.Now, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Replayed)

	stored := remoteSnapshot(t, e)
	assert.Equal(t, int64(4), stored.Version)
	require.Len(t, stored.Cells, 2)
	assert.Equal(t, "a", stored.Cells[0].ID)
	assert.Equal(t, "b", stored.Cells[1].ID)
}

func TestReplay_OfflineRequeuesRemainder(t *testing.T) {
	e := newEnv()
	e.remote.SetOffline(true)
	queue := []types.NotebookSnapshot{
		pendingSnap(testDoc, "one", 1),
		pendingSnap("doc-2", "other", 1),
		pendingSnap(testDoc, "two", 2),
	}

	out, err := Replay(context.Background(), e.remote, e.cache, queue, e.clock.Now, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Replayed)
	assert.Equal(t, 3, out.Requeued)

	back, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, back, 3)
	assert.Equal(t, "one", back[0].Cells[0].Content)
	assert.Equal(t, "two", back[2].Cells[0].Content)
	assert.True(t, back[2].Pending)
}

func TestRestore_RequeuesOtherDocuments(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.cache.StorePendingSnapshot(context.Background(), pendingSnap("doc-2", "elsewhere", 1)))

	b := e.bind(t, newDoc())
	res := restored(t, b)
	assert.Equal(t, 0, res.Replayed)

	back, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "doc-2", back[0].DocumentID)
	assert.Equal(t, 0, e.remote.Saves())
}

func TestRestore_OfflineRequeuesOwnEntries(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.cache.StorePendingSnapshot(context.Background(), pendingSnap(testDoc, "queued", 1)))
	e.remote.SetOffline(true)

	b := e.bind(t, newDoc())
	res := restored(t, b)
	assert.False(t, res.RemoteReachable)
	assert.Equal(t, 1, res.Requeued)

	back, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	assert.Len(t, back, 1)
}

func TestRestore_RemoteFailureKeepsOwnEntries(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.cache.StorePendingSnapshot(context.Background(), pendingSnap(testDoc, "queued", 1)))
	remote := &gatedRemote{Remote: e.remote, err: errors.New("internal server error")}

	b := e.bindTo(t, newDoc(), remote)
	_, err := b.Restored(context.Background())
	require.Error(t, err)

	back, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "queued", back[0].Cells[0].Content)
	assert.Equal(t, 0, e.remote.Saves())
}

func TestRestore_DisposeKeepsOwnEntries(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.cache.StorePendingSnapshot(context.Background(), pendingSnap(testDoc, "queued", 1)))
	remote := &gatedRemote{Remote: e.remote, release: make(chan struct{})}

	b := e.bindTo(t, newDoc(), remote)
	b.Dispose()
	_, err := b.Restored(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	back, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	assert.Len(t, back, 1)
}

func TestRestore_KeepsEditsMadeWhileRestoring(t *testing.T) {
	e := newEnv()
	e.remote.Put(types.NotebookSnapshot{
		UserID: testUser, DocumentID: testDoc, URI: testURI,
		Cells: []types.CellSnapshot{
			{ID: "a", Kind: types.CellKindCode, Content: "remote a", LastModified: 10},
			{ID: "b", Kind: types.CellKindCode, Content: "remote b", LastModified: 10},
		},
		Version: 1, UpdatedAt: 10,
	})
	remote := &gatedRemote{Remote: e.remote, release: make(chan struct{})}

	doc := newDoc()
	b := e.bindTo(t, doc, remote)
	doc.AppendCell(cell("a", "typed early"))
	doc.AppendCell(cell("c", "added early"))
	close(remote.release)

	res := restored(t, b)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, int64(1), b.Version())

	var got []string
	for _, c := range doc.Cells() {
		got = append(got, c.ID+"="+c.Content)
	}
	assert.Equal(t, []string{"a=typed early", "b=remote b", "c=added early"}, got)

	flush(t, b)
	stored := remoteSnapshot(t, e)
	assert.Equal(t, int64(2), stored.Version)
	require.Len(t, stored.Cells, 3)
	assert.Equal(t, "typed early", stored.Cells[0].Content)
	assert.Equal(t, "remote b", stored.Cells[1].Content)
	assert.Equal(t, int64(10), stored.Cells[1].LastModified)
	assert.Equal(t, "added early", stored.Cells[2].Content)
}
