package binding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/notebooksync/internal/memory"
	"github.com/mesh-intelligence/notebooksync/internal/notebook"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

const (
	testUser = "u1"
	testDoc  = "doc-1"
	testURI  = "file:///lesson.ipynb"
	delay    = 30 * time.Millisecond
)

// stepClock advances one millisecond on every reading.
type stepClock struct{ ms atomic.Int64 }

func newStepClock() *stepClock {
	c := &stepClock{}
	c.ms.Store(1_700_000_000_000)
	return c
}

func (c *stepClock) Now() time.Time { return time.UnixMilli(c.ms.Add(1)) }

type env struct {
	remote *memory.Remote
	cache  *memory.Cache
	clock  *stepClock
}

func newEnv() *env {
	return &env{remote: memory.NewRemote(), cache: memory.NewCache(), clock: newStepClock()}
}

func (e *env) bind(t *testing.T, doc *notebook.Document) *Binding {
	t.Helper()
	return e.bindTo(t, doc, e.remote)
}

// bindTo binds doc to remote in place of the env's own remote.
func (e *env) bindTo(t *testing.T, doc *notebook.Document, remote types.RemoteStore) *Binding {
	t.Helper()
	b, err := New(doc, Context{UserID: testUser, DocumentID: testDoc, SessionID: "s1"}, Options{
		Remote: remote,
		Cache:  e.cache,
		Clock:  e.clock.Now,
		Delay:  delay,
	})
	require.NoError(t, err)
	t.Cleanup(b.Dispose)
	return b
}

func restored(t *testing.T, b *Binding) RestoreResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.Restored(ctx)
	require.NoError(t, err)
	return res
}

func flush(t *testing.T, b *Binding) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func newDoc() *notebook.Document {
	return notebook.New(testURI, "jupyter-notebook")
}

func cell(id, content string) types.Cell {
	return types.Cell{ID: id, Kind: types.CellKindCode, Language: "python", Content: content}
}

func remoteSnapshot(t *testing.T, e *env) *types.NotebookSnapshot {
	t.Helper()
	snap, err := e.remote.GetNotebook(context.Background(), testUser, testDoc)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func TestNew_Validation(t *testing.T) {
	e := newEnv()
	_, err := New(nil, Context{UserID: testUser}, Options{Remote: e.remote, Cache: e.cache})
	assert.ErrorIs(t, err, types.ErrMissingDocument)

	_, err = New(newDoc(), Context{UserID: testUser}, Options{Cache: e.cache})
	assert.ErrorIs(t, err, types.ErrMissingStore)

	_, err = New(newDoc(), Context{}, Options{Remote: e.remote, Cache: e.cache})
	assert.ErrorIs(t, err, types.ErrMissingUser)
}

func TestNew_DefaultsFromModel(t *testing.T) {
	e := newEnv()
	b, err := New(newDoc(), Context{UserID: testUser}, Options{Remote: e.remote, Cache: e.cache})
	require.NoError(t, err)
	defer b.Dispose()

	assert.Equal(t, testURI, b.Context().URI)
	assert.Equal(t, "jupyter-notebook", b.Context().ViewType)
	assert.Equal(t, testURI, b.Context().DocumentID)
}

func TestBinding_CoalescesBurstIntoOneSave(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	h := doc.AppendCell(cell("a", ""))
	for _, content := range []string{"x", "x =", "x = 1", "x = 12"} {
		require.NoError(t, doc.SetCellContent(h, content))
	}

	require.Eventually(t, func() bool { return e.remote.Saves() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(4 * delay)
	assert.Equal(t, 1, e.remote.Saves())
	assert.Equal(t, "x = 12", remoteSnapshot(t, e).Cells[0].Content)
	assert.False(t, b.Dirty())
}

func TestBinding_FlushIsIdempotent(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	doc.AppendCell(cell("a", "print(1)"))
	flush(t, b)
	flush(t, b)

	assert.Equal(t, 1, e.remote.Saves())
	assert.Equal(t, int64(1), b.Version())
}

func TestBinding_SaveThenRestoreInNewSession(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	doc.AppendCell(cell("a", "x = 1"))
	doc.AppendCell(types.Cell{ID: "b", Kind: types.CellKindMarkup, Content: "# Notes"})
	flush(t, b)
	b.Dispose()

	again := newDoc()
	b2 := e.bind(t, again)
	res := restored(t, b2)

	assert.Equal(t, SourceRemote, res.Source)
	assert.True(t, res.AppliedRemote)
	assert.True(t, res.RemoteReachable)
	cells := again.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, "x = 1", cells[0].Content)
	assert.Equal(t, "# Notes", cells[1].Content)
	assert.Equal(t, int64(1), b2.Version())

	session, err := e.cache.GetSession(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, testDoc, session.DocumentID)
}

func TestBinding_ConflictMergesWithConcurrentWriter(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	h := doc.AppendCell(cell("a", "a1"))
	flush(t, b)
	require.Equal(t, int64(1), b.Version())

	// Another device adds a cell.
	other := remoteSnapshot(t, e).Clone()
	other.Cells = append(other.Cells, types.CellSnapshot{
		ID: "ext", Kind: types.CellKindCode, Content: "from elsewhere", LastModified: e.clock.Now().UnixMilli(),
	})
	expected := int64(1)
	_, err := e.remote.SaveNotebook(context.Background(), other, &expected)
	require.NoError(t, err)

	require.NoError(t, doc.SetCellContent(h, "a2"))
	flush(t, b)

	stored := remoteSnapshot(t, e)
	assert.Equal(t, int64(3), stored.Version)
	require.Len(t, stored.Cells, 2)
	assert.Equal(t, "a2", stored.Cells[0].Content)
	assert.Equal(t, "from elsewhere", stored.Cells[1].Content)
	assert.Equal(t, int64(3), b.Version())

	// The merged cells are folded back into the untouched model.
	cells := doc.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, "ext", cells[1].ID)
	assert.False(t, b.Dirty())
}

func TestBinding_MergedSaveRebasesEditsMadeDuringIt(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	ha := doc.AppendCell(cell("a", "a1"))
	doc.AppendCell(cell("b", "b1"))
	flush(t, b)
	require.Equal(t, int64(1), b.Version())

	// Another device rewrites b.
	other := remoteSnapshot(t, e).Clone()
	other.Cells[1].Content = "remote-b"
	other.Cells[1].LastModified = e.clock.Now().UnixMilli()
	other.UpdatedAt = e.clock.Now().UnixMilli()
	expected := int64(1)
	_, err := e.remote.SaveNotebook(context.Background(), other, &expected)
	require.NoError(t, err)

	// The user keeps typing in a while the merged save is in flight.
	var typed atomic.Bool
	e.remote.BeforeSave(func(snap types.NotebookSnapshot) error {
		if len(snap.Cells) == 2 && snap.Cells[1].Content == "remote-b" && typed.CompareAndSwap(false, true) {
			return doc.SetCellContent(ha, "a3")
		}
		return nil
	})

	require.NoError(t, doc.SetCellContent(ha, "a2"))
	flush(t, b)
	require.True(t, typed.Load())

	cells := doc.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, "a3", cells[0].Content, "the edit made during the save stands")
	assert.Equal(t, "remote-b", cells[1].Content, "the cell the remote won is applied")

	flush(t, b)
	stored := remoteSnapshot(t, e)
	assert.Equal(t, int64(4), stored.Version)
	require.Len(t, stored.Cells, 2)
	assert.Equal(t, "a3", stored.Cells[0].Content)
	assert.Equal(t, "remote-b", stored.Cells[1].Content)
	assert.Equal(t, other.Cells[1].LastModified, stored.Cells[1].LastModified)
	assert.False(t, b.Dirty())
}

func TestBinding_OfflineQueuesThenRecovers(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	e.remote.SetOffline(true)
	doc.AppendCell(cell("a", "offline edit"))
	flush(t, b)

	pending, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	assert.True(t, pending[0].Pending)
	assert.Equal(t, int64(1), pending[0].Version)
	assert.True(t, b.Dirty())
	assert.Equal(t, 0, e.remote.Saves())

	e.remote.SetOffline(false)
	flush(t, b)

	pending, err = e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.False(t, b.Dirty())
	assert.Equal(t, 1, e.remote.PendingClears())
	assert.Equal(t, "offline edit", remoteSnapshot(t, e).Cells[0].Content)
}

func TestBinding_RestoreReplaysPendingSnapshots(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	e.remote.SetOffline(true)
	doc.AppendCell(cell("a", "written on the train"))
	flush(t, b)
	b.Dispose()

	e.remote.SetOffline(false)
	again := newDoc()
	b2 := e.bind(t, again)
	res := restored(t, b2)

	assert.GreaterOrEqual(t, res.Replayed, 1)
	assert.Equal(t, 0, res.Requeued)
	assert.Equal(t, SourceRemote, res.Source)
	require.Len(t, again.Cells(), 1)
	assert.Equal(t, "written on the train", again.Cells()[0].Content)
	assert.Equal(t, int64(1), b2.Version())

	pending, err := e.cache.PendingSnapshots(context.Background(), testUser)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBinding_RestoreFromCacheWhenOffline(t *testing.T) {
	e := newEnv()
	require.NoError(t, e.cache.SaveNotebook(context.Background(), types.NotebookSnapshot{
		UserID: testUser, DocumentID: testDoc, URI: testURI,
		Cells:     []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: "cached"}},
		Version:   4,
		UpdatedAt: 100,
	}))
	e.remote.SetOffline(true)

	doc := newDoc()
	b := e.bind(t, doc)
	res := restored(t, b)

	assert.Equal(t, SourceLocalCache, res.Source)
	assert.False(t, res.AppliedRemote)
	assert.False(t, res.RemoteReachable)
	require.Len(t, doc.Cells(), 1)
	assert.Equal(t, "cached", doc.Cells()[0].Content)
	assert.Equal(t, int64(4), b.Version())
}

func TestBinding_RestorePrefersFresherSnapshot(t *testing.T) {
	tests := []struct {
		name        string
		cachedAt    int64
		remoteAt    int64
		wantSource  Source
		wantContent string
	}{
		{name: "remote newer", cachedAt: 100, remoteAt: 200, wantSource: SourceRemote, wantContent: "remote"},
		{name: "cache newer", cachedAt: 300, remoteAt: 200, wantSource: SourceLocalCache, wantContent: "cached"},
		{name: "tie favors remote", cachedAt: 200, remoteAt: 200, wantSource: SourceRemote, wantContent: "remote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			require.NoError(t, e.cache.SaveNotebook(context.Background(), types.NotebookSnapshot{
				UserID: testUser, DocumentID: testDoc,
				Cells:   []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: "cached"}},
				Version: 2, UpdatedAt: tt.cachedAt,
			}))
			e.remote.Put(types.NotebookSnapshot{
				UserID: testUser, DocumentID: testDoc,
				Cells:   []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: "remote"}},
				Version: 5, UpdatedAt: tt.remoteAt,
			})

			doc := newDoc()
			b := e.bind(t, doc)
			res := restored(t, b)

			assert.Equal(t, tt.wantSource, res.Source)
			assert.Equal(t, tt.wantContent, doc.Cells()[0].Content)
			// The remote's version is tracked whenever a remote copy exists.
			assert.Equal(t, int64(5), b.Version())
		})
	}
}

func TestBinding_RestoreEmpty(t *testing.T) {
	e := newEnv()
	b := e.bind(t, newDoc())
	res := restored(t, b)
	assert.Equal(t, SourceEmpty, res.Source)
	assert.True(t, res.RemoteReachable)
	assert.Nil(t, b.Snapshot())
}

func TestBinding_IgnoresItsOwnReset(t *testing.T) {
	e := newEnv()
	e.remote.Put(types.NotebookSnapshot{
		UserID: testUser, DocumentID: testDoc,
		Cells:   []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: "seed"}},
		Version: 1, UpdatedAt: 10,
	})
	b := e.bind(t, newDoc())
	restored(t, b)

	time.Sleep(4 * delay)
	assert.Equal(t, 0, e.remote.Saves())
	assert.False(t, b.Dirty())
}

func TestBinding_TranscriptsAndAnswers(t *testing.T) {
	e := newEnv()
	b := e.bind(t, newDoc())
	restored(t, b)

	require.NoError(t, b.AppendTranscript(types.TranscriptMessage{ID: "m2", Role: types.RoleAssistant, Text: "hi", Timestamp: 20}))
	require.NoError(t, b.AppendTranscript(types.TranscriptMessage{ID: "m1", Role: types.RoleUser, Text: "hello", Timestamp: 10}))
	require.NoError(t, b.AppendTranscript(types.TranscriptMessage{ID: "m2", Role: types.RoleAssistant, Text: "hi there", Timestamp: 20}))

	applied, err := b.UpdateMCQAnswer(types.MCQAnswerSnapshot{QuestionID: "q1", SelectedOptionIDs: []string{"b"}, UpdatedAt: 50})
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = b.UpdateMCQAnswer(types.MCQAnswerSnapshot{QuestionID: "q1", SelectedOptionIDs: []string{"a"}, UpdatedAt: 40})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = b.UpdateMCQAnswer(types.MCQAnswerSnapshot{})
	assert.ErrorIs(t, err, types.ErrInvalidAnswer)
	assert.ErrorIs(t, b.AppendTranscript(types.TranscriptMessage{ID: "m3", Role: "robot"}), types.ErrInvalidMessage)

	flush(t, b)
	stored := remoteSnapshot(t, e)
	require.Len(t, stored.Transcripts, 2)
	assert.Equal(t, "m1", stored.Transcripts[0].ID)
	assert.Equal(t, "hi there", stored.Transcripts[1].Text)
	assert.Equal(t, []string{"b"}, stored.MCQAnswers["q1"].SelectedOptionIDs)
}

func TestBinding_TransientOutputsDoNotSchedule(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	h := doc.AppendCell(cell("a", "print(1)"))
	doc.SetTransientOptions(types.TransientOptions{TransientOutputs: true})

	b := e.bind(t, doc)
	restored(t, b)

	require.NoError(t, doc.SetOutputs(h, []types.OutputSnapshot{{Items: []types.OutputItemSnapshot{{MIME: "text/plain", Data: "MQo="}}}}))
	doc.Emit(types.ChangeEvent{Kind: types.ChangeSelection, CellHandle: h})
	assert.False(t, b.Dirty())
}

func TestBinding_KeepsLastModifiedOfUnchangedCells(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	doc.AppendCell(cell("a", "first"))
	hb := doc.AppendCell(cell("b", "second"))
	flush(t, b)
	before := remoteSnapshot(t, e)

	require.NoError(t, doc.SetCellContent(hb, "second, edited"))
	flush(t, b)
	after := remoteSnapshot(t, e)

	assert.Equal(t, before.Cells[0].LastModified, after.Cells[0].LastModified)
	assert.Greater(t, after.Cells[1].LastModified, before.Cells[1].LastModified)
}

func TestBinding_OnPersistedAndErrors(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	var versions []int64
	cancel := b.OnPersisted(func(s types.NotebookSnapshot) { versions = append(versions, s.Version) })
	doc.AppendCell(cell("a", "1"))
	flush(t, b)
	cancel()
	doc.AppendCell(cell("b", "2"))
	flush(t, b)
	assert.Equal(t, []int64{1}, versions)

	boom := errors.New("disk full")
	e.remote.BeforeSave(func(types.NotebookSnapshot) error { return boom })
	doc.AppendCell(cell("c", "3"))
	select {
	case err := <-b.Errors():
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced write error not reported")
	}
	assert.ErrorIs(t, b.Flush(context.Background()), boom)
}

func TestBinding_Dispose(t *testing.T) {
	e := newEnv()
	doc := newDoc()
	b := e.bind(t, doc)
	restored(t, b)

	hooked := 0
	b.OnDispose(func() { hooked++ })
	b.Dispose()
	b.Dispose()

	assert.Equal(t, 1, hooked)
	assert.Equal(t, 0, doc.Subscribers())
	assert.ErrorIs(t, b.Flush(context.Background()), types.ErrBindingDisposed)
	assert.ErrorIs(t, b.AppendTranscript(types.TranscriptMessage{ID: "m", Role: types.RoleUser}), types.ErrBindingDisposed)

	doc.AppendCell(cell("a", "after dispose"))
	time.Sleep(3 * delay)
	assert.Equal(t, 0, e.remote.Saves())
}
