package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

func snap(user, doc, content string) types.NotebookSnapshot {
	return types.NotebookSnapshot{
		UserID:     user,
		DocumentID: doc,
		URI:        "file:///" + doc,
		Cells: []types.CellSnapshot{
			{ID: doc + "#cell-0", Kind: types.CellKindCode, Language: "python", Content: content},
		},
		MCQAnswers: map[string]types.MCQAnswerSnapshot{},
		UpdatedAt:  1,
	}
}

func ptr(v int64) *int64 { return &v }

func TestRemote_SaveNotebookVersioning(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()

	got, err := r.GetNotebook(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)

	saved, err := r.SaveNotebook(ctx, snap("u1", "d1", "v1"), ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	saved, err = r.SaveNotebook(ctx, snap("u1", "d1", "v2"), ptr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = r.SaveNotebook(ctx, snap("u1", "d1", "stale"), ptr(1))
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
	var ce *types.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(1), ce.Expected)
	assert.Equal(t, int64(2), ce.Actual)

	saved, err = r.SaveNotebook(ctx, snap("u1", "d1", "forced"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.Version, "unconditional saves still advance the version")

	got, err = r.GetNotebook(ctx, "u1", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "forced", got.Cells[0].Content)
	assert.Equal(t, 3, r.Saves())
}

func TestRemote_ExpectedVersionOnAbsentDocument(t *testing.T) {
	r := NewRemote()
	_, err := r.SaveNotebook(context.Background(), snap("u1", "d1", "x"), ptr(4))
	assert.True(t, types.IsConflict(err))
}

func TestRemote_Offline(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	r.SetOffline(true)

	_, err := r.GetNotebook(ctx, "u1", "d1")
	assert.True(t, types.IsOffline(err))
	_, err = r.SaveNotebook(ctx, snap("u1", "d1", "x"), nil)
	assert.True(t, types.IsOffline(err))
	_, err = r.GetSession(ctx, "u1")
	assert.True(t, types.IsOffline(err))
	assert.True(t, types.IsOffline(r.DeletePendingSnapshot(ctx, "u1", "d1")))

	r.SetOffline(false)
	_, err = r.SaveNotebook(ctx, snap("u1", "d1", "x"), nil)
	assert.NoError(t, err)
}

func TestRemote_BeforeSaveHook(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	boom := errors.New("boom")
	r.BeforeSave(func(types.NotebookSnapshot) error { return boom })

	_, err := r.SaveNotebook(ctx, snap("u1", "d1", "x"), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Saves())
}

func TestRemote_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := NewRemote()
	s := snap("u1", "d1", "orig")
	_, err := r.SaveNotebook(ctx, s, nil)
	require.NoError(t, err)

	s.Cells[0].Content = "mutated"
	got, err := r.GetNotebook(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "orig", got.Cells[0].Content)
}

func TestCache_PendingQueue(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	require.NoError(t, c.StorePendingSnapshot(ctx, snap("u1", "d1", "first")))
	require.NoError(t, c.StorePendingSnapshot(ctx, snap("u1", "d2", "other")))
	require.NoError(t, c.StorePendingSnapshot(ctx, snap("u1", "d1", "second")))
	require.NoError(t, c.StorePendingSnapshot(ctx, snap("u2", "d1", "other user")))

	peek, err := c.PendingSnapshots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, peek, 3)
	assert.True(t, peek[0].Pending)

	require.NoError(t, c.DeletePendingSnapshots(ctx, "u1", "d2"))

	drained, err := c.ConsumePendingSnapshots(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].Cells[0].Content)
	assert.Equal(t, "second", drained[1].Cells[0].Content)

	again, err := c.ConsumePendingSnapshots(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again)

	other, err := c.PendingSnapshots(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestCache_NotebooksAndSessions(t *testing.T) {
	ctx := context.Background()
	c := NewCache()

	require.NoError(t, c.SaveNotebook(ctx, snap("u1", "b", "x")))
	require.NoError(t, c.SaveNotebook(ctx, snap("u1", "a", "y")))
	require.NoError(t, c.SaveNotebook(ctx, snap("u2", "c", "z")))

	list, err := c.ListNotebooks(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].DocumentID)

	got, err := c.GetNotebook(ctx, "u1", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = c.SaveSession(ctx, types.SessionState{UserID: "u1"})
	assert.ErrorIs(t, err, types.ErrInvalidSession)

	require.NoError(t, c.SaveSession(ctx, types.SessionState{UserID: "u1", DocumentID: "a", LastOpened: 5}))
	s, err := c.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "a", s.DocumentID)

	require.NoError(t, c.SaveLessonProgress(ctx, types.LessonProgress{UserID: "u1", LessonID: "l1", CompletedSteps: []string{"s1"}}))
	p, err := c.GetLessonProgress(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, p.CompletedSteps)
}

func TestCache_RejectsInvalidSnapshot(t *testing.T) {
	err := NewCache().SaveNotebook(context.Background(), types.NotebookSnapshot{UserID: "u1"})
	assert.ErrorIs(t, err, types.ErrInvalidSnapshot)
}
