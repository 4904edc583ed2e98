package remotehttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/notebooksync/internal/memory"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

func setup(t *testing.T) (*memory.Remote, *Client) {
	t.Helper()
	backing := memory.NewRemote()
	srv := httptest.NewServer(NewServer(backing, nil))
	t.Cleanup(srv.Close)
	return backing, NewClient(srv.URL+"/", srv.Client())
}

func notebook(doc string) types.NotebookSnapshot {
	return types.NotebookSnapshot{
		UserID:     "u1",
		DocumentID: doc,
		Cells:      []types.CellSnapshot{{ID: "a", Kind: types.CellKindCode, Content: "print(1)", LastModified: 7}},
		MCQAnswers: map[string]types.MCQAnswerSnapshot{"q": {QuestionID: "q", SelectedOptionIDs: []string{"x"}, UpdatedAt: 3}},
		Version:    1,
		UpdatedAt:  7,
	}
}

func ptr(v int64) *int64 { return &v }

func TestClient_NotebookRoundTrip(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()
	doc := "file:///course/lesson 1.ipynb#main"

	got, err := client.GetNotebook(ctx, "u1", doc)
	require.NoError(t, err)
	assert.Nil(t, got)

	saved, err := client.SaveNotebook(ctx, notebook(doc), ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err = client.GetNotebook(ctx, "u1", doc)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc, got.DocumentID)
	assert.Equal(t, "print(1)", got.Cells[0].Content)
	assert.Equal(t, []string{"x"}, got.MCQAnswers["q"].SelectedOptionIDs)
}

func TestClient_Conflict(t *testing.T) {
	_, client := setup(t)
	ctx := context.Background()

	_, err := client.SaveNotebook(ctx, notebook("d1"), ptr(0))
	require.NoError(t, err)

	_, err = client.SaveNotebook(ctx, notebook("d1"), ptr(0))
	require.True(t, types.IsConflict(err))
	var conflict *types.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(1), conflict.Actual)
	assert.Equal(t, "d1", conflict.DocumentID)

	saved, err := client.SaveNotebook(ctx, notebook("d1"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)
}

func TestClient_BackingStoreOfflineIsOffline(t *testing.T) {
	backing, client := setup(t)
	backing.SetOffline(true)

	_, err := client.GetNotebook(context.Background(), "u1", "d1")
	assert.True(t, types.IsOffline(err))
	_, err = client.SaveNotebook(context.Background(), notebook("d1"), nil)
	assert.True(t, types.IsOffline(err))
}

func TestClient_UnreachableServerIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, nil)
	_, err := client.GetSession(context.Background(), "u1")
	assert.True(t, types.IsOffline(err))
}

func TestClient_CancelledContextIsNotOffline(t *testing.T) {
	_, client := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetNotebook(ctx, "u1", "d1")
	require.Error(t, err)
	assert.False(t, types.IsOffline(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_SessionsLessonsAndPending(t *testing.T) {
	backing, client := setup(t)
	ctx := context.Background()

	none, err := client.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, client.SaveSession(ctx, types.SessionState{UserID: "u1", DocumentID: "d1", SessionID: "s", LastOpened: 9}))
	session, err := client.GetSession(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "d1", session.DocumentID)
	assert.Equal(t, int64(9), session.LastOpened)

	require.NoError(t, client.SaveLessonProgress(ctx, types.LessonProgress{UserID: "u1", LessonID: "l/1", CompletedSteps: []string{"s1"}}))
	progress, err := client.GetLessonProgress(ctx, "u1", "l/1")
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, []string{"s1"}, progress.CompletedSteps)

	require.NoError(t, client.DeletePendingSnapshot(ctx, "u1", "d1"))
	assert.Equal(t, 1, backing.PendingClears())
}

func TestServer_RejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer(memory.NewRemote(), nil))
	defer srv.Close()

	tests := []struct {
		name    string
		body    string
		ifMatch string
		want    int
	}{
		{"malformed body", "{", "", http.StatusBadRequest},
		{"bad if-match", `{"cells":[]}`, "v1", http.StatusBadRequest},
		{"invalid cell", `{"cells":[{"id":"","kind":"code"}]}`, "", http.StatusBadRequest},
		{"wildcard if-match", `{"cells":[]}`, "*", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/users/u1/notebooks/d1", strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.ifMatch != "" {
				req.Header.Set("If-Match", tt.ifMatch)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
