package remotehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

var (
	_ types.RemoteStore    = (*Client)(nil)
	_ types.PendingCleaner = (*Client)(nil)
)

// DefaultClientTimeout bounds each request when no http.Client is supplied.
const DefaultClientTimeout = 15 * time.Second

// Client is a RemoteStore that talks to a Server. Transport failures and
// 502, 503 and 504 responses surface as *types.OfflineError.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// gets one with DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) notebookPath(userID, documentID string) string {
	return "/v1/users/" + url.PathEscape(userID) + "/notebooks/" + url.PathEscape(documentID)
}

// GetNotebook fetches the stored snapshot; a 404 is reported as nil.
func (c *Client) GetNotebook(ctx context.Context, userID, documentID string) (*types.NotebookSnapshot, error) {
	var snap types.NotebookSnapshot
	found, err := c.do(ctx, "get notebook", http.MethodGet, c.notebookPath(userID, documentID), nil, nil, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// SaveNotebook sends snap with the expected version in If-Match.
func (c *Client) SaveNotebook(ctx context.Context, snap types.NotebookSnapshot, expectedVersion *int64) (types.NotebookSnapshot, error) {
	if err := snap.Validate(); err != nil {
		return types.NotebookSnapshot{}, err
	}
	header := http.Header{}
	if expectedVersion != nil {
		header.Set("If-Match", strconv.FormatInt(*expectedVersion, 10))
	}

	var saved types.NotebookSnapshot
	_, err := c.do(ctx, "save notebook", http.MethodPut, c.notebookPath(snap.UserID, snap.DocumentID), header, snap, &saved)
	if err != nil {
		var conflict *types.ConflictError
		if errors.As(err, &conflict) {
			conflict.UserID, conflict.DocumentID = snap.UserID, snap.DocumentID
		}
		return types.NotebookSnapshot{}, err
	}
	return saved, nil
}

// DeletePendingSnapshot asks the server to drop its pending mirror.
func (c *Client) DeletePendingSnapshot(ctx context.Context, userID, documentID string) error {
	_, err := c.do(ctx, "delete pending", http.MethodDelete, c.notebookPath(userID, documentID)+"/pending", nil, nil, nil)
	return err
}

// GetSession fetches the user's session record; a 404 is reported as nil.
func (c *Client) GetSession(ctx context.Context, userID string) (*types.SessionState, error) {
	var session types.SessionState
	found, err := c.do(ctx, "get session", http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/session", nil, nil, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

// SaveSession overwrites the user's session record.
func (c *Client) SaveSession(ctx context.Context, session types.SessionState) error {
	if err := session.Validate(); err != nil {
		return err
	}
	_, err := c.do(ctx, "save session", http.MethodPut, "/v1/users/"+url.PathEscape(session.UserID)+"/session", nil, session, nil)
	return err
}

// GetLessonProgress fetches a progress record; a 404 is reported as nil.
func (c *Client) GetLessonProgress(ctx context.Context, userID, lessonID string) (*types.LessonProgress, error) {
	var progress types.LessonProgress
	path := "/v1/users/" + url.PathEscape(userID) + "/lessons/" + url.PathEscape(lessonID)
	found, err := c.do(ctx, "get lesson progress", http.MethodGet, path, nil, nil, &progress)
	if err != nil || !found {
		return nil, err
	}
	return &progress, nil
}

// SaveLessonProgress overwrites a progress record.
func (c *Client) SaveLessonProgress(ctx context.Context, progress types.LessonProgress) error {
	if err := progress.Validate(); err != nil {
		return err
	}
	path := "/v1/users/" + url.PathEscape(progress.UserID) + "/lessons/" + url.PathEscape(progress.LessonID)
	_, err := c.do(ctx, "save lesson progress", http.MethodPut, path, nil, progress, nil)
	return err
}

// do runs one request. It reports false with a nil error on 404 so getters
// can return their "absent" value.
func (c *Client) do(ctx context.Context, op, method, path string, header http.Header, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return false, &types.OfflineError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return false, nil
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.NewDecoder(resp.Body).Decode(&cb); err != nil {
			return false, fmt.Errorf("%s: decode conflict: %w", op, err)
		}
		return false, &types.ConflictError{Expected: cb.Expected, Actual: cb.Actual}
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return false, &types.OfflineError{Op: op, Cause: fmt.Errorf("server answered %s", resp.Status)}
	case resp.StatusCode == http.StatusBadRequest:
		return false, fmt.Errorf("%w: %s", types.ErrInvalidSnapshot, readError(resp.Body))
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("%s: server answered %s: %s", op, resp.Status, readError(resp.Body))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return true, nil
}

func readError(r io.Reader) string {
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&eb); err != nil || eb.Error == "" {
		return "no detail"
	}
	return eb.Error
}
