// Package remotehttp exposes a RemoteStore over HTTP and provides the
// matching client, which is itself a RemoteStore.
//
// Routes:
//
//	GET    /healthz
//	GET    /v1/users/{userID}/notebooks/{documentID}
//	PUT    /v1/users/{userID}/notebooks/{documentID}   If-Match: <expected version>
//	DELETE /v1/users/{userID}/notebooks/{documentID}/pending
//	GET    /v1/users/{userID}/session
//	PUT    /v1/users/{userID}/session
//	GET    /v1/users/{userID}/lessons/{lessonID}
//	PUT    /v1/users/{userID}/lessons/{lessonID}
//
// A version mismatch answers 409 with a conflictBody. An unreachable backing
// store answers 503.
package remotehttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// HeaderVersion carries the stored version on notebook responses.
const HeaderVersion = "X-Notebook-Version"

// maxBody bounds request bodies.
const maxBody = 32 << 20

type conflictBody struct {
	Expected int64 `json:"expected"`
	Actual   int64 `json:"actual"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server serves a RemoteStore over HTTP.
type Server struct {
	store  types.RemoteStore
	logger *slog.Logger
	router *chi.Mux
}

// NewServer builds the router for store.
func NewServer(store types.RemoteStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Get("/notebooks/{documentID}", s.handleGetNotebook)
		r.Put("/notebooks/{documentID}", s.handlePutNotebook)
		r.Delete("/notebooks/{documentID}/pending", s.handleDeletePending)
		r.Get("/session", s.handleGetSession)
		r.Put("/session", s.handlePutSession)
		r.Get("/lessons/{lessonID}", s.handleGetLesson)
		r.Put("/lessons/{lessonID}", s.handlePutLesson)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGetNotebook(w http.ResponseWriter, r *http.Request) {
	userID, documentID := param(r, "userID"), param(r, "documentID")
	snap, err := s.store.GetNotebook(r.Context(), userID, documentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "notebook not found"})
		return
	}
	w.Header().Set(HeaderVersion, strconv.FormatInt(snap.Version, 10))
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePutNotebook(w http.ResponseWriter, r *http.Request) {
	var snap types.NotebookSnapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&snap); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	snap.UserID, snap.DocumentID = param(r, "userID"), param(r, "documentID")

	var expected *int64
	if h := r.Header.Get("If-Match"); h != "" && h != "*" {
		v, err := strconv.ParseInt(h, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "If-Match must be a version number"})
			return
		}
		expected = &v
	}

	saved, err := s.store.SaveNotebook(r.Context(), snap, expected)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set(HeaderVersion, strconv.FormatInt(saved.Version, 10))
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeletePending(w http.ResponseWriter, r *http.Request) {
	if cleaner, ok := s.store.(types.PendingCleaner); ok {
		if err := cleaner.DeletePendingSnapshot(r.Context(), param(r, "userID"), param(r, "documentID")); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), param(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var session types.SessionState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&session); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	session.UserID = param(r, "userID")
	if err := s.store.SaveSession(r.Context(), session); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	progress, err := s.store.GetLessonProgress(r.Context(), param(r, "userID"), param(r, "lessonID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if progress == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "lesson progress not found"})
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handlePutLesson(w http.ResponseWriter, r *http.Request) {
	var progress types.LessonProgress
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&progress); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	progress.UserID, progress.LessonID = param(r, "userID"), param(r, "lessonID")
	if err := s.store.SaveLessonProgress(r.Context(), progress); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a store error to a response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *types.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, conflictBody{Expected: conflict.Expected, Actual: conflict.Actual})
	case types.IsOffline(err):
		s.logger.Warn("backing store unreachable", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, types.ErrInvalidSnapshot), errors.Is(err, types.ErrInvalidSession):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.logger.Error("store request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// param returns the unescaped value of a route parameter.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
