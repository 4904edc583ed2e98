// Package service keeps one persistence binding per open notebook document
// and routes transcript, answer and lesson updates to the right one.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/notebooksync/internal/binding"
	"github.com/mesh-intelligence/notebooksync/internal/merge"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// Options configures a Service. The same stores and timing apply to every
// binding it creates.
type Options struct {
	Remote types.RemoteStore
	Cache  types.CacheStore
	Clock  types.Clock
	Delay  time.Duration
	Logger *slog.Logger
}

// Service is the registry of live bindings, keyed by document URI.
type Service struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	bindings   map[string]*binding.Binding
	activeUser string
	closed     bool
}

// New creates an empty registry.
func New(opts Options) (*Service, error) {
	if opts.Remote == nil || opts.Cache == nil {
		return nil, types.ErrMissingStore
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		opts:     opts,
		logger:   opts.Logger,
		bindings: make(map[string]*binding.Binding),
	}, nil
}

// DocumentIDFor derives a stable document id from a URI.
func DocumentIDFor(uri string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String()
}

// SetActiveUser sets the user that Register falls back to.
func (s *Service) SetActiveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUser = userID
}

// ActiveUser returns the fallback user id, or "" when none is set.
func (s *Service) ActiveUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeUser
}

// Register binds model unless a binding already exists for its URI, in which
// case the existing binding is returned. Missing context fields are filled
// in: the active user, a fresh session id, and a document id derived from
// the URI.
func (s *Service) Register(model types.DocumentModel, id binding.Context) (*binding.Binding, error) {
	if model == nil {
		return nil, types.ErrMissingDocument
	}
	if id.URI == "" {
		id.URI = model.URI()
	}
	if id.URI == "" {
		return nil, types.ErrMissingURI
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.ErrServiceClosed
	}
	if b, ok := s.bindings[id.URI]; ok {
		return b, nil
	}

	if id.UserID == "" {
		id.UserID = s.activeUser
	}
	if id.UserID == "" {
		return nil, types.ErrMissingUser
	}
	if id.SessionID == "" {
		id.SessionID = newSessionID()
	}
	if id.DocumentID == "" {
		id.DocumentID = DocumentIDFor(id.URI)
	}

	b, err := binding.New(model, id, binding.Options{
		Remote: s.opts.Remote,
		Cache:  s.opts.Cache,
		Clock:  s.opts.Clock,
		Delay:  s.opts.Delay,
		Logger: s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", id.URI, err)
	}
	s.bindings[id.URI] = b

	uri := id.URI
	b.OnDispose(func() { s.forget(uri, b) })

	s.logger.Info("document registered", "uri", uri, "user", id.UserID, "document", id.DocumentID, "session", id.SessionID)
	return b, nil
}

// forget drops the registry entry for uri if it still points at b.
func (s *Service) forget(uri string, b *binding.Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings[uri] == b {
		delete(s.bindings, uri)
	}
}

// Lookup returns the binding registered for uri.
func (s *Service) Lookup(uri string) (*binding.Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[uri]
	return b, ok
}

// URIs returns the registered document URIs in sorted order.
func (s *Service) URIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bindings))
	for uri := range s.bindings {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

func (s *Service) lookup(uri string) (*binding.Binding, error) {
	b, ok := s.Lookup(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotRegistered, uri)
	}
	return b, nil
}

// AppendTranscriptMessage adds msg to the transcript of the document at uri.
func (s *Service) AppendTranscriptMessage(uri string, msg types.TranscriptMessage) error {
	b, err := s.lookup(uri)
	if err != nil {
		return err
	}
	return b.AppendTranscript(msg)
}

// RecordMCQAnswer records an answer for the document at uri. It reports
// false when a newer answer for the same question is already held.
func (s *Service) RecordMCQAnswer(uri string, answer types.MCQAnswerSnapshot) (bool, error) {
	b, err := s.lookup(uri)
	if err != nil {
		return false, err
	}
	return b.UpdateMCQAnswer(answer)
}

// RecordLessonProgress stores a lesson progress record and points the
// document at uri to it. The remote write is skipped while offline.
func (s *Service) RecordLessonProgress(ctx context.Context, uri string, progress types.LessonProgress) error {
	b, err := s.lookup(uri)
	if err != nil {
		return err
	}
	if err := progress.Validate(); err != nil {
		return err
	}
	if progress.UpdatedAt == 0 {
		progress.UpdatedAt = s.opts.Clock.Millis()
	}
	if err := s.opts.Cache.SaveLessonProgress(ctx, progress); err != nil {
		return fmt.Errorf("caching lesson progress: %w", err)
	}
	if err := s.opts.Remote.SaveLessonProgress(ctx, progress); err != nil {
		if !types.IsOffline(err) {
			return fmt.Errorf("saving lesson progress: %w", err)
		}
		s.logger.Info("remote offline, lesson progress cached only", "lesson", progress.LessonID)
	}
	return b.SetLessonProgress(types.LessonProgressRef{LessonID: progress.LessonID, UpdatedAt: progress.UpdatedAt})
}

// Flush saves the document at uri now.
func (s *Service) Flush(ctx context.Context, uri string) error {
	b, err := s.lookup(uri)
	if err != nil {
		return err
	}
	return b.Flush(ctx)
}

// FlushAll flushes every registered binding concurrently and returns the
// first failure.
func (s *Service) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*binding.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		all = append(all, b)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range all {
		g.Go(func() error {
			if err := b.Flush(ctx); err != nil {
				return fmt.Errorf("flushing %s: %w", b.Context().URI, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RestoreLastSession returns the most recently opened session for userID,
// comparing the cached and remote records. An unreachable remote falls back
// to the cache. A nil result means no session is known.
func (s *Service) RestoreLastSession(ctx context.Context, userID string) (*types.SessionState, error) {
	if userID == "" {
		userID = s.ActiveUser()
	}
	if userID == "" {
		return nil, types.ErrMissingUser
	}

	var cached, remote *types.SessionState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cached, err = s.opts.Cache.GetSession(gctx, userID)
		return err
	})
	g.Go(func() error {
		session, err := s.opts.Remote.GetSession(gctx, userID)
		if types.IsOffline(err) {
			s.logger.Info("remote offline, using cached session", "user", userID)
			return nil
		}
		remote = session
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return merge.FresherSession(cached, remote), nil
}

// Unregister disposes the binding for uri without flushing it.
func (s *Service) Unregister(uri string) error {
	b, err := s.lookup(uri)
	if err != nil {
		return err
	}
	b.Dispose()
	return nil
}

// Close disposes every binding. Later registrations fail with
// types.ErrServiceClosed. Close does not flush; call FlushAll first.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	all := make([]*binding.Binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		all = append(all, b)
	}
	s.mu.Unlock()

	for _, b := range all {
		b.Dispose()
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
