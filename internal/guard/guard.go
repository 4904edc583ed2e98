// Package guard wraps a remote store with a per-call timeout and a circuit
// breaker. Timeouts, transport failures and an open breaker all surface as
// errors matching types.ErrOffline, which the persistence binding absorbs by
// queueing work for later replay.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// ErrCircuitOpen is the cause attached to offline errors returned while the
// breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

var (
	_ types.RemoteStore    = (*Remote)(nil)
	_ types.PendingCleaner = (*Remote)(nil)
)

// Options configures a guarded remote.
type Options struct {
	// Timeout bounds each call. Zero leaves calls unbounded.
	Timeout time.Duration

	// Threshold is the number of consecutive offline failures that opens the
	// breaker. Zero disables the breaker.
	Threshold int

	// ResetTimeout is how long the breaker stays open before probing.
	// Defaults to 30s.
	ResetTimeout time.Duration

	Clock  types.Clock
	Logger *slog.Logger
}

// Remote is a types.RemoteStore decorator.
type Remote struct {
	next    types.RemoteStore
	timeout time.Duration
	breaker *Breaker
	logger  *slog.Logger
}

// New wraps next.
func New(next types.RemoteStore, opts Options) *Remote {
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Remote{
		next:    next,
		timeout: opts.Timeout,
		breaker: NewBreaker(opts.Threshold, opts.ResetTimeout, opts.Clock),
		logger:  opts.Logger,
	}
}

// Breaker exposes the breaker for status reporting.
func (r *Remote) Breaker() *Breaker { return r.breaker }

// call runs fn under the timeout and breaker and normalizes its error.
func (r *Remote) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !r.breaker.Allow() {
		return &types.OfflineError{Op: op, Cause: ErrCircuitOpen}
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	switch {
	case err == nil, types.IsConflict(err):
		r.breaker.RecordSuccess()
		return err
	case types.IsOffline(err):
		r.recordFailure(op, err)
		return err
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Our own timeout fired, not the caller's deadline.
		r.recordFailure(op, err)
		return &types.OfflineError{Op: op, Cause: err}
	default:
		r.breaker.RecordSuccess()
		return err
	}
}

func (r *Remote) recordFailure(op string, err error) {
	before := r.breaker.State()
	r.breaker.RecordFailure()
	if after := r.breaker.State(); after != before && after == BreakerOpen {
		r.logger.Warn("remote circuit opened", "op", op, "error", err)
	}
}

// GetNotebook implements types.RemoteStore.
func (r *Remote) GetNotebook(ctx context.Context, userID, documentID string) (snap *types.NotebookSnapshot, err error) {
	err = r.call(ctx, "get notebook", func(ctx context.Context) error {
		snap, err = r.next.GetNotebook(ctx, userID, documentID)
		return err
	})
	return snap, err
}

// SaveNotebook implements types.RemoteStore.
func (r *Remote) SaveNotebook(ctx context.Context, snap types.NotebookSnapshot, expectedVersion *int64) (saved types.NotebookSnapshot, err error) {
	err = r.call(ctx, "save notebook", func(ctx context.Context) error {
		saved, err = r.next.SaveNotebook(ctx, snap, expectedVersion)
		return err
	})
	return saved, err
}

// GetSession implements types.RemoteStore.
func (r *Remote) GetSession(ctx context.Context, userID string) (s *types.SessionState, err error) {
	err = r.call(ctx, "get session", func(ctx context.Context) error {
		s, err = r.next.GetSession(ctx, userID)
		return err
	})
	return s, err
}

// SaveSession implements types.RemoteStore.
func (r *Remote) SaveSession(ctx context.Context, s types.SessionState) error {
	return r.call(ctx, "save session", func(ctx context.Context) error {
		return r.next.SaveSession(ctx, s)
	})
}

// GetLessonProgress implements types.RemoteStore.
func (r *Remote) GetLessonProgress(ctx context.Context, userID, lessonID string) (p *types.LessonProgress, err error) {
	err = r.call(ctx, "get lesson progress", func(ctx context.Context) error {
		p, err = r.next.GetLessonProgress(ctx, userID, lessonID)
		return err
	})
	return p, err
}

// SaveLessonProgress implements types.RemoteStore.
func (r *Remote) SaveLessonProgress(ctx context.Context, p types.LessonProgress) error {
	return r.call(ctx, "save lesson progress", func(ctx context.Context) error {
		return r.next.SaveLessonProgress(ctx, p)
	})
}

// DeletePendingSnapshot forwards to the wrapped store when it implements
// types.PendingCleaner and is a no-op otherwise.
func (r *Remote) DeletePendingSnapshot(ctx context.Context, userID, documentID string) error {
	cleaner, ok := r.next.(types.PendingCleaner)
	if !ok {
		return nil
	}
	return r.call(ctx, "delete pending snapshot", func(ctx context.Context) error {
		return cleaner.DeletePendingSnapshot(ctx, userID, documentID)
	})
}
