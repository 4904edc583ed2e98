// Package binding keeps one open notebook document in sync with a local
// cache and a versioned remote store.
//
// A Binding observes the document model, debounces persisted-state changes
// into writes run by a single worker goroutine, resolves version conflicts by
// merging with the remote copy, and queues snapshots in the cache while the
// remote is unreachable. On construction it restores the freshest known state
// and replays any queued snapshots for the document.
package binding

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// Context identifies the document a binding persists.
type Context struct {
	UserID     string
	DocumentID string
	SessionID  string
	URI        string
	ViewType   string
}

// Options configures a Binding. Remote and Cache are required.
type Options struct {
	Remote types.RemoteStore
	Cache  types.CacheStore
	Clock  types.Clock

	// Delay is the debounce window. Zero uses types.DefaultDebounce.
	Delay time.Duration

	Logger *slog.Logger
}

// errorBuffer is the capacity of the Errors channel. Errors beyond it are
// logged and dropped.
const errorBuffer = 16

// Binding persists one document model. It is safe for concurrent use.
type Binding struct {
	model  types.DocumentModel
	id     Context
	remote types.RemoteStore
	cache  types.CacheStore
	clock  types.Clock
	logger *slog.Logger

	mu             sync.Mutex
	changeSeq      uint64 // bumped by every persisted-state change
	savedSeq       uint64 // changeSeq covered by the last confirmed save
	version        int64  // tracked remote version
	lastKnown      *types.NotebookSnapshot
	initialCells   map[string]types.CellSnapshot // model cells at construction
	initialMeta    json.RawMessage
	transcripts    []types.TranscriptMessage
	answers        map[string]types.MCQAnswerSnapshot
	lessonProgress *types.LessonProgressRef
	persisted      map[int]func(types.NotebookSnapshot)
	nextListener   int
	suppress       int // >0 while the binding resets the model itself
	disposed       bool
	disposeHooks   []func()

	unsubscribe   func()
	cancelRestore context.CancelFunc
	restoreDone   chan struct{}
	result        RestoreResult
	restoreErr    error

	delayer     *delayer
	errs        chan error
	disposeOnce sync.Once
}

// New binds model to the stores in opts. It subscribes to the model before
// returning and starts restoring in the background; use Restored to wait for
// the outcome.
func New(model types.DocumentModel, id Context, opts Options) (*Binding, error) {
	if model == nil {
		return nil, types.ErrMissingDocument
	}
	if opts.Remote == nil || opts.Cache == nil {
		return nil, types.ErrMissingStore
	}
	if id.UserID == "" {
		return nil, types.ErrMissingUser
	}
	if id.URI == "" {
		id.URI = model.URI()
	}
	if id.ViewType == "" {
		id.ViewType = model.ViewType()
	}
	if id.DocumentID == "" {
		id.DocumentID = id.URI
	}
	if id.DocumentID == "" {
		return nil, types.ErrMissingURI
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock
	}
	if opts.Delay <= 0 {
		opts.Delay = types.DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Binding{
		model:       model,
		id:          id,
		remote:      opts.Remote,
		cache:       opts.Cache,
		clock:       opts.Clock,
		logger:      opts.Logger.With("user", id.UserID, "document", id.DocumentID),
		answers:     make(map[string]types.MCQAnswerSnapshot),
		persisted:   make(map[int]func(types.NotebookSnapshot)),
		restoreDone: make(chan struct{}),
		errs:        make(chan error, errorBuffer),
	}
	b.initialCells = make(map[string]types.CellSnapshot)
	for _, c := range model.Cells() {
		cs := cellSnapshot(c, id.DocumentID)
		b.initialCells[cs.ID] = cs
	}
	b.initialMeta = model.Metadata()
	b.delayer = newDelayer(opts.Delay, b.restoreDone, b.write, b.onError)
	b.unsubscribe = model.OnDidChange(b.onChange)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancelRestore = cancel
	go func() {
		defer close(b.restoreDone)
		result, err := b.restore(ctx)
		if err != nil {
			b.logger.Error("restore failed", "error", err)
		}
		b.mu.Lock()
		b.result, b.restoreErr = result, err
		b.mu.Unlock()
	}()
	return b, nil
}

// Context returns the identity the binding persists under.
func (b *Binding) Context() Context { return b.id }

// Restored blocks until the startup restore finishes and returns its outcome.
func (b *Binding) Restored(ctx context.Context) (RestoreResult, error) {
	select {
	case <-b.restoreDone:
	case <-ctx.Done():
		return RestoreResult{}, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.restoreErr
}

// UpdateMCQAnswer records an answer unless the stored answer for the same
// question is newer. It reports whether the answer was applied.
func (b *Binding) UpdateMCQAnswer(answer types.MCQAnswerSnapshot) (bool, error) {
	if err := answer.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrInvalidAnswer, err)
	}
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return false, types.ErrBindingDisposed
	}
	if existing, ok := b.answers[answer.QuestionID]; ok && existing.UpdatedAt > answer.UpdatedAt {
		b.mu.Unlock()
		return false, nil
	}
	b.answers[answer.QuestionID] = answer.Clone()
	b.changeSeq++
	b.mu.Unlock()

	b.delayer.trigger()
	return true, nil
}

// AppendTranscript adds msg to the transcript, replacing any message with the
// same id, and keeps the transcript ordered by timestamp.
func (b *Binding) AppendTranscript(msg types.TranscriptMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidMessage, err)
	}
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return types.ErrBindingDisposed
	}
	b.transcripts = slices.DeleteFunc(b.transcripts, func(m types.TranscriptMessage) bool {
		return m.ID == msg.ID
	})
	b.transcripts = append(b.transcripts, msg)
	slices.SortStableFunc(b.transcripts, func(x, y types.TranscriptMessage) int {
		return cmp.Compare(x.Timestamp, y.Timestamp)
	})
	b.changeSeq++
	b.mu.Unlock()

	b.delayer.trigger()
	return nil
}

// SetLessonProgress points the document at a lesson progress record.
func (b *Binding) SetLessonProgress(ref types.LessonProgressRef) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return types.ErrBindingDisposed
	}
	if b.lessonProgress != nil && b.lessonProgress.UpdatedAt > ref.UpdatedAt {
		b.mu.Unlock()
		return nil
	}
	b.lessonProgress = &ref
	b.changeSeq++
	b.mu.Unlock()

	b.delayer.trigger()
	return nil
}

// Flush cancels the debounce timer and runs one save now. It returns once the
// save, including any conflict retry, has finished. Nothing is sent when no
// change happened since the last confirmed save.
func (b *Binding) Flush(ctx context.Context) error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return types.ErrBindingDisposed
	}
	return b.delayer.flush(ctx)
}

// Dispose detaches the binding from the model and stops its worker after any
// in-flight write. It does not flush. Calling it more than once is a no-op.
func (b *Binding) Dispose() {
	b.disposeOnce.Do(func() {
		b.mu.Lock()
		b.disposed = true
		hooks := b.disposeHooks
		b.disposeHooks = nil
		b.mu.Unlock()

		b.unsubscribe()
		b.cancelRestore()
		b.delayer.close()
		<-b.restoreDone

		for _, fn := range hooks {
			fn()
		}
		b.logger.Debug("binding disposed")
	})
}

// OnDispose registers fn to run once when the binding is disposed.
func (b *Binding) OnDispose(fn func()) {
	b.mu.Lock()
	if !b.disposed {
		b.disposeHooks = append(b.disposeHooks, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// OnPersisted registers fn to be called with every snapshot the remote
// confirms. The returned function removes the registration.
func (b *Binding) OnPersisted(fn func(types.NotebookSnapshot)) (cancel func()) {
	b.mu.Lock()
	key := b.nextListener
	b.nextListener++
	b.persisted[key] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.persisted, key)
			b.mu.Unlock()
		})
	}
}

// Errors delivers failures of debounced writes that are neither offline nor
// conflict conditions.
func (b *Binding) Errors() <-chan error { return b.errs }

// Version returns the tracked remote version.
func (b *Binding) Version() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Snapshot returns a copy of the last captured or confirmed snapshot, or nil
// before the first one.
func (b *Binding) Snapshot() *types.NotebookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastKnown == nil {
		return nil
	}
	s := b.lastKnown.Clone()
	return &s
}

// Dirty reports whether changes exist that the remote has not confirmed.
func (b *Binding) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changeSeq != b.savedSeq
}

func (b *Binding) onChange(ev types.ChangeEvent) {
	if !ev.Persisted() {
		return
	}
	b.mu.Lock()
	if b.disposed || (b.suppress > 0 && ev.Kind == types.ChangeModelReset) {
		b.mu.Unlock()
		return
	}
	b.changeSeq++
	b.mu.Unlock()

	b.delayer.trigger()
}

func (b *Binding) onError(err error) {
	b.logger.Error("debounced write failed", "error", err)
	select {
	case b.errs <- err:
	default:
	}
}
