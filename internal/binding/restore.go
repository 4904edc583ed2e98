package binding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/notebooksync/internal/merge"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// Source names where a restore took its snapshot from.
type Source string

// Restore sources.
const (
	SourceRemote     Source = "remote"
	SourceLocalCache Source = "localCache"
	SourceEmpty      Source = "empty"
)

// RestoreResult reports the outcome of a binding's startup restore.
type RestoreResult struct {
	Source          Source
	AppliedRemote   bool
	RemoteReachable bool

	// Replayed and Requeued count this document's pending snapshots that
	// were delivered, or put back because the remote was unreachable.
	Replayed int
	Requeued int
}

type restoreState int

const (
	stateStart restoreState = iota
	stateFetchPending
	stateFetchCachedAndRemote
	stateReplayPending
	stateChooseSnapshot
	stateApplied
	stateEmpty
)

var restoreStateNames = [...]string{
	stateStart:                "start",
	stateFetchPending:         "fetch_pending",
	stateFetchCachedAndRemote: "fetch_cached_and_remote",
	stateReplayPending:        "replay_pending",
	stateChooseSnapshot:       "choose_snapshot",
	stateApplied:              "applied",
	stateEmpty:                "empty",
}

func (s restoreState) String() string { return restoreStateNames[s] }

// restore brings the model up to the freshest known state. It runs once, on
// its own goroutine, right after construction.
func (b *Binding) restore(ctx context.Context) (result RestoreResult, err error) {
	var (
		mine    []types.NotebookSnapshot
		handed  bool // mine has been passed to Replay or requeued
		cached  *types.NotebookSnapshot
		remote  *types.NotebookSnapshot
		chosen  *types.NotebookSnapshot
		tracked int64
	)

	// Drained entries go back to the queue on any failure before replay
	// takes them, including cancellation by Dispose.
	defer func() {
		if err == nil || handed || len(mine) == 0 {
			return
		}
		if rerr := requeue(context.WithoutCancel(ctx), b.cache, mine); rerr != nil {
			b.logger.Error("requeue after failed restore", "error", rerr)
			return
		}
		result.Requeued = len(mine)
	}()

	for state := stateStart; ; {
		b.logger.Debug("restore", "state", state)
		switch state {
		case stateStart:
			state = stateFetchPending

		case stateFetchPending:
			queue, err := b.cache.ConsumePendingSnapshots(ctx, b.id.UserID)
			if err != nil {
				return result, fmt.Errorf("draining pending snapshots: %w", err)
			}
			var others []types.NotebookSnapshot
			for _, p := range queue {
				if p.DocumentID == b.id.DocumentID {
					mine = append(mine, p)
				} else {
					others = append(others, p)
				}
			}
			// Other documents replay when their own binding restores.
			if err := requeue(ctx, b.cache, others); err != nil {
				return result, err
			}
			state = stateFetchCachedAndRemote

		case stateFetchCachedAndRemote:
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				cached, err = b.cache.GetNotebook(gctx, b.id.UserID, b.id.DocumentID)
				return err
			})
			g.Go(func() error {
				snap, err := b.remote.GetNotebook(gctx, b.id.UserID, b.id.DocumentID)
				if types.IsOffline(err) {
					return nil
				}
				if err != nil {
					return err
				}
				remote = snap
				result.RemoteReachable = true
				return nil
			})
			if err := g.Wait(); err != nil {
				return result, fmt.Errorf("reading notebook for restore: %w", err)
			}
			state = stateReplayPending

		case stateReplayPending:
			handed = true
			if !result.RemoteReachable {
				if err := requeue(ctx, b.cache, mine); err != nil {
					return result, err
				}
				result.Requeued = len(mine)
			} else if len(mine) > 0 {
				out, err := Replay(ctx, b.remote, b.cache, mine, b.clock, b.logger)
				result.Replayed, result.Requeued = out.Replayed, out.Requeued
				if err != nil {
					return result, err
				}
				if latest, ok := out.Latest[b.id.DocumentID]; ok {
					remote = &latest
				}
			}
			state = stateChooseSnapshot

		case stateChooseSnapshot:
			switch {
			case cached != nil && remote != nil:
				if cached.UpdatedAt > remote.UpdatedAt {
					chosen, result.Source = cached, SourceLocalCache
				} else {
					chosen, result.Source = remote, SourceRemote
				}
			case remote != nil:
				chosen, result.Source = remote, SourceRemote
			case cached != nil:
				chosen, result.Source = cached, SourceLocalCache
			default:
				result.Source = SourceEmpty
			}
			if remote != nil {
				tracked = remote.Version
			} else if cached != nil {
				tracked = cached.Version
			}
			if chosen == nil {
				state = stateEmpty
			} else {
				state = stateApplied
			}

		case stateApplied:
			result.AppliedRemote = result.Source == SourceRemote
			b.apply(*chosen, tracked)
			b.persistSession(ctx)
			b.logger.Info("notebook restored", "source", result.Source, "version", tracked,
				"remote_reachable", result.RemoteReachable, "replayed", result.Replayed, "requeued", result.Requeued)
			return result, nil

		case stateEmpty:
			b.mu.Lock()
			b.version = max(b.version, tracked)
			b.mu.Unlock()
			b.persistSession(ctx)
			return result, nil
		}
	}
}

// apply seeds the binding and the model from a restored snapshot. Records
// and cell edits made before restore completed are kept on top of the
// restored state; the binding stays dirty so the next write saves them.
func (b *Binding) apply(snap types.NotebookSnapshot, tracked int64) {
	b.mu.Lock()
	edited := b.changeSeq > 0
	b.mu.Unlock()
	if edited {
		cells, metadata := b.overlayLiveEdits(snap)
		b.resetCells(cells, metadata, snap.TransientOptions.Clone())
	} else {
		b.resetModel(snap)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.transcripts = merge.Transcripts(b.transcripts, snap.Transcripts)
	b.answers = merge.Answers(b.answers, snap.MCQAnswers)
	if b.lessonProgress == nil && snap.LessonProgress != nil {
		ref := *snap.LessonProgress
		b.lessonProgress = &ref
	}
	last := snap.Clone()
	b.lastKnown = &last
	b.version = max(b.version, tracked)
}

// overlayLiveEdits returns snap's cells with every cell the model changed
// since construction laid over them. An edited cell replaces its restored
// counterpart in place; a new one is appended in model order.
func (b *Binding) overlayLiveEdits(snap types.NotebookSnapshot) ([]types.Cell, json.RawMessage) {
	cells := modelCells(snap.Cells)
	index := make(map[string]int, len(cells))
	for i, c := range snap.Cells {
		index[c.ID] = i
	}
	for _, c := range b.model.Cells() {
		cs := cellSnapshot(c, b.id.DocumentID)
		if was, ok := b.initialCells[cs.ID]; ok && was.SameContent(cs) {
			continue
		}
		c.ID = cs.ID
		if i, ok := index[cs.ID]; ok {
			cells[i] = c
			continue
		}
		index[cs.ID] = len(cells)
		cells = append(cells, c)
	}

	metadata := snap.Metadata
	if live := b.model.Metadata(); !types.RawEqual(live, b.initialMeta) {
		metadata = live
	}
	return cells, metadata
}

// resetModel replaces the model's content with snap's.
func (b *Binding) resetModel(snap types.NotebookSnapshot) {
	b.resetCells(modelCells(snap.Cells), snap.Metadata, snap.TransientOptions.Clone())
}

// resetCells resets the model. Change events raised by the reset itself are
// ignored.
func (b *Binding) resetCells(cells []types.Cell, metadata json.RawMessage, opts types.TransientOptions) {
	b.mu.Lock()
	b.suppress++
	b.mu.Unlock()

	err := b.model.Reset(cells, metadata, opts)

	b.mu.Lock()
	b.suppress--
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("model reset failed", "error", err)
	}
}

// ReplayOutcome summarizes a Replay run.
type ReplayOutcome struct {
	Replayed int
	Requeued int

	// Latest holds, per document, the remote snapshot after replay.
	Latest map[string]types.NotebookSnapshot
}

// Replay re-submits queued snapshots in order, each with expected version
// pending.Version-1 as if its original save had never been interrupted. A
// conflict is merged against the remote and re-saved only when the merge
// changes content, so replaying an already delivered snapshot is a no-op.
// An offline failure puts that entry and every later entry for the same
// document back in the queue unchanged. Any other error puts back every
// entry not yet delivered and is returned.
func Replay(ctx context.Context, remote types.RemoteStore, cache types.CacheStore, queue []types.NotebookSnapshot, clock types.Clock, logger *slog.Logger) (ReplayOutcome, error) {
	if clock == nil {
		clock = types.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := ReplayOutcome{Latest: make(map[string]types.NotebookSnapshot)}
	stopped := make(map[string]bool)
	var back []types.NotebookSnapshot

	for i, p := range queue {
		if stopped[p.DocumentID] {
			back = append(back, p)
			continue
		}

		saved, err := replayOne(ctx, remote, p, clock)
		switch {
		case err == nil:
			out.Replayed++
			if saved != nil {
				out.Latest[p.DocumentID] = *saved
			}
		case types.IsOffline(err):
			logger.Info("replay stopped, remote offline", "document", p.DocumentID, "version", p.Version)
			stopped[p.DocumentID] = true
			back = append(back, p)
		default:
			back = append(back, queue[i:]...)
			out.Requeued = len(back)
			if rerr := requeue(context.WithoutCancel(ctx), cache, back); rerr != nil {
				logger.Error("requeue after failed replay", "error", rerr)
			}
			return out, fmt.Errorf("replaying %s v%d: %w", p.DocumentID, p.Version, err)
		}
	}

	out.Requeued = len(back)
	return out, requeue(context.WithoutCancel(ctx), cache, back)
}

// replayOne delivers one pending snapshot and returns the remote's snapshot
// afterwards.
func replayOne(ctx context.Context, remote types.RemoteStore, p types.NotebookSnapshot, clock types.Clock) (*types.NotebookSnapshot, error) {
	snap := p.Clone()
	snap.Pending = false
	expected := p.Version - 1

	saved, err := remote.SaveNotebook(ctx, snap, &expected)
	if err == nil {
		return &saved, nil
	}
	if !types.IsConflict(err) {
		return nil, err
	}

	current, err := remote.GetNotebook(ctx, p.UserID, p.DocumentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		saved, err := remote.SaveNotebook(ctx, snap, nil)
		if err != nil {
			return nil, err
		}
		return &saved, nil
	}

	merged := merge.Notebooks(snap, *current, clock.Millis())
	if merge.Equivalent(merged, *current) {
		return current, nil
	}
	saved, err = remote.SaveNotebook(ctx, merged, &current.Version)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func requeue(ctx context.Context, cache types.CacheStore, snaps []types.NotebookSnapshot) error {
	for _, s := range snaps {
		if err := cache.StorePendingSnapshot(ctx, s); err != nil {
			return fmt.Errorf("requeueing pending snapshot: %w", err)
		}
	}
	return nil
}
