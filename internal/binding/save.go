package binding

import (
	"context"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/notebooksync/internal/merge"
	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// maxMergeAttempts bounds fetch-merge-resubmit rounds when other writers
// keep winning the race.
const maxMergeAttempts = 3

// write runs one save if anything changed since the last confirmed save.
// It is only ever called from the delayer's worker.
func (b *Binding) write(ctx context.Context) error {
	b.mu.Lock()
	dirty := b.changeSeq != b.savedSeq
	b.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := b.save(ctx); err != nil {
		return err
	}
	b.persistSession(ctx)
	return nil
}

// save captures the model and delivers it: cache first, then the remote
// with the tracked version as the expected version.
func (b *Binding) save(ctx context.Context) error {
	snap, seq := b.capture()
	b.cacheNotebook(ctx, snap)

	expected := snap.Version - 1
	saved, err := b.remote.SaveNotebook(ctx, snap, &expected)
	switch {
	case err == nil:
		b.confirm(ctx, saved, seq)
		return nil
	case types.IsConflict(err):
		b.logger.Info("save conflict, merging with remote", "expected", expected, "error", err)
		return b.resolveConflict(ctx, snap, seq)
	case types.IsOffline(err):
		return b.queuePending(ctx, snap)
	default:
		return fmt.Errorf("saving notebook %s: %w", b.id.DocumentID, err)
	}
}

// resolveConflict fetches the remote snapshot, merges the local capture into
// it and resubmits against the remote's version.
func (b *Binding) resolveConflict(ctx context.Context, local types.NotebookSnapshot, seq uint64) error {
	candidate := local
	for attempt := 1; ; attempt++ {
		remote, err := b.remote.GetNotebook(ctx, b.id.UserID, b.id.DocumentID)
		if types.IsOffline(err) {
			return b.queuePending(ctx, candidate)
		}
		if err != nil {
			return fmt.Errorf("fetching remote notebook for merge: %w", err)
		}

		if remote == nil {
			// The remote copy vanished; the local capture stands on its own.
			saved, err := b.remote.SaveNotebook(ctx, local, nil)
			switch {
			case err == nil:
				b.confirm(ctx, saved, seq)
				return nil
			case types.IsOffline(err):
				return b.queuePending(ctx, local)
			default:
				return fmt.Errorf("resubmitting notebook %s: %w", b.id.DocumentID, err)
			}
		}

		merged := merge.Notebooks(candidate, *remote, b.clock.Millis())
		b.cacheNotebook(ctx, merged)

		expected := remote.Version
		saved, err := b.remote.SaveNotebook(ctx, merged, &expected)
		switch {
		case err == nil:
			b.adoptMerged(saved, local, seq)
			b.confirm(ctx, saved, seq)
			return nil
		case types.IsOffline(err):
			return b.queuePending(ctx, merged)
		case types.IsConflict(err) && attempt < maxMergeAttempts:
			candidate = merged
			continue
		default:
			return fmt.Errorf("resubmitting merged notebook %s: %w", b.id.DocumentID, err)
		}
	}
}

// confirm records a save the remote accepted.
func (b *Binding) confirm(ctx context.Context, saved types.NotebookSnapshot, seq uint64) {
	b.mu.Lock()
	b.version = max(b.version, saved.Version)
	last := saved.Clone()
	b.lastKnown = &last
	if seq > b.savedSeq {
		b.savedSeq = seq
	}
	listeners := make([]func(types.NotebookSnapshot), 0, len(b.persisted))
	for _, fn := range b.persisted {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()

	b.cacheNotebook(ctx, saved)
	if err := b.cache.DeletePendingSnapshots(ctx, b.id.UserID, b.id.DocumentID); err != nil {
		b.logger.Warn("dropping pending snapshots failed", "error", err)
	}
	if cleaner, ok := b.remote.(types.PendingCleaner); ok {
		if err := cleaner.DeletePendingSnapshot(ctx, b.id.UserID, b.id.DocumentID); err != nil && !types.IsOffline(err) {
			b.logger.Warn("remote pending cleanup failed", "error", err)
		}
	}
	b.logger.Debug("notebook persisted", "version", saved.Version)

	for _, fn := range listeners {
		fn(saved.Clone())
	}
}

// adoptMerged folds a merged save back into the binding. Transcripts and
// answers are unioned. A model untouched since the capture the merge started
// from is reset to the merged cells; an edited one is rebased onto them.
func (b *Binding) adoptMerged(merged, local types.NotebookSnapshot, seq uint64) {
	b.mu.Lock()
	b.transcripts = merge.Transcripts(b.transcripts, merged.Transcripts)
	b.answers = merge.Answers(b.answers, merged.MCQAnswers)
	if b.lessonProgress == nil && merged.LessonProgress != nil {
		ref := *merged.LessonProgress
		b.lessonProgress = &ref
	}
	untouched := b.changeSeq == seq
	b.mu.Unlock()

	if untouched {
		b.resetModel(merged)
		return
	}
	b.rebaseModel(local, merged)
}

// rebaseModel applies the cells the remote won in merged to a model edited
// after local was captured. A live cell still equal to its captured version
// takes the merged content; cells only the remote knows are inserted at
// their merged position. Cells edited or deleted since the capture stay as
// they are.
func (b *Binding) rebaseModel(local, merged types.NotebookSnapshot) {
	captured := make(map[string]types.CellSnapshot, len(local.Cells))
	for _, c := range local.Cells {
		captured[c.ID] = c
	}
	won := make(map[string]types.CellSnapshot, len(merged.Cells))
	for _, c := range merged.Cells {
		won[c.ID] = c
	}

	live := b.model.Cells()
	changed := false
	seen := make(map[string]bool, len(live))
	cells := make([]types.Cell, 0, len(live)+len(merged.Cells))
	for _, c := range live {
		cs := cellSnapshot(c, b.id.DocumentID)
		seen[cs.ID] = true
		was, ok := captured[cs.ID]
		mc, inMerged := won[cs.ID]
		if ok && inMerged && was.SameContent(cs) && !mc.SameContent(was) {
			c = modelCells([]types.CellSnapshot{mc})[0]
			changed = true
		}
		cells = append(cells, c)
	}
	for i, mc := range merged.Cells {
		if seen[mc.ID] {
			continue
		}
		if _, ok := captured[mc.ID]; ok {
			continue
		}
		cells = slices.Insert(cells, min(i, len(cells)), modelCells([]types.CellSnapshot{mc})[0])
		changed = true
	}

	metadata := b.model.Metadata()
	if types.RawEqual(metadata, local.Metadata) && !types.RawEqual(merged.Metadata, local.Metadata) {
		metadata = merged.Metadata
		changed = true
	}
	if !changed {
		return
	}
	b.resetCells(cells, metadata, b.model.TransientOptions())
}

// queuePending parks snap in the cache's offline queue. The binding stays
// dirty so the next write retries.
func (b *Binding) queuePending(ctx context.Context, snap types.NotebookSnapshot) error {
	snap.Pending = true
	if err := b.cache.StorePendingSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("queueing pending snapshot: %w", err)
	}
	b.logger.Info("remote offline, snapshot queued", "version", snap.Version)
	return nil
}

// cacheNotebook writes snap to the cache. Failures are logged, never returned.
func (b *Binding) cacheNotebook(ctx context.Context, snap types.NotebookSnapshot) {
	if err := b.cache.SaveNotebook(ctx, snap); err != nil {
		b.logger.Warn("cache write failed", "error", err)
	}
}

// persistSession records this document as the user's last open one in the
// cache and on the remote. Best effort.
func (b *Binding) persistSession(ctx context.Context) {
	s := types.SessionState{
		UserID:     b.id.UserID,
		DocumentID: b.id.DocumentID,
		URI:        b.id.URI,
		ViewType:   b.id.ViewType,
		SessionID:  b.id.SessionID,
		LastOpened: b.clock.Millis(),
	}
	if err := b.cache.SaveSession(ctx, s); err != nil {
		b.logger.Warn("cache session write failed", "error", err)
	}
	if err := b.remote.SaveSession(ctx, s); err != nil && !types.IsOffline(err) {
		b.logger.Warn("remote session write failed", "error", err)
	}
}
