// Package merge reconciles two concurrently written notebook snapshots.
//
// The policy is last-writer-wins at sub-document granularity: each cell,
// transcript message and quiz answer is resolved on its own, so unrelated
// concurrent edits survive. On equal timestamps the local side wins.
package merge

import (
	"sort"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// Notebooks merges the local snapshot with the current remote snapshot.
// Neither input is modified. The result carries
// Version = max(local, remote) + 1 and UpdatedAt = now.
func Notebooks(local, remote types.NotebookSnapshot, now int64) types.NotebookSnapshot {
	merged := local.Clone()

	if remote.UpdatedAt > local.UpdatedAt {
		merged.Metadata = remote.Clone().Metadata
	}
	merged.Cells = Cells(local.Cells, remote.Cells)
	merged.Transcripts = Transcripts(local.Transcripts, remote.Transcripts)
	merged.MCQAnswers = Answers(local.MCQAnswers, remote.MCQAnswers)
	if merged.LessonProgress == nil && remote.LessonProgress != nil {
		ref := *remote.LessonProgress
		merged.LessonProgress = &ref
	}

	merged.Version = max(local.Version, remote.Version) + 1
	merged.UpdatedAt = now
	merged.Pending = false
	return merged
}

// Cells reconciles cell lists by stable id. Local order is kept, with each
// local cell replaced by its remote counterpart when the remote one was
// modified strictly later. Remote-only cells follow in remote order.
func Cells(local, remote []types.CellSnapshot) []types.CellSnapshot {
	remoteByID := make(map[string]types.CellSnapshot, len(remote))
	for _, c := range remote {
		remoteByID[c.ID] = c
	}

	out := make([]types.CellSnapshot, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))
	for _, lc := range local {
		seen[lc.ID] = true
		rc, ok := remoteByID[lc.ID]
		if !ok || lc.LastModified >= rc.LastModified {
			out = append(out, lc.Clone())
			continue
		}
		out = append(out, rc.Clone())
	}
	for _, rc := range remote {
		if seen[rc.ID] {
			continue
		}
		seen[rc.ID] = true
		out = append(out, rc.Clone())
	}
	return out
}

// Transcripts unions messages by id. A remote message replaces the local one
// only when its timestamp is strictly newer. The result is sorted by
// timestamp, ties broken by id.
func Transcripts(local, remote []types.TranscriptMessage) []types.TranscriptMessage {
	byID := make(map[string]types.TranscriptMessage, len(local)+len(remote))
	for _, m := range local {
		byID[m.ID] = m
	}
	for _, m := range remote {
		existing, ok := byID[m.ID]
		if ok && m.Timestamp <= existing.Timestamp {
			continue
		}
		byID[m.ID] = m
	}

	out := make([]types.TranscriptMessage, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	SortTranscripts(out)
	return out
}

// SortTranscripts orders messages by timestamp ascending, then by id.
func SortTranscripts(msgs []types.TranscriptMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Answers unions answers by question id. A remote answer replaces the local
// one only when its UpdatedAt is strictly newer.
func Answers(local, remote map[string]types.MCQAnswerSnapshot) map[string]types.MCQAnswerSnapshot {
	out := make(map[string]types.MCQAnswerSnapshot, len(local)+len(remote))
	for id, a := range local {
		out[id] = a.Clone()
	}
	for id, a := range remote {
		existing, ok := out[id]
		if ok && a.UpdatedAt <= existing.UpdatedAt {
			continue
		}
		out[id] = a.Clone()
	}
	return out
}

// Equivalent reports whether two snapshots hold the same content, ignoring
// Version, UpdatedAt, Pending, cell handles and cell LastModified stamps.
func Equivalent(a, b types.NotebookSnapshot) bool {
	if a.UserID != b.UserID || a.DocumentID != b.DocumentID {
		return false
	}
	if !types.RawEqual(a.Metadata, b.Metadata) || len(a.Cells) != len(b.Cells) {
		return false
	}
	for i := range a.Cells {
		if !a.Cells[i].SameContent(b.Cells[i]) {
			return false
		}
	}
	if len(a.Transcripts) != len(b.Transcripts) {
		return false
	}
	for i := range a.Transcripts {
		if a.Transcripts[i] != b.Transcripts[i] {
			return false
		}
	}
	if len(a.MCQAnswers) != len(b.MCQAnswers) {
		return false
	}
	for id, x := range a.MCQAnswers {
		y, ok := b.MCQAnswers[id]
		if !ok || x.UpdatedAt != y.UpdatedAt {
			return false
		}
	}
	return true
}

// FresherSession picks the more recently opened of two session records.
// Either may be nil; ties favor remote.
func FresherSession(cached, remote *types.SessionState) *types.SessionState {
	switch {
	case cached == nil:
		return remote
	case remote == nil:
		return cached
	case cached.LastOpened > remote.LastOpened:
		return cached
	default:
		return remote
	}
}
