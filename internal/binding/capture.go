package binding

import (
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// capture reads the live model and in-memory records into a new snapshot at
// Version tracked+1. It returns the change sequence the snapshot covers.
func (b *Binding) capture() (types.NotebookSnapshot, uint64) {
	b.mu.Lock()
	seq := b.changeSeq
	b.mu.Unlock()

	// The model has its own lock and may call back into onChange.
	cells := b.model.Cells()
	metadata := b.model.Metadata()
	transient := b.model.TransientOptions()
	now := b.clock.Millis()

	b.mu.Lock()
	defer b.mu.Unlock()

	previous := make(map[string]types.CellSnapshot)
	if b.lastKnown != nil {
		for _, c := range b.lastKnown.Cells {
			previous[c.ID] = c
		}
	}

	snap := types.NotebookSnapshot{
		UserID:           b.id.UserID,
		DocumentID:       b.id.DocumentID,
		URI:              b.id.URI,
		ViewType:         b.id.ViewType,
		Metadata:         metadata,
		TransientOptions: transient,
		Cells:            make([]types.CellSnapshot, 0, len(cells)),
		Transcripts:      append([]types.TranscriptMessage{}, b.transcripts...),
		MCQAnswers:       make(map[string]types.MCQAnswerSnapshot, len(b.answers)),
		Version:          b.version + 1,
		UpdatedAt:        now,
	}
	for _, c := range cells {
		cs := cellSnapshot(c, b.id.DocumentID)
		if prev, ok := previous[cs.ID]; ok && prev.SameContent(cs) {
			cs.LastModified = prev.LastModified
		} else {
			cs.LastModified = now
		}
		snap.Cells = append(snap.Cells, cs)
	}
	for id, a := range b.answers {
		snap.MCQAnswers[id] = a.Clone()
	}
	if b.lessonProgress != nil {
		ref := *b.lessonProgress
		snap.LessonProgress = &ref
	}

	last := snap.Clone()
	b.lastKnown = &last
	return snap, seq
}

// cellSnapshot converts a model cell. LastModified is left to the caller.
func cellSnapshot(c types.Cell, documentID string) types.CellSnapshot {
	cs := types.CellSnapshot{
		ID:               stableCellID(c, documentID),
		Handle:           c.Handle,
		Kind:             c.Kind,
		Language:         c.Language,
		MIME:             c.MIME,
		Content:          c.Content,
		Metadata:         c.Metadata,
		InternalMetadata: c.InternalMetadata,
	}
	if cs.Kind == "" {
		cs.Kind = types.CellKindCode
	}
	if c.Outputs != nil {
		cs.Outputs = make([]types.OutputSnapshot, len(c.Outputs))
		for i, o := range c.Outputs {
			cs.Outputs[i] = o.Clone()
		}
	}
	return cs
}

// stableCellID returns the cell's merge key: its explicit id, else the "id"
// field of its metadata, else an address derived from the handle.
func stableCellID(c types.Cell, documentID string) string {
	if c.ID != "" {
		return c.ID
	}
	if len(c.Metadata) > 0 {
		var meta struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(c.Metadata, &meta); err == nil && meta.ID != "" {
			return meta.ID
		}
	}
	return fmt.Sprintf("%s#cell-%d", documentID, c.Handle)
}

// modelCells converts snapshot cells back into model cells for Reset.
func modelCells(cells []types.CellSnapshot) []types.Cell {
	out := make([]types.Cell, len(cells))
	for i, c := range cells {
		c = c.Clone()
		out[i] = types.Cell{
			ID:               c.ID,
			Handle:           c.Handle,
			Kind:             c.Kind,
			Language:         c.Language,
			MIME:             c.MIME,
			Content:          c.Content,
			Metadata:         c.Metadata,
			InternalMetadata: c.InternalMetadata,
			Outputs:          c.Outputs,
		}
	}
	return out
}
