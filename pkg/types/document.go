// Document model contract: the editable notebook the engine observes and,
// during restore, resets.
package types

import "encoding/json"

// ChangeKind tags a document-model change notification.
type ChangeKind int

// Change kinds emitted by a document model.
const (
	ChangeModelReset ChangeKind = iota + 1
	ChangeCellContent
	ChangeCellMove
	ChangeDocumentMetadata
	ChangeCellMetadata
	ChangeOutput
	ChangeOutputItem
	ChangeCellLanguage
	ChangeSelection
	ChangeCellExecutionState
	ChangeCellInternalMetadata
)

var changeKindNames = map[ChangeKind]string{
	ChangeModelReset:           "model_reset",
	ChangeCellContent:          "cell_content",
	ChangeCellMove:             "cell_move",
	ChangeDocumentMetadata:     "document_metadata",
	ChangeCellMetadata:         "cell_metadata",
	ChangeOutput:               "output",
	ChangeOutputItem:           "output_item",
	ChangeCellLanguage:         "cell_language",
	ChangeSelection:            "selection",
	ChangeCellExecutionState:   "cell_execution_state",
	ChangeCellInternalMetadata: "cell_internal_metadata",
}

// String returns the snake_case name of the kind.
func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// persistedKinds are the change kinds that alter persisted state.
var persistedKinds = map[ChangeKind]bool{
	ChangeModelReset:       true,
	ChangeCellContent:      true,
	ChangeCellMove:         true,
	ChangeDocumentMetadata: true,
	ChangeCellMetadata:     true,
	ChangeOutput:           true,
	ChangeOutputItem:       true,
	ChangeCellLanguage:     true,
}

// ChangeEvent is one document-model change notification.
type ChangeEvent struct {
	Kind      ChangeKind
	Transient bool
	// CellHandle identifies the affected cell, or -1 for document-level changes.
	CellHandle int
}

// Persisted reports whether the event should schedule a write: a
// persisted-state kind that is not marked transient.
func (e ChangeEvent) Persisted() bool {
	return !e.Transient && persistedKinds[e.Kind]
}

// Cell is the document model's view of one cell. ID may be empty, in which
// case the engine derives a stable id from metadata or the cell handle.
type Cell struct {
	ID               string
	Handle           int
	Kind             CellKind
	Language         string
	MIME             string
	Content          string
	Metadata         json.RawMessage
	InternalMetadata json.RawMessage
	Outputs          []OutputSnapshot
}

// DocumentModel is the editable notebook owned by the editor layer.
// Implementations must be safe for concurrent use; change callbacks may be
// invoked from any goroutine and must not block for long.
type DocumentModel interface {
	// URI is the document identity used by the sync service registry.
	URI() string

	// ViewType is the editor's view-type tag for the document.
	ViewType() string

	// Cells returns a copy of the current cell list in display order.
	Cells() []Cell

	// Metadata returns a copy of the document-level metadata.
	Metadata() json.RawMessage

	// TransientOptions returns the document's transient-field policy.
	TransientOptions() TransientOptions

	// OnDidChange registers fn for change notifications and returns a
	// function that removes the registration.
	OnDidChange(fn func(ChangeEvent)) (unsubscribe func())

	// Reset replaces cells, metadata and transient options. Used by restore.
	Reset(cells []Cell, metadata json.RawMessage, opts TransientOptions) error
}
