// Snapshot entities: the persisted state of one notebook document.
package types

import (
	"bytes"
	"encoding/json"
)

// Cell kinds.
const (
	CellKindMarkup CellKind = "markup"
	CellKindCode   CellKind = "code"
)

// CellKind distinguishes markup cells from executable code cells.
type CellKind string

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// validRoles is the set of recognized transcript roles.
var validRoles = map[string]bool{
	RoleUser:      true,
	RoleAssistant: true,
	RoleSystem:    true,
}

// ValidRole reports whether role is a recognized transcript role.
func ValidRole(role string) bool {
	return validRoles[role]
}

// TransientOptions describes which parts of a notebook the document model
// treats as transient. The engine stores it verbatim and never merges it.
type TransientOptions struct {
	TransientOutputs          bool            `json:"transientOutputs"`
	TransientCellMetadata     map[string]bool `json:"transientCellMetadata,omitempty"`
	TransientDocumentMetadata map[string]bool `json:"transientDocumentMetadata,omitempty"`
}

// NotebookSnapshot is the unit of persistence for one document.
// Snapshots are values: a newer snapshot supersedes an older one, it never
// mutates it.
type NotebookSnapshot struct {
	UserID           string                       `json:"userId"`
	DocumentID       string                       `json:"documentId"`
	URI              string                       `json:"uri"`
	ViewType         string                       `json:"viewType"`
	Metadata         json.RawMessage              `json:"metadata,omitempty"`
	TransientOptions TransientOptions             `json:"transientOptions"`
	Cells            []CellSnapshot               `json:"cells"`
	Transcripts      []TranscriptMessage          `json:"transcripts"`
	MCQAnswers       map[string]MCQAnswerSnapshot `json:"mcqAnswers"`
	LessonProgress   *LessonProgressRef           `json:"lessonProgress,omitempty"`

	// Version is the remote version this snapshot was confirmed at, or the
	// version it expects to be confirmed at when it has not been delivered yet.
	Version int64 `json:"version"`

	// UpdatedAt is a millisecond timestamp.
	UpdatedAt int64 `json:"updatedAt"`

	// Pending marks snapshots queued for offline replay.
	Pending bool `json:"pending,omitempty"`
}

// CellSnapshot is one cell's persisted state. ID is the merge key across
// concurrent writers; Handle and position may change between sessions.
type CellSnapshot struct {
	ID               string           `json:"id"`
	Handle           int              `json:"handle"`
	Kind             CellKind         `json:"kind"`
	Language         string           `json:"language"`
	MIME             string           `json:"mime,omitempty"`
	Content          string           `json:"content"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	InternalMetadata json.RawMessage  `json:"internalMetadata,omitempty"`
	Outputs          []OutputSnapshot `json:"outputs"`
	LastModified     int64            `json:"lastModified"`
}

// OutputSnapshot is one cell output.
type OutputSnapshot struct {
	ID       string               `json:"id,omitempty"`
	Metadata json.RawMessage      `json:"metadata,omitempty"`
	Items    []OutputItemSnapshot `json:"items"`
}

// OutputItemSnapshot is one MIME-typed payload of an output. Data holds the
// base64 encoding of the raw bytes.
type OutputItemSnapshot struct {
	MIME     string          `json:"mime"`
	Data     string          `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TranscriptMessage is one chat-style record. Identity is ID, ordering is
// Timestamp.
type TranscriptMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// MCQAnswerSnapshot is a learner's answer to one multiple-choice question.
type MCQAnswerSnapshot struct {
	QuestionID        string   `json:"questionId"`
	SelectedOptionIDs []string `json:"selectedOptionIds"`
	CorrectOptionIDs  []string `json:"correctOptionIds,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	UpdatedAt         int64    `json:"updatedAt"`
}

// LessonProgressRef points a snapshot at a lesson progress record.
type LessonProgressRef struct {
	LessonID  string `json:"lessonId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// LessonProgress is a per-user, per-lesson progress record.
type LessonProgress struct {
	UserID         string   `json:"userId"`
	LessonID       string   `json:"lessonId"`
	CompletedSteps []string `json:"completedSteps"`
	CurrentStep    string   `json:"currentStep,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	UpdatedAt      int64    `json:"updatedAt"`
}

// SessionState records which document a user had open last.
type SessionState struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
	URI        string `json:"uri"`
	ViewType   string `json:"viewType"`
	SessionID  string `json:"sessionId"`
	LastOpened int64  `json:"lastOpened"`
}

// Clone returns a deep copy of the snapshot.
func (s NotebookSnapshot) Clone() NotebookSnapshot {
	out := s
	out.Metadata = cloneRaw(s.Metadata)
	out.TransientOptions = s.TransientOptions.Clone()
	if s.Cells != nil {
		out.Cells = make([]CellSnapshot, len(s.Cells))
		for i, c := range s.Cells {
			out.Cells[i] = c.Clone()
		}
	}
	if s.Transcripts != nil {
		out.Transcripts = append([]TranscriptMessage(nil), s.Transcripts...)
	}
	if s.MCQAnswers != nil {
		out.MCQAnswers = make(map[string]MCQAnswerSnapshot, len(s.MCQAnswers))
		for k, v := range s.MCQAnswers {
			out.MCQAnswers[k] = v.Clone()
		}
	}
	if s.LessonProgress != nil {
		ref := *s.LessonProgress
		out.LessonProgress = &ref
	}
	return out
}

// Clone returns a deep copy of the transient options.
func (o TransientOptions) Clone() TransientOptions {
	out := o
	out.TransientCellMetadata = cloneFlags(o.TransientCellMetadata)
	out.TransientDocumentMetadata = cloneFlags(o.TransientDocumentMetadata)
	return out
}

// Clone returns a deep copy of the cell.
func (c CellSnapshot) Clone() CellSnapshot {
	out := c
	out.Metadata = cloneRaw(c.Metadata)
	out.InternalMetadata = cloneRaw(c.InternalMetadata)
	if c.Outputs != nil {
		out.Outputs = make([]OutputSnapshot, len(c.Outputs))
		for i, o := range c.Outputs {
			out.Outputs[i] = o.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the output.
func (o OutputSnapshot) Clone() OutputSnapshot {
	out := o
	out.Metadata = cloneRaw(o.Metadata)
	if o.Items != nil {
		out.Items = make([]OutputItemSnapshot, len(o.Items))
		for i, it := range o.Items {
			it.Metadata = cloneRaw(it.Metadata)
			out.Items[i] = it
		}
	}
	return out
}

// Clone returns a deep copy of the answer.
func (a MCQAnswerSnapshot) Clone() MCQAnswerSnapshot {
	out := a
	if a.SelectedOptionIDs != nil {
		out.SelectedOptionIDs = append([]string(nil), a.SelectedOptionIDs...)
	}
	if a.CorrectOptionIDs != nil {
		out.CorrectOptionIDs = append([]string(nil), a.CorrectOptionIDs...)
	}
	if a.Confidence != nil {
		c := *a.Confidence
		out.Confidence = &c
	}
	return out
}

// SameContent reports whether two cells hold the same persisted content,
// ignoring Handle and LastModified.
func (c CellSnapshot) SameContent(other CellSnapshot) bool {
	if c.ID != other.ID || c.Kind != other.Kind || c.Language != other.Language ||
		c.MIME != other.MIME || c.Content != other.Content {
		return false
	}
	if !RawEqual(c.Metadata, other.Metadata) || !RawEqual(c.InternalMetadata, other.InternalMetadata) {
		return false
	}
	if len(c.Outputs) != len(other.Outputs) {
		return false
	}
	for i := range c.Outputs {
		if !c.Outputs[i].equal(other.Outputs[i]) {
			return false
		}
	}
	return true
}

func (o OutputSnapshot) equal(other OutputSnapshot) bool {
	if o.ID != other.ID || !RawEqual(o.Metadata, other.Metadata) || len(o.Items) != len(other.Items) {
		return false
	}
	for i := range o.Items {
		a, b := o.Items[i], other.Items[i]
		if a.MIME != b.MIME || a.Data != b.Data || !RawEqual(a.Metadata, b.Metadata) {
			return false
		}
	}
	return true
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneFlags(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RawEqual compares two opaque JSON payloads after compaction. Empty and
// "null" payloads are equal.
func RawEqual(a, b json.RawMessage) bool {
	return bytes.Equal(normalizeRaw(a), normalizeRaw(b))
}

func normalizeRaw(r json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(r)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return trimmed
	}
	return buf.Bytes()
}
