// Package notebook provides an in-memory notebook document model. It is the
// editor-side collaborator the persistence binding observes: edits mutate
// the cell list and notify subscribers with a typed change event.
package notebook

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

var _ types.DocumentModel = (*Document)(nil)

// Document is a thread-safe types.DocumentModel.
type Document struct {
	uri      string
	viewType string

	mu         sync.Mutex
	cells      []types.Cell
	metadata   json.RawMessage
	transient  types.TransientOptions
	nextHandle int

	subMu  sync.Mutex
	subs   map[int]func(types.ChangeEvent)
	nextID int
}

// New creates an empty document.
func New(uri, viewType string) *Document {
	return &Document{
		uri:      uri,
		viewType: viewType,
		subs:     make(map[int]func(types.ChangeEvent)),
	}
}

// URI implements types.DocumentModel.
func (d *Document) URI() string { return d.uri }

// ViewType implements types.DocumentModel.
func (d *Document) ViewType() string { return d.viewType }

// Cells implements types.DocumentModel.
func (d *Document) Cells() []types.Cell {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.Cell, len(d.cells))
	for i, c := range d.cells {
		out[i] = cloneCell(c)
	}
	return out
}

// Metadata implements types.DocumentModel.
func (d *Document) Metadata() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneRaw(d.metadata)
}

// TransientOptions implements types.DocumentModel.
func (d *Document) TransientOptions() types.TransientOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transient.Clone()
}

// OnDidChange implements types.DocumentModel.
func (d *Document) OnDidChange(fn func(types.ChangeEvent)) (unsubscribe func()) {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (d *Document) Subscribers() int {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	return len(d.subs)
}

// Reset implements types.DocumentModel. Handles are reassigned in order.
func (d *Document) Reset(cells []types.Cell, metadata json.RawMessage, opts types.TransientOptions) error {
	d.mu.Lock()
	d.cells = make([]types.Cell, len(cells))
	for i, c := range cells {
		c = cloneCell(c)
		c.Handle = i
		d.cells[i] = c
	}
	d.nextHandle = len(cells)
	d.metadata = cloneRaw(metadata)
	d.transient = opts.Clone()
	d.mu.Unlock()

	d.Emit(types.ChangeEvent{Kind: types.ChangeModelReset, CellHandle: -1})
	return nil
}

// InsertCell inserts c at index (clamped to the cell range) and returns the
// handle assigned to it.
func (d *Document) InsertCell(index int, c types.Cell) int {
	d.mu.Lock()
	c = cloneCell(c)
	c.Handle = d.nextHandle
	d.nextHandle++
	index = max(0, min(index, len(d.cells)))
	d.cells = append(d.cells, types.Cell{})
	copy(d.cells[index+1:], d.cells[index:])
	d.cells[index] = c
	d.mu.Unlock()

	d.Emit(types.ChangeEvent{Kind: types.ChangeCellContent, CellHandle: c.Handle})
	return c.Handle
}

// AppendCell inserts c after the last cell.
func (d *Document) AppendCell(c types.Cell) int {
	return d.InsertCell(int(^uint(0)>>1), c)
}

// DeleteCell removes the cell with the given handle.
func (d *Document) DeleteCell(handle int) error {
	d.mu.Lock()
	i, err := d.indexLocked(handle)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.cells = append(d.cells[:i], d.cells[i+1:]...)
	d.mu.Unlock()

	d.Emit(types.ChangeEvent{Kind: types.ChangeCellContent, CellHandle: handle})
	return nil
}

// MoveCell moves the cell with the given handle to index.
func (d *Document) MoveCell(handle, index int) error {
	d.mu.Lock()
	i, err := d.indexLocked(handle)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	c := d.cells[i]
	d.cells = append(d.cells[:i], d.cells[i+1:]...)
	index = max(0, min(index, len(d.cells)))
	d.cells = append(d.cells, types.Cell{})
	copy(d.cells[index+1:], d.cells[index:])
	d.cells[index] = c
	d.mu.Unlock()

	d.Emit(types.ChangeEvent{Kind: types.ChangeCellMove, CellHandle: handle})
	return nil
}

// SetCellContent replaces the source text of a cell.
func (d *Document) SetCellContent(handle int, content string) error {
	return d.updateCell(handle, types.ChangeCellContent, func(c *types.Cell) { c.Content = content })
}

// SetCellLanguage changes a cell's language.
func (d *Document) SetCellLanguage(handle int, language string) error {
	return d.updateCell(handle, types.ChangeCellLanguage, func(c *types.Cell) { c.Language = language })
}

// SetCellMetadata replaces a cell's metadata.
func (d *Document) SetCellMetadata(handle int, metadata json.RawMessage) error {
	return d.updateCell(handle, types.ChangeCellMetadata, func(c *types.Cell) { c.Metadata = cloneRaw(metadata) })
}

// SetCellInternalMetadata replaces a cell's internal metadata. The change is
// reported with the internal-metadata kind, which is not persisted on its own.
func (d *Document) SetCellInternalMetadata(handle int, metadata json.RawMessage) error {
	return d.updateCell(handle, types.ChangeCellInternalMetadata, func(c *types.Cell) { c.InternalMetadata = cloneRaw(metadata) })
}

// SetOutputs replaces a cell's outputs. When the document marks outputs as
// transient the change event is flagged transient.
func (d *Document) SetOutputs(handle int, outputs []types.OutputSnapshot) error {
	d.mu.Lock()
	transient := d.transient.TransientOutputs
	d.mu.Unlock()

	return d.updateCellEvent(handle, types.ChangeEvent{Kind: types.ChangeOutput, Transient: transient}, func(c *types.Cell) {
		c.Outputs = make([]types.OutputSnapshot, len(outputs))
		for i, o := range outputs {
			c.Outputs[i] = o.Clone()
		}
	})
}

// SetMetadata replaces the document-level metadata.
func (d *Document) SetMetadata(metadata json.RawMessage) {
	d.mu.Lock()
	d.metadata = cloneRaw(metadata)
	d.mu.Unlock()

	d.Emit(types.ChangeEvent{Kind: types.ChangeDocumentMetadata, CellHandle: -1})
}

// SetTransientOptions replaces the transient-field policy. No event is emitted.
func (d *Document) SetTransientOptions(opts types.TransientOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transient = opts.Clone()
}

// HandleOf returns the handle of the cell with the given stable id, or -1.
func (d *Document) HandleOf(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.cells {
		if c.ID == id {
			return c.Handle
		}
	}
	return -1
}

// Emit delivers ev to every subscriber. Exported so callers can surface
// editor events that carry no model mutation, such as selection changes.
func (d *Document) Emit(ev types.ChangeEvent) {
	d.subMu.Lock()
	fns := make([]func(types.ChangeEvent), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (d *Document) updateCell(handle int, kind types.ChangeKind, mutate func(c *types.Cell)) error {
	return d.updateCellEvent(handle, types.ChangeEvent{Kind: kind}, mutate)
}

func (d *Document) updateCellEvent(handle int, ev types.ChangeEvent, mutate func(c *types.Cell)) error {
	d.mu.Lock()
	i, err := d.indexLocked(handle)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	mutate(&d.cells[i])
	d.mu.Unlock()

	ev.CellHandle = handle
	d.Emit(ev)
	return nil
}

func (d *Document) indexLocked(handle int) (int, error) {
	for i, c := range d.cells {
		if c.Handle == handle {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no cell with handle %d", handle)
}

func cloneCell(c types.Cell) types.Cell {
	c.Metadata = cloneRaw(c.Metadata)
	c.InternalMetadata = cloneRaw(c.InternalMetadata)
	if c.Outputs != nil {
		outs := make([]types.OutputSnapshot, len(c.Outputs))
		for i, o := range c.Outputs {
			outs[i] = o.Clone()
		}
		c.Outputs = outs
	}
	return c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
