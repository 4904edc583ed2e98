package notebook

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
}

func (r *recorder) record(ev types.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []types.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ChangeKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func code(content string) types.Cell {
	return types.Cell{Kind: types.CellKindCode, Language: "python", Content: content}
}

func TestDocument_EditsEmitTypedEvents(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	rec := &recorder{}
	d.OnDidChange(rec.record)

	h0 := d.AppendCell(code("x = 1"))
	h1 := d.AppendCell(code("y = 2"))
	require.NoError(t, d.SetCellContent(h0, "x = 10"))
	require.NoError(t, d.MoveCell(h1, 0))
	require.NoError(t, d.SetCellLanguage(h0, "r"))
	require.NoError(t, d.SetCellMetadata(h0, json.RawMessage(`{"tags":[]}`)))
	require.NoError(t, d.SetCellInternalMetadata(h0, json.RawMessage(`{"executionOrder":1}`)))
	d.SetMetadata(json.RawMessage(`{"title":"t"}`))

	assert.Equal(t, []types.ChangeKind{
		types.ChangeCellContent,
		types.ChangeCellContent,
		types.ChangeCellContent,
		types.ChangeCellMove,
		types.ChangeCellLanguage,
		types.ChangeCellMetadata,
		types.ChangeCellInternalMetadata,
		types.ChangeDocumentMetadata,
	}, rec.kinds())

	cells := d.Cells()
	require.Len(t, cells, 2)
	assert.Equal(t, "y = 2", cells[0].Content)
	assert.Equal(t, "x = 10", cells[1].Content)
	assert.Equal(t, "r", cells[1].Language)
	assert.JSONEq(t, `{"title":"t"}`, string(d.Metadata()))
}

func TestDocument_TransientOutputs(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	h := d.AppendCell(code("print(1)"))
	rec := &recorder{}
	d.OnDidChange(rec.record)

	out := []types.OutputSnapshot{{Items: []types.OutputItemSnapshot{{MIME: "text/plain", Data: "MQo="}}}}
	require.NoError(t, d.SetOutputs(h, out))
	d.SetTransientOptions(types.TransientOptions{TransientOutputs: true})
	require.NoError(t, d.SetOutputs(h, out))

	require.Len(t, rec.events, 2)
	assert.False(t, rec.events[0].Transient)
	assert.True(t, rec.events[1].Transient)
}

func TestDocument_ResetReassignsHandles(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	d.AppendCell(code("old"))
	rec := &recorder{}
	d.OnDidChange(rec.record)

	cells := []types.Cell{{ID: "a", Handle: 40, Kind: types.CellKindMarkup, Content: "# A"}, {ID: "b", Handle: 41, Kind: types.CellKindCode, Content: "b"}}
	require.NoError(t, d.Reset(cells, json.RawMessage(`{"k":1}`), types.TransientOptions{TransientOutputs: true}))

	got := d.Cells()
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Handle)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 1, d.HandleOf("b"))
	assert.True(t, d.TransientOptions().TransientOutputs)
	assert.Equal(t, []types.ChangeKind{types.ChangeModelReset}, rec.kinds())

	// Later insertions never reuse a handle.
	assert.Equal(t, 2, d.AppendCell(code("c")))
}

func TestDocument_Unsubscribe(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	rec := &recorder{}
	unsub := d.OnDidChange(rec.record)
	assert.Equal(t, 1, d.Subscribers())

	unsub()
	unsub()
	assert.Equal(t, 0, d.Subscribers())
	d.AppendCell(code("x"))
	assert.Empty(t, rec.kinds())
}

func TestDocument_UnknownHandle(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	assert.Error(t, d.SetCellContent(7, "x"))
	assert.Error(t, d.MoveCell(7, 0))
	assert.Error(t, d.DeleteCell(7))
}

func TestDocument_CellsAreCopies(t *testing.T) {
	d := New("file:///a.ipynb", "jupyter-notebook")
	h := d.AppendCell(types.Cell{Kind: types.CellKindCode, Metadata: json.RawMessage(`{"a":1}`)})
	cells := d.Cells()
	cells[0].Metadata[2] = 'z'
	cells[0].Content = "mutated"

	again := d.Cells()
	assert.Equal(t, `{"a":1}`, string(again[0].Metadata))
	assert.Empty(t, again[0].Content)
	require.NoError(t, d.DeleteCell(h))
	assert.Empty(t, d.Cells())
}
