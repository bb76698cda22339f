package crdt

import (
	"bytes"
	"encoding/json"

	"github.com/rendis/flowsync/pkg/schema"
)

// Node field names. Each is an independent LWW register.
const (
	FieldType       = "type"
	FieldPosition   = "position"
	FieldLabel      = "label"
	FieldKind       = "kind"
	FieldExpression = "expression"
	FieldContent    = "content"
)

// Edge field names.
const (
	FieldSource       = "source"
	FieldTarget       = "target"
	FieldSourceHandle = "sourceHandle"
	FieldTargetHandle = "targetHandle"
)

var nullValue = json.RawMessage("null")

// Snapshot projects the document to plain records.
func (d *Doc) Snapshot() schema.Snapshot {
	snap := schema.Snapshot{
		Nodes: make([]schema.NodeRecord, 0),
		Edges: make([]schema.EdgeRecord, 0),
	}
	for _, r := range d.Records(SeqNodes) {
		snap.Nodes = append(snap.Nodes, NodeFromFields(r.ID, r.Fields))
	}
	for _, r := range d.Records(SeqEdges) {
		snap.Edges = append(snap.Edges, EdgeFromFields(r.ID, r.Fields))
	}
	return snap
}

// NodeFields returns the registers describing a node.
func NodeFields(n schema.NodeRecord) []Field {
	fields := []Field{
		{Name: FieldType, Value: mustJSON(n.Type)},
		{Name: FieldPosition, Value: mustJSON(n.Position)},
		{Name: FieldLabel, Value: mustJSON(n.Data.Label)},
		{Name: FieldKind, Value: mustJSON(n.Data.Kind)},
		{Name: FieldExpression, Value: mustJSON(n.Data.Expression)},
	}
	if len(n.Data.Content) > 0 {
		fields = append(fields, Field{Name: FieldContent, Value: n.Data.Content})
	}
	return fields
}

// EdgeFields returns the registers describing an edge.
func EdgeFields(e schema.EdgeRecord) []Field {
	return []Field{
		{Name: FieldSource, Value: mustJSON(e.Source)},
		{Name: FieldTarget, Value: mustJSON(e.Target)},
		{Name: FieldSourceHandle, Value: mustJSON(e.SourceHandle)},
		{Name: FieldTargetHandle, Value: mustJSON(e.TargetHandle)},
		{Name: FieldType, Value: mustJSON(e.Type)},
		{Name: FieldLabel, Value: mustJSON(e.Label)},
	}
}

// ChangedFields returns the fields of next whose values differ from prev.
func ChangedFields(prev, next []Field) []Field {
	old := make(map[string]json.RawMessage, len(prev))
	for _, f := range prev {
		old[f.Name] = f.Value
	}
	var out []Field
	for _, f := range next {
		if v, ok := old[f.Name]; ok && bytes.Equal(v, f.Value) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// NodeFromFields builds a node record from its registers. Malformed values
// leave the corresponding attribute at its zero value.
func NodeFromFields(id string, fields map[string]json.RawMessage) schema.NodeRecord {
	n := schema.NodeRecord{ID: id}
	decode(fields[FieldType], &n.Type)
	decode(fields[FieldPosition], &n.Position)
	decode(fields[FieldLabel], &n.Data.Label)
	decode(fields[FieldKind], &n.Data.Kind)
	decode(fields[FieldExpression], &n.Data.Expression)
	if c := fields[FieldContent]; len(c) > 0 && !bytes.Equal(c, nullValue) {
		n.Data.Content = c
	}
	return n
}

// EdgeFromFields builds an edge record from its registers.
func EdgeFromFields(id string, fields map[string]json.RawMessage) schema.EdgeRecord {
	e := schema.EdgeRecord{ID: id}
	decode(fields[FieldSource], &e.Source)
	decode(fields[FieldTarget], &e.Target)
	decode(fields[FieldSourceHandle], &e.SourceHandle)
	decode(fields[FieldTargetHandle], &e.TargetHandle)
	decode(fields[FieldType], &e.Type)
	decode(fields[FieldLabel], &e.Label)
	return e
}

func decode(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nullValue
	}
	return b
}

// Seed inserts the records of a snapshot at the end of both sequences.
func Seed(t *Txn, snap schema.Snapshot) {
	after := t.doc.seqs[SeqNodes].last()
	for _, n := range snap.Nodes {
		after = t.Insert(SeqNodes, after, n.ID, NodeFields(n))
	}
	after = t.doc.seqs[SeqEdges].last()
	for _, e := range snap.Edges {
		after = t.Insert(SeqEdges, after, e.ID, EdgeFields(e))
	}
}
