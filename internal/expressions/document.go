package expressions

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowsync/pkg/schema"
)

// DefaultFlowID is the flow id written when a document does not carry one.
const DefaultFlowID = "multiple"

// extractProgram accepts either the flat editor form {nodes, edges} or the
// nested export form {config: [{nodes, edges, id}]}, in which case the first
// flow is used. Anything else is an empty diagram.
var extractProgram = mustCompileJQ(`
def records(k): (.[k] // []) | if type == "array" then . else error("\(k) must be an array") end;
def flowid: if . == null then null else tostring end;
if type != "object" then {nodes: [], edges: []}
elif has("nodes") and has("edges") and (has("config") | not) then
  {nodes: records("nodes"), edges: records("edges"), id: (.id | flowid)}
elif (.config | type) == "array" and (.config | length) > 0 then
  .config[0]
  | if type == "object" then
      {nodes: records("nodes"), edges: records("edges"), id: (.id // "` + DefaultFlowID + `" | flowid)}
    else error("config[0] must be an object") end
else {nodes: [], edges: []} end
`)

// restoreProgram writes $nodes and $edges back into the original document,
// preserving every other key.
var restoreProgram = mustCompileJQ(`
if (.config | type) == "array" and (.config | length) > 0 then
  .config[0].nodes = $nodes | .config[0].edges = $edges
else
  .nodes = $nodes | .edges = $edges
end
`, "$nodes", "$edges")

// Document is a diagram extracted from a stored or imported JSON document.
type Document struct {
	ID    string              `json:"id,omitempty"`
	Nodes []schema.NodeRecord `json:"nodes"`
	Edges []schema.EdgeRecord `json:"edges"`
}

// Snapshot returns the document's records as a snapshot.
func (d Document) Snapshot() schema.Snapshot {
	return schema.Snapshot{Nodes: d.Nodes, Edges: d.Edges}
}

// ExtractDocument reads raw in either supported layout. Empty input yields an
// empty document. Records without an id are rejected.
func ExtractDocument(raw json.RawMessage) (Document, error) {
	doc := Document{Nodes: []schema.NodeRecord{}, Edges: []schema.EdgeRecord{}}
	if len(raw) == 0 {
		return doc, nil
	}

	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return doc, schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}

	out, err := extractProgram.run(context.Background(), input)
	if err != nil {
		return doc, schema.NewError(schema.ErrCodeValidation, "unsupported document layout").WithCause(err)
	}
	if err := remarshal(out, &doc); err != nil {
		return doc, schema.NewError(schema.ErrCodeValidation, "document records are malformed").WithCause(err)
	}
	if doc.Nodes == nil {
		doc.Nodes = []schema.NodeRecord{}
	}
	if doc.Edges == nil {
		doc.Edges = []schema.EdgeRecord{}
	}

	for i, n := range doc.Nodes {
		if n.ID == "" {
			return doc, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has no id", i)
		}
	}
	for i, e := range doc.Edges {
		if e.ID == "" {
			return doc, schema.NewErrorf(schema.ErrCodeValidation, "edge at index %d has no id", i)
		}
	}
	return doc, nil
}

// ExtractSnapshot is ExtractDocument without the flow id.
func ExtractSnapshot(raw json.RawMessage) (schema.Snapshot, error) {
	doc, err := ExtractDocument(raw)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

// RestoreDocument writes snap back into the layout of original. With no
// original, the nested export layout is produced with diagramID as its id.
func RestoreDocument(snap schema.Snapshot, original json.RawMessage, diagramID string) (json.RawMessage, error) {
	if snap.Nodes == nil {
		snap.Nodes = []schema.NodeRecord{}
	}
	if snap.Edges == nil {
		snap.Edges = []schema.EdgeRecord{}
	}

	if len(original) == 0 || string(original) == "null" {
		return json.Marshal(map[string]any{
			"id": diagramID,
			"config": []any{map[string]any{
				"id":    DefaultFlowID,
				"nodes": snap.Nodes,
				"edges": snap.Edges,
			}},
		})
	}

	var doc any
	if err := json.Unmarshal(original, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "original document is not valid JSON").WithCause(err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "original document must be a JSON object")
	}

	var nodes, edges any
	if err := remarshal(snap.Nodes, &nodes); err != nil {
		return nil, err
	}
	if err := remarshal(snap.Edges, &edges); err != nil {
		return nil, err
	}

	out, err := restoreProgram.run(context.Background(), doc, nodes, edges)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
