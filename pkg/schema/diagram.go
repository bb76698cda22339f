package schema

import (
	"encoding/json"
	"time"
)

// Node kinds understood by the analysis tooling. Other kinds are carried verbatim.
const (
	NodeKindConditional = "conditional"
	NodeKindResponse    = "response"
)

// Render types written by the editor for new records.
const (
	DefaultNodeType = "customNode"
	DefaultEdgeType = "customEdge"
)

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the editor payload of a node.
type NodeData struct {
	Label      string          `json:"label,omitempty"`
	Kind       string          `json:"type,omitempty"`       // conditional | response | ...
	Expression string          `json:"expression,omitempty"` // CEL condition for conditional nodes
	Content    json.RawMessage `json:"content,omitempty"`
}

// NodeRecord is one diagram node as seen by the editor.
type NodeRecord struct {
	ID       string   `json:"id"`
	Type     string   `json:"type,omitempty"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// EdgeRecord is a directed connection between two node ids.
// Source and Target may reference nodes that no longer exist.
type EdgeRecord struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Snapshot is the plain projection of a diagram: no causal metadata.
type Snapshot struct {
	Nodes []NodeRecord `json:"nodes"`
	Edges []EdgeRecord `json:"edges"`
}

// Empty reports whether the snapshot has no nodes and no edges.
func (s Snapshot) Empty() bool {
	return len(s.Nodes) == 0 && len(s.Edges) == 0
}

// Node returns the node with the given id.
func (s Snapshot) Node(id string) (NodeRecord, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeRecord{}, false
}

// Edge returns the edge with the given id.
func (s Snapshot) Edge(id string) (EdgeRecord, bool) {
	for _, e := range s.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return EdgeRecord{}, false
}

// EdgeID returns the conventional id of an edge between two nodes.
func EdgeID(source, target string) string {
	return "e-" + source + "-" + target
}

// Diagram is the persisted diagram resource.
type Diagram struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	JSONData    json.RawMessage `json:"json_data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DiagramPatch carries the mutable fields of a diagram. Nil fields are left untouched.
type DiagramPatch struct {
	Name        *string         `json:"name,omitempty" validate:"omitnil,min=1,max=255"`
	Description *string         `json:"description,omitempty"`
	JSONData    json.RawMessage `json:"json_data,omitempty"`
}

// Presence is the ephemeral awareness state of one client.
// It is broadcast to peers but never persisted and never undone.
type Presence struct {
	ClientID  string    `json:"client_id"`
	User      string    `json:"user,omitempty"`
	Color     string    `json:"color,omitempty"`
	Cursor    *Position `json:"cursor,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
