package session

import (
	"encoding/json"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/pkg/schema"
)

// ChangeKind identifies a user change.
type ChangeKind int

const (
	ChangeAddNode ChangeKind = iota + 1
	ChangeMoveNode
	ChangeUpdateNode
	ChangeRemoveNodes
	ChangeAddEdge
	ChangeUpdateEdge
	ChangeRemoveEdges
	ChangeBatch
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAddNode:
		return "add_node"
	case ChangeMoveNode:
		return "move_node"
	case ChangeUpdateNode:
		return "update_node"
	case ChangeRemoveNodes:
		return "remove_nodes"
	case ChangeAddEdge:
		return "add_edge"
	case ChangeUpdateEdge:
		return "update_edge"
	case ChangeRemoveEdges:
		return "remove_edges"
	case ChangeBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Change is one user edit. Which fields are read depends on Kind.
type Change struct {
	Kind     ChangeKind
	Node     schema.NodeRecord // AddNode, UpdateNode
	Edge     schema.EdgeRecord // AddEdge, UpdateEdge
	ID       string            // MoveNode
	Position schema.Position   // MoveNode
	IDs      []string          // RemoveNodes, RemoveEdges
	Changes  []Change          // Batch
}

// AddNode adds a node. An empty id is replaced by a generated "node-<ulid>" id.
func AddNode(n schema.NodeRecord) Change { return Change{Kind: ChangeAddNode, Node: n} }

// MoveNode sets the position of a node.
func MoveNode(id string, pos schema.Position) Change {
	return Change{Kind: ChangeMoveNode, ID: id, Position: pos}
}

// UpdateNode overwrites the attributes of a node that differ from n.
func UpdateNode(n schema.NodeRecord) Change { return Change{Kind: ChangeUpdateNode, Node: n} }

// RemoveNodes deletes nodes and every edge touching them.
func RemoveNodes(ids ...string) Change { return Change{Kind: ChangeRemoveNodes, IDs: ids} }

// AddEdge adds an edge. An empty id defaults to "e-<source>-<target>".
func AddEdge(e schema.EdgeRecord) Change { return Change{Kind: ChangeAddEdge, Edge: e} }

// UpdateEdge overwrites the attributes of an edge that differ from e.
func UpdateEdge(e schema.EdgeRecord) Change { return Change{Kind: ChangeUpdateEdge, Edge: e} }

// RemoveEdges deletes edges.
func RemoveEdges(ids ...string) Change { return Change{Kind: ChangeRemoveEdges, IDs: ids} }

// Batch applies several changes as one transaction and one undo step.
func Batch(changes ...Change) Change { return Change{Kind: ChangeBatch, Changes: changes} }

// Apply applies a user change to the local document synchronously and queues
// the resulting delta for the relay. It returns once the local view reflects
// the change, without waiting for the network. An invalid change leaves the
// document untouched.
func (s *Session) Apply(c Change) error {
	err := s.update(func() error {
		if err := s.normalize(&c, newOverlay(s.doc)); err != nil {
			return err
		}
		if !s.settled {
			s.organic = true
		}
		s.doc.Transact(OriginLocal, func(tx *crdt.Txn) { s.apply(tx, c) })
		return nil
	})
	if err == nil {
		s.flushSoon()
	}
	return err
}

// AddNode adds n and returns its id.
func (s *Session) AddNode(n schema.NodeRecord) (string, error) {
	if n.ID == "" {
		n.ID = s.newNodeID()
	}
	return n.ID, s.Apply(AddNode(n))
}

// overlay answers whether a record exists as if the changes validated so far
// had been applied, without copying the document's record set.
type overlay struct {
	doc   *crdt.Doc
	nodes map[string]bool
	edges map[string]bool
}

func newOverlay(doc *crdt.Doc) *overlay {
	return &overlay{doc: doc, nodes: make(map[string]bool), edges: make(map[string]bool)}
}

func (o *overlay) has(seq crdt.Seq, id string) bool {
	m := o.nodes
	if seq == crdt.SeqEdges {
		m = o.edges
	}
	if live, ok := m[id]; ok {
		return live
	}
	_, ok := o.doc.Lookup(seq, id)
	return ok
}

func (o *overlay) set(seq crdt.Seq, id string, live bool) {
	if seq == crdt.SeqEdges {
		o.edges[id] = live
		return
	}
	o.nodes[id] = live
}

// normalize fills in defaults and validates c against live, updating live as
// if c had been applied.
func (s *Session) normalize(c *Change, live *overlay) error {
	switch c.Kind {
	case ChangeAddNode:
		if c.Node.ID == "" {
			c.Node.ID = s.newNodeID()
		}
		if c.Node.Type == "" {
			c.Node.Type = schema.DefaultNodeType
		}
		if live.has(crdt.SeqNodes, c.Node.ID) {
			return schema.NewErrorf(schema.ErrCodeConflict, "node %q already exists", c.Node.ID)
		}
		live.set(crdt.SeqNodes, c.Node.ID, true)
	case ChangeMoveNode:
		if !live.has(crdt.SeqNodes, c.ID) {
			return nodeNotFound(c.ID)
		}
	case ChangeUpdateNode:
		if !live.has(crdt.SeqNodes, c.Node.ID) {
			return nodeNotFound(c.Node.ID)
		}
	case ChangeRemoveNodes:
		for _, id := range c.IDs {
			if !live.has(crdt.SeqNodes, id) {
				return nodeNotFound(id)
			}
			live.set(crdt.SeqNodes, id, false)
		}
	case ChangeAddEdge:
		if c.Edge.Source == "" || c.Edge.Target == "" {
			return schema.NewError(schema.ErrCodeValidation, "edge needs a source and a target")
		}
		if c.Edge.ID == "" {
			c.Edge.ID = schema.EdgeID(c.Edge.Source, c.Edge.Target)
		}
		if c.Edge.Type == "" {
			c.Edge.Type = schema.DefaultEdgeType
		}
		if live.has(crdt.SeqEdges, c.Edge.ID) {
			return schema.NewErrorf(schema.ErrCodeConflict, "edge %q already exists", c.Edge.ID)
		}
		live.set(crdt.SeqEdges, c.Edge.ID, true)
	case ChangeUpdateEdge:
		if !live.has(crdt.SeqEdges, c.Edge.ID) {
			return edgeNotFound(c.Edge.ID)
		}
	case ChangeRemoveEdges:
		for _, id := range c.IDs {
			if !live.has(crdt.SeqEdges, id) {
				return edgeNotFound(id)
			}
			live.set(crdt.SeqEdges, id, false)
		}
	case ChangeBatch:
		for i := range c.Changes {
			if err := s.normalize(&c.Changes[i], live); err != nil {
				return err
			}
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown change kind %d", c.Kind)
	}
	return nil
}

func nodeNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id)
}

func edgeNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "edge %q not found", id)
}

// apply writes a normalized change. Must hold s.mu.
func (s *Session) apply(tx *crdt.Txn, c Change) {
	switch c.Kind {
	case ChangeAddNode:
		tx.Append(crdt.SeqNodes, c.Node.ID, crdt.NodeFields(c.Node))
	case ChangeMoveNode:
		if r, ok := s.doc.Record(crdt.SeqNodes, c.ID); ok {
			pos, _ := json.Marshal(c.Position)
			tx.Set(crdt.SeqNodes, r.Item, crdt.FieldPosition, pos)
		}
	case ChangeUpdateNode:
		if r, ok := s.doc.Record(crdt.SeqNodes, c.Node.ID); ok {
			cur := crdt.NodeFromFields(r.ID, r.Fields)
			for _, f := range crdt.ChangedFields(crdt.NodeFields(cur), crdt.NodeFields(c.Node)) {
				tx.Set(crdt.SeqNodes, r.Item, f.Name, f.Value)
			}
		}
	case ChangeRemoveNodes:
		removed := make(map[string]bool, len(c.IDs))
		for _, id := range c.IDs {
			s.deleteRecord(tx, crdt.SeqNodes, id)
			removed[id] = true
		}
		for {
			var incident []string
			for _, r := range s.doc.Records(crdt.SeqEdges) {
				e := crdt.EdgeFromFields(r.ID, r.Fields)
				if removed[e.Source] || removed[e.Target] {
					incident = append(incident, r.ID)
				}
			}
			if len(incident) == 0 {
				break
			}
			for _, id := range incident {
				s.deleteRecord(tx, crdt.SeqEdges, id)
			}
		}
	case ChangeAddEdge:
		tx.Append(crdt.SeqEdges, c.Edge.ID, crdt.EdgeFields(c.Edge))
	case ChangeUpdateEdge:
		if r, ok := s.doc.Record(crdt.SeqEdges, c.Edge.ID); ok {
			cur := crdt.EdgeFromFields(r.ID, r.Fields)
			for _, f := range crdt.ChangedFields(crdt.EdgeFields(cur), crdt.EdgeFields(c.Edge)) {
				tx.Set(crdt.SeqEdges, r.Item, f.Name, f.Value)
			}
		}
	case ChangeRemoveEdges:
		for _, id := range c.IDs {
			s.deleteRecord(tx, crdt.SeqEdges, id)
		}
	case ChangeBatch:
		for _, sub := range c.Changes {
			s.apply(tx, sub)
		}
	}
}

// deleteRecord deletes every live copy of a record id, so a duplicate hidden
// behind the deleted one does not surface.
func (s *Session) deleteRecord(tx *crdt.Txn, seq crdt.Seq, id string) {
	for {
		item, ok := s.doc.Lookup(seq, id)
		if !ok || !tx.Delete(seq, item) {
			return
		}
	}
}

// PruneDanglingEdges deletes every edge whose source or target node does not
// exist and returns how many were removed. The cleanup is replicated but is
// not an undoable user edit.
func (s *Session) PruneDanglingEdges() int {
	var n int
	_ = s.update(func() error {
		nodes := make(map[string]bool)
		for _, r := range s.doc.Records(crdt.SeqNodes) {
			nodes[r.ID] = true
		}
		s.doc.Transact(OriginMaintenance, func(tx *crdt.Txn) {
			for {
				removed := 0
				for _, r := range s.doc.Records(crdt.SeqEdges) {
					e := crdt.EdgeFromFields(r.ID, r.Fields)
					if (!nodes[e.Source] || !nodes[e.Target]) && tx.Delete(crdt.SeqEdges, r.Item) {
						removed++
					}
				}
				if removed == 0 {
					return
				}
				n += removed
			}
		})
		return nil
	})
	if n > 0 {
		s.flushSoon()
	}
	return n
}
