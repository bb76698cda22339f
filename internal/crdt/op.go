package crdt

import (
	"encoding/json"
	"fmt"
)

// Seq selects one of the two ordered sequences of a diagram document.
type Seq uint8

const (
	SeqNodes Seq = iota
	SeqEdges
)

func (s Seq) String() string {
	switch s {
	case SeqNodes:
		return "nodes"
	case SeqEdges:
		return "edges"
	}
	return fmt.Sprintf("seq(%d)", uint8(s))
}

func (s Seq) valid() bool { return s == SeqNodes || s == SeqEdges }

// OpKind enumerates the operation types of the log.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpSet
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Field is a named field value. Values are JSON encoded.
type Field struct {
	Name  string
	Value json.RawMessage
}

// Op is one immutable entry of the operation log.
//
// Ref is the left origin for inserts (zero for the sequence head) and the target item
// for deletes and sets. Inserts carry the record id and the initial field values;
// sets carry exactly one field.
type Op struct {
	Kind     OpKind
	Seq      Seq
	ID       ID
	Lamport  uint64
	Ref      ID
	RecordID string
	Fields   []Field
}

// Stamp returns the LWW stamp of the op.
func (op Op) Stamp() Stamp {
	return Stamp{Lamport: op.Lamport, Client: op.ID.Client}
}

// Delta is an ordered batch of ops exchanged between replicas.
type Delta struct {
	Ops []Op
}

// Empty reports whether the delta carries no ops.
func (d Delta) Empty() bool { return len(d.Ops) == 0 }

// MaxClock returns the highest clock of client present in the delta.
func (d Delta) MaxClock(client ClientID) uint64 {
	var max uint64
	for _, op := range d.Ops {
		if op.ID.Client == client && op.ID.Clock > max {
			max = op.ID.Clock
		}
	}
	return max
}

// Append concatenates deltas.
func (d Delta) Append(o Delta) Delta {
	ops := make([]Op, 0, len(d.Ops)+len(o.Ops))
	ops = append(ops, d.Ops...)
	ops = append(ops, o.Ops...)
	return Delta{Ops: ops}
}

// RecordRef names a record (node or edge id) in one sequence.
type RecordRef struct {
	Seq Seq
	ID  string
}

// Register is the current value of one LWW field.
type Register struct {
	Value json.RawMessage
	Stamp Stamp
}

// Change describes one op applied to the document.
// For set ops Prev holds the winning register before the op, nil if the field was unset.
type Change struct {
	Op       Op
	RecordID string
	Prev     *Register
}

// TxnEvent is delivered to observers after every local transaction and every
// merge that applied at least one op.
type TxnEvent struct {
	Origin   any
	Local    bool
	Delta    Delta
	Changes  []Change
	Affected []RecordRef
}
