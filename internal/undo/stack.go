package undo

import (
	"encoding/json"

	"github.com/rendis/flowsync/internal/crdt"
)

var nullJSON = json.RawMessage("null")

type entry struct {
	kind  crdt.OpKind
	seq   crdt.Seq
	item  crdt.ID
	field string
	prev  *crdt.Register
	// stamp is the latest write this item made to the field.
	stamp crdt.Stamp
}

type fieldKey struct {
	seq   crdt.Seq
	item  crdt.ID
	field string
}

// StackItem is one undoable step: the local changes captured inside one capture
// window, in the order they were applied.
type StackItem struct {
	entries  []entry
	inserted map[itemKey]struct{}
	fields   map[fieldKey]int // index into entries
}

func newStackItem() *StackItem {
	return &StackItem{
		inserted: make(map[itemKey]struct{}),
		fields:   make(map[fieldKey]int),
	}
}

func (s *StackItem) empty() bool { return len(s.entries) == 0 }

// Len returns the number of captured entries.
func (s *StackItem) Len() int { return len(s.entries) }

// capture records the changes of one transaction.
//
// Writes to items created inside the same stack item are dropped: reverting the
// insert hides them, and the tombstone keeps their latest values for a redo.
// Repeated writes to one field keep the value from before the first write and
// the stamp of the last one.
func (s *StackItem) capture(changes []crdt.Change) {
	for _, c := range changes {
		op := c.Op
		switch op.Kind {
		case crdt.OpInsert:
			s.inserted[itemKey{seq: op.Seq, id: op.ID}] = struct{}{}
			s.entries = append(s.entries, entry{kind: op.Kind, seq: op.Seq, item: op.ID})
		case crdt.OpDelete:
			s.entries = append(s.entries, entry{kind: op.Kind, seq: op.Seq, item: op.Ref})
		case crdt.OpSet:
			if _, ok := s.inserted[itemKey{seq: op.Seq, id: op.Ref}]; ok {
				continue
			}
			f := op.Fields[0]
			key := fieldKey{seq: op.Seq, item: op.Ref, field: f.Name}
			if i, ok := s.fields[key]; ok {
				s.entries[i].stamp = op.Stamp()
				continue
			}
			s.fields[key] = len(s.entries)
			s.entries = append(s.entries, entry{
				kind: op.Kind, seq: op.Seq, item: op.Ref, field: f.Name,
				prev: c.Prev, stamp: op.Stamp(),
			})
		}
	}
}
