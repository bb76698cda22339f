package crdt

import (
	"encoding/json"
	"sort"
)

// Txn is the handle passed to Doc.Transact. Every method creates one op, applies it
// and records it for the transaction's event.
type Txn struct {
	doc      *Doc
	origin   any
	ops      []Op
	changes  []Change
	affected []RecordRef
	seen     map[RecordRef]struct{}
}

// Origin returns the origin the transaction was started with.
func (t *Txn) Origin() any { return t.origin }

func (t *Txn) next(kind OpKind, seq Seq, ref ID) Op {
	d := t.doc
	d.clock++
	d.lamport++
	return Op{
		Kind:    kind,
		Seq:     seq,
		ID:      ID{Client: d.client, Clock: d.clock},
		Lamport: d.lamport,
		Ref:     ref,
	}
}

// Insert creates a record after the item after (zero for the head) and returns
// the new item id.
func (t *Txn) Insert(seq Seq, after ID, recordID string, fields []Field) ID {
	if !after.IsZero() && !t.doc.seqs[seq].has(after) {
		after = ID{}
	}
	op := t.next(OpInsert, seq, after)
	op.RecordID = recordID
	op.Fields = fields
	t.commit(op)
	return op.ID
}

// Append creates a record at the end of the sequence.
func (t *Txn) Append(seq Seq, recordID string, fields []Field) ID {
	return t.Insert(seq, t.doc.seqs[seq].last(), recordID, fields)
}

// Delete tombstones an item. It returns false if the item is unknown or already deleted.
func (t *Txn) Delete(seq Seq, target ID) bool {
	it := t.doc.seqs[seq].items[target]
	if it == nil || it.deleted {
		return false
	}
	t.commit(t.next(OpDelete, seq, target))
	return true
}

// Set writes one field of an item. Writes to tombstones are kept but stay invisible.
func (t *Txn) Set(seq Seq, target ID, name string, value json.RawMessage) bool {
	if !t.doc.seqs[seq].has(target) {
		return false
	}
	op := t.next(OpSet, seq, target)
	op.Fields = []Field{{Name: name, Value: value}}
	t.commit(op)
	return true
}

// Resurrect re-inserts a deleted record right after its tombstone, with the same
// record id and the tombstone's current field values. The new item id is returned.
func (t *Txn) Resurrect(seq Seq, tombstone ID) (ID, bool) {
	it := t.doc.seqs[seq].items[tombstone]
	if it == nil || !it.deleted {
		return ID{}, false
	}
	fields := make([]Field, 0, len(it.fields))
	for _, name := range sortedKeys(it.fields) {
		fields = append(fields, Field{Name: name, Value: it.fields[name].Value})
	}
	return t.Insert(seq, tombstone, it.recordID, fields), true
}

func (t *Txn) commit(op Op) {
	d := t.doc
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	t.ops = append(t.ops, op)
	t.apply(op)
}

// integrate applies a remote op and appends it to the log.
func (t *Txn) integrate(op Op) {
	d := t.doc
	d.log[op.ID.Client] = append(d.log[op.ID.Client], op)
	t.apply(op)
}

func (t *Txn) apply(op Op) {
	s := t.doc.seqs[op.Seq]
	st := op.Stamp()
	switch op.Kind {
	case OpInsert:
		it := &item{
			id:       op.ID,
			stamp:    st,
			origin:   op.Ref,
			recordID: op.RecordID,
			fields:   make(map[string]Register, len(op.Fields)),
		}
		for _, f := range op.Fields {
			it.fields[f.Name] = Register{Value: f.Value, Stamp: st}
		}
		s.insert(it)
		t.record(Change{Op: op, RecordID: op.RecordID}, true)
	case OpDelete:
		target := s.items[op.Ref]
		changed := s.tombstone(op.Ref)
		t.record(Change{Op: op, RecordID: target.recordID}, changed)
	case OpSet:
		target := s.items[op.Ref]
		f := op.Fields[0]
		prev, won := s.set(op.Ref, f.Name, f.Value, st)
		// a write to a tombstone is kept but changes nothing visible
		t.record(Change{Op: op, RecordID: target.recordID, Prev: prev}, won && !target.deleted)
	}
}

// record keeps every change for observers and lists the record as affected
// only when the op changed its visible state.
func (t *Txn) record(c Change, changed bool) {
	t.changes = append(t.changes, c)
	if !changed {
		return
	}
	ref := RecordRef{Seq: c.Op.Seq, ID: c.RecordID}
	if _, ok := t.seen[ref]; ok {
		return
	}
	t.seen[ref] = struct{}{}
	t.affected = append(t.affected, ref)
}

func sortedKeys(m map[string]Register) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
