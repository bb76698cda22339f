package crdt

import (
	"encoding/json"
	"sort"

	"github.com/rendis/flowsync/pkg/schema"
)

// Doc is one replica of a diagram document: two RGA sequences of records whose
// fields are last-writer-wins registers, plus the per-client operation log.
//
// A Doc is not safe for concurrent use. Callers serialize access.
type Doc struct {
	client  ClientID
	clock   uint64
	lamport uint64

	seqs [2]*sequence
	log  map[ClientID][]Op

	txn       *Txn
	observers []observer
	obsSeq    uint64
}

type observer struct {
	id uint64
	fn func(*TxnEvent)
}

// NewDoc creates an empty document owned by client.
func NewDoc(client ClientID) *Doc {
	return &Doc{
		client: client,
		seqs:   [2]*sequence{newSequence(), newSequence()},
		log:    make(map[ClientID][]Op),
	}
}

// ClientID returns the id of the local replica.
func (d *Doc) ClientID() ClientID { return d.client }

// LocalClock returns the clock of the last op produced locally.
func (d *Doc) LocalClock() uint64 { return d.clock }

// Observe registers fn to receive every transaction event. The returned function
// removes the observer.
func (d *Doc) Observe(fn func(*TxnEvent)) func() {
	d.obsSeq++
	id := d.obsSeq
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		for i, o := range d.observers {
			if o.id == id {
				d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) emit(ev *TxnEvent) {
	obs := append([]observer(nil), d.observers...)
	for _, o := range obs {
		o.fn(ev)
	}
}

// StateVector returns the highest contiguous clock applied per client.
func (d *Doc) StateVector() StateVector {
	sv := make(StateVector, len(d.log))
	for c, ops := range d.log {
		sv[c] = uint64(len(ops))
	}
	return sv
}

// DiffSince returns every op the holder of sv has not seen, grouped by client in
// ascending client order and in clock order within a client.
func (d *Doc) DiffSince(sv StateVector) Delta {
	var ops []Op
	for _, c := range d.StateVector().clients() {
		have := sv[c]
		log := d.log[c]
		if have >= uint64(len(log)) {
			continue
		}
		ops = append(ops, log[have:]...)
	}
	return Delta{Ops: ops}
}

// LocalSince returns the ops produced by this replica with clock > clock.
func (d *Doc) LocalSince(clock uint64) Delta {
	log := d.log[d.client]
	if clock >= uint64(len(log)) {
		return Delta{}
	}
	return Delta{Ops: append([]Op(nil), log[clock:]...)}
}

// Empty reports whether the document has no live records.
func (d *Doc) Empty() bool {
	return d.seqs[SeqNodes].records() == 0 && d.seqs[SeqEdges].records() == 0
}

// Transact runs fn as one local transaction tagged with origin. All ops created by
// fn are applied immediately, appended to the log and emitted to observers as a
// single event. The returned delta holds those ops. Nested calls join the outer
// transaction.
func (d *Doc) Transact(origin any, fn func(*Txn)) Delta {
	if d.txn != nil {
		start := len(d.txn.ops)
		fn(d.txn)
		return Delta{Ops: append([]Op(nil), d.txn.ops[start:]...)}
	}
	t := &Txn{doc: d, origin: origin, seen: make(map[RecordRef]struct{})}
	d.txn = t
	fn(t)
	d.txn = nil
	if len(t.ops) == 0 {
		return Delta{}
	}
	delta := Delta{Ops: t.ops}
	d.emit(&TxnEvent{
		Origin:   origin,
		Local:    true,
		Delta:    delta,
		Changes:  t.changes,
		Affected: t.affected,
	})
	return delta
}

// MergeResult reports the outcome of a remote merge.
type MergeResult struct {
	Applied  int
	Affected []RecordRef
}

// Merge integrates a remote delta. Ops already seen are skipped, so merging the same
// delta twice is a no-op. Ops may arrive in any order inside the delta; they are
// applied once their per-client predecessor and the item they reference are known.
// If any op cannot be placed the whole delta is rejected and the document is left
// unchanged.
func (d *Doc) Merge(delta Delta, origin any) (MergeResult, error) {
	plan, err := d.plan(delta)
	if err != nil {
		return MergeResult{}, err
	}
	if len(plan) == 0 {
		return MergeResult{}, nil
	}

	t := &Txn{doc: d, origin: origin, seen: make(map[RecordRef]struct{})}
	for _, op := range plan {
		if op.Lamport > d.lamport {
			d.lamport = op.Lamport
		}
		t.integrate(op)
	}
	d.emit(&TxnEvent{
		Origin:   origin,
		Delta:    Delta{Ops: plan},
		Changes:  t.changes,
		Affected: t.affected,
	})
	return MergeResult{Applied: len(plan), Affected: t.affected}, nil
}

// plan validates a delta without touching the document and returns the new ops in
// an order in which each one's dependencies precede it.
func (d *Doc) plan(delta Delta) ([]Op, error) {
	sv := d.StateVector()
	var pending []Op
	for _, op := range delta.Ops {
		if err := checkOp(op); err != nil {
			return nil, err
		}
		if op.ID.Clock <= sv[op.ID.Client] {
			continue
		}
		pending = append(pending, op)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].ID.Client != pending[j].ID.Client {
			return pending[i].ID.Client < pending[j].ID.Client
		}
		return pending[i].ID.Clock < pending[j].ID.Clock
	})

	virt := sv.Clone()
	created := make(map[Seq]map[ID]bool)
	known := func(seq Seq, id ID) bool {
		return d.seqs[seq].has(id) || created[seq][id]
	}

	plan := make([]Op, 0, len(pending))
	for len(pending) > 0 {
		progress := false
		rest := pending[:0]
		for _, op := range pending {
			have := virt[op.ID.Client]
			switch {
			case op.ID.Clock <= have:
				progress = true
				continue
			case op.ID.Clock != have+1:
				rest = append(rest, op)
				continue
			}
			dep := op.Ref
			if !(op.Kind == OpInsert && dep.IsZero()) && !known(op.Seq, dep) {
				rest = append(rest, op)
				continue
			}
			virt[op.ID.Client] = op.ID.Clock
			if op.Kind == OpInsert {
				if created[op.Seq] == nil {
					created[op.Seq] = make(map[ID]bool)
				}
				created[op.Seq][op.ID] = true
			}
			plan = append(plan, op)
			progress = true
		}
		pending = rest
		if !progress {
			first := pending[0]
			return nil, schema.NewErrorf(schema.ErrCodeCausalGap,
				"delta references unknown history: op %s (%s on %s) needs clock %d of client %d and item %s",
				first.ID, first.Kind, first.Seq, virt[first.ID.Client]+1, first.ID.Client, first.Ref).
				WithDetails(map[string]any{"pending": len(pending)})
		}
	}
	return plan, nil
}

func checkOp(op Op) error {
	if op.ID.Client == 0 || op.ID.Clock == 0 {
		return schema.NewErrorf(schema.ErrCodeMalformedDelta, "op without id")
	}
	if !op.Seq.valid() {
		return schema.NewErrorf(schema.ErrCodeMalformedDelta, "op %s: unknown sequence %d", op.ID, op.Seq)
	}
	switch op.Kind {
	case OpInsert:
	case OpDelete:
		if op.Ref.IsZero() {
			return schema.NewErrorf(schema.ErrCodeMalformedDelta, "op %s: delete without target", op.ID)
		}
	case OpSet:
		if op.Ref.IsZero() || len(op.Fields) != 1 {
			return schema.NewErrorf(schema.ErrCodeMalformedDelta, "op %s: set needs a target and one field", op.ID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeMalformedDelta, "op %s: unknown kind %d", op.ID, op.Kind)
	}
	return nil
}

// Lookup returns the item id of the visible record with the given id.
func (d *Doc) Lookup(seq Seq, recordID string) (ID, bool) {
	it, ok := d.seqs[seq].lookup(recordID)
	if !ok {
		return ID{}, false
	}
	return it.id, true
}

// Deleted reports whether the item exists and is a tombstone.
func (d *Doc) Deleted(seq Seq, id ID) bool {
	it := d.seqs[seq].items[id]
	return it != nil && it.deleted
}

// Field returns the winning register of a field of any item, tombstones included.
func (d *Doc) Field(seq Seq, id ID, name string) (Register, bool) {
	it := d.seqs[seq].items[id]
	if it == nil {
		return Register{}, false
	}
	r, ok := it.fields[name]
	return r, ok
}

// Registers returns a copy of every field register of an item, tombstones included.
func (d *Doc) Registers(seq Seq, id ID) map[string]Register {
	it := d.seqs[seq].items[id]
	if it == nil {
		return nil
	}
	out := make(map[string]Register, len(it.fields))
	for k, r := range it.fields {
		out[k] = r
	}
	return out
}

// Record is the visible state of one record.
type Record struct {
	Item   ID
	ID     string
	Fields map[string]json.RawMessage
}

// Records returns the visible records of a sequence in order.
func (d *Doc) Records(seq Seq) []Record {
	live := d.seqs[seq].live()
	out := make([]Record, 0, len(live))
	for _, it := range live {
		out = append(out, recordOf(it))
	}
	return out
}

// Record returns the visible record with the given id.
func (d *Doc) Record(seq Seq, recordID string) (Record, bool) {
	it, ok := d.seqs[seq].lookup(recordID)
	if !ok {
		return Record{}, false
	}
	return recordOf(it), true
}

func recordOf(it *item) Record {
	fields := make(map[string]json.RawMessage, len(it.fields))
	for k, r := range it.fields {
		fields[k] = r.Value
	}
	return Record{Item: it.id, ID: it.recordID, Fields: fields}
}

// Shadowed returns live items hidden behind an earlier item with the same record id.
func (d *Doc) Shadowed(seq Seq) []ID {
	var out []ID
	for _, it := range d.seqs[seq].shadowed() {
		out = append(out, it.id)
	}
	return out
}
