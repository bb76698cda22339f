package crdt

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/pkg/schema"
)

const originLocal = "local"

func node(id string, x, y float64) schema.NodeRecord {
	return schema.NodeRecord{
		ID:       id,
		Type:     schema.DefaultNodeType,
		Position: schema.Position{X: x, Y: y},
		Data:     schema.NodeData{Label: id, Kind: schema.NodeKindResponse},
	}
}

func edge(src, tgt string) schema.EdgeRecord {
	return schema.EdgeRecord{ID: schema.EdgeID(src, tgt), Source: src, Target: tgt, Type: schema.DefaultEdgeType}
}

func replica(t *testing.T, client ClientID, base Delta) *Doc {
	t.Helper()
	d := NewDoc(client)
	if !base.Empty() {
		_, err := d.Merge(base, "remote")
		require.NoError(t, err)
	}
	return d
}

func move(t *testing.T, d *Doc, id string, x, y float64) Delta {
	t.Helper()
	item, ok := d.Lookup(SeqNodes, id)
	require.True(t, ok, "node %s not visible", id)
	return d.Transact(originLocal, func(tx *Txn) {
		tx.Set(SeqNodes, item, FieldPosition, mustJSON(schema.Position{X: x, Y: y}))
	})
}

func nodeIDs(s schema.Snapshot) []string {
	ids := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// baseDoc seeds two nodes joined by an edge.
func baseDoc() (*Doc, Delta) {
	d := NewDoc(1)
	delta := d.Transact(originLocal, func(tx *Txn) {
		Seed(tx, schema.Snapshot{
			Nodes: []schema.NodeRecord{node("n1", 0, 0), node("n2", 100, 0)},
			Edges: []schema.EdgeRecord{edge("n1", "n2")},
		})
	})
	return d, delta
}

func TestTransact_ProjectsLocalChanges(t *testing.T) {
	d, delta := baseDoc()

	assert.Len(t, delta.Ops, 3)
	assert.False(t, d.Empty())
	assert.Equal(t, uint64(3), d.LocalClock())

	snap := d.Snapshot()
	assert.Equal(t, []string{"n1", "n2"}, nodeIDs(snap))
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "n1", snap.Edges[0].Source)
	assert.Equal(t, "n2", snap.Edges[0].Target)

	move(t, d, "n2", 5, 6)
	n2, ok := d.Snapshot().Node("n2")
	require.True(t, ok)
	assert.Equal(t, schema.Position{X: 5, Y: 6}, n2.Position)
	assert.Equal(t, "n2", n2.Data.Label)
}

func TestMerge_ConvergesInAnyOrder(t *testing.T) {
	_, base := baseDoc()

	a := replica(t, 2, base)
	b := replica(t, 3, base)
	c := replica(t, 4, base)

	dA := move(t, a, "n1", 10, 10)
	dA = dA.Append(a.Transact(originLocal, func(tx *Txn) {
		tx.Append(SeqNodes, "a", NodeFields(node("a", 1, 1)))
	}))

	dB := move(t, b, "n1", 20, 20)
	dB = dB.Append(b.Transact(originLocal, func(tx *Txn) {
		n2, _ := b.Lookup(SeqNodes, "n2")
		tx.Delete(SeqNodes, n2)
		tx.Append(SeqNodes, "b", NodeFields(node("b", 2, 2)))
	}))

	dC := c.Transact(originLocal, func(tx *Txn) {
		n2, _ := c.Lookup(SeqNodes, "n2")
		tx.Set(SeqNodes, n2, FieldLabel, mustJSON("renamed"))
		tx.Append(SeqNodes, "c", NodeFields(node("c", 3, 3)))
	})

	deltas := []Delta{dA, dB, dC}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var want schema.Snapshot
	for i, order := range orders {
		r := replica(t, ClientID(100+i), base)
		for _, idx := range order {
			_, err := r.Merge(deltas[idx], "remote")
			require.NoError(t, err)
		}
		// duplicates are harmless
		res, err := r.Merge(deltas[order[0]], "remote")
		require.NoError(t, err)
		assert.Zero(t, res.Applied)

		got := r.Snapshot()
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v diverged", order)
	}

	assert.Equal(t, []string{"n1", "b", "c", "a"}, nodeIDs(want))
	n1, _ := want.Node("n1")
	assert.Equal(t, schema.Position{X: 20, Y: 20}, n1.Position, "higher client wins the lamport tie")
	require.Len(t, want.Edges, 1, "edge to a deleted node stays until removed")
	assert.Equal(t, "n2", want.Edges[0].Target)

	for _, r := range []*Doc{a, b, c} {
		for _, d := range deltas {
			_, err := r.Merge(d, "remote")
			require.NoError(t, err)
		}
		assert.Equal(t, want, r.Snapshot())
		assert.Equal(t, a.StateVector(), r.StateVector())
	}
}

func TestMerge_Idempotent(t *testing.T) {
	src, delta := baseDoc()
	move(t, src, "n1", 7, 7)
	full := src.DiffSince(nil)

	d := NewDoc(9)
	res, err := d.Merge(full, "remote")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Applied)
	assert.ElementsMatch(t, []RecordRef{
		{Seq: SeqNodes, ID: "n1"}, {Seq: SeqNodes, ID: "n2"}, {Seq: SeqEdges, ID: "e-n1-n2"},
	}, res.Affected)

	snap := d.Snapshot()
	res, err = d.Merge(full, "remote")
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	res, err = d.Merge(delta, "remote")
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, snap, d.Snapshot())
}

func TestMerge_ReorderedOpsInsideDelta(t *testing.T) {
	src, _ := baseDoc()
	move(t, src, "n2", 1, 2)
	full := src.DiffSince(nil)

	reversed := make([]Op, len(full.Ops))
	for i, op := range full.Ops {
		reversed[len(full.Ops)-1-i] = op
	}

	d := NewDoc(9)
	_, err := d.Merge(Delta{Ops: reversed}, "remote")
	require.NoError(t, err)
	assert.Equal(t, src.Snapshot(), d.Snapshot())
}

func TestMerge_RejectsCausalGapAtomically(t *testing.T) {
	src, _ := baseDoc()
	move(t, src, "n1", 3, 3)
	full := src.DiffSince(nil)

	d := NewDoc(9)
	_, err := d.Merge(Delta{Ops: full.Ops[1:]}, "remote")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCausalGap))
	assert.True(t, d.Empty())
	assert.Empty(t, d.StateVector())

	// A write from another client against an item this replica never saw.
	other := replica(t, 5, full)
	dep := move(t, other, "n2", 8, 8)
	_, err = d.Merge(dep, "remote")
	assert.True(t, schema.HasCode(err, schema.ErrCodeCausalGap))

	_, err = d.Merge(full, "remote")
	require.NoError(t, err)
	_, err = d.Merge(dep, "remote")
	require.NoError(t, err)
	n2, _ := d.Snapshot().Node("n2")
	assert.Equal(t, schema.Position{X: 8, Y: 8}, n2.Position)
}

func TestMerge_RejectsMalformedOps(t *testing.T) {
	d := NewDoc(9)
	_, err := d.Merge(Delta{Ops: []Op{{Kind: OpSet, Seq: SeqNodes, ID: ID{Client: 2, Clock: 1}}}}, "remote")
	assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedDelta))

	_, err = d.Merge(Delta{Ops: []Op{{Kind: OpInsert, Seq: 7, ID: ID{Client: 2, Clock: 1}}}}, "remote")
	assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedDelta))
}

func TestDiffSince_ReturnsOnlyUnseenOps(t *testing.T) {
	src, base := baseDoc()
	d := replica(t, 2, base)
	sv := d.StateVector()

	assert.True(t, src.DiffSince(sv).Empty())

	move(t, src, "n1", 1, 1)
	diff := src.DiffSince(sv)
	require.Len(t, diff.Ops, 1)
	assert.Equal(t, OpSet, diff.Ops[0].Kind)
	assert.Equal(t, uint64(4), diff.MaxClock(1))

	assert.Len(t, src.LocalSince(2).Ops, 2)
	assert.True(t, src.LocalSince(4).Empty())
}

func TestDanglingWriteOnTombstone(t *testing.T) {
	_, base := baseDoc()
	a := replica(t, 2, base)
	b := replica(t, 3, base)

	del := a.Transact(originLocal, func(tx *Txn) {
		n1, _ := a.Lookup(SeqNodes, "n1")
		tx.Delete(SeqNodes, n1)
	})
	item, _ := b.Lookup(SeqNodes, "n1")
	set := b.Transact(originLocal, func(tx *Txn) {
		tx.Set(SeqNodes, item, FieldLabel, mustJSON("late"))
	})

	_, err := a.Merge(set, "remote")
	require.NoError(t, err)
	_, err = b.Merge(del, "remote")
	require.NoError(t, err)

	for _, d := range []*Doc{a, b} {
		_, ok := d.Snapshot().Node("n1")
		assert.False(t, ok)
		assert.True(t, d.Deleted(SeqNodes, item))
		reg, ok := d.Field(SeqNodes, item, FieldLabel)
		require.True(t, ok)
		assert.JSONEq(t, `"late"`, string(reg.Value))
	}

	var revived ID
	a.Transact(originLocal, func(tx *Txn) {
		var ok bool
		revived, ok = tx.Resurrect(SeqNodes, item)
		require.True(t, ok)
	})
	assert.NotEqual(t, item, revived)
	n1, ok := a.Snapshot().Node("n1")
	require.True(t, ok, "resurrected record keeps its id")
	assert.Equal(t, "late", n1.Data.Label)
	assert.Equal(t, []string{"n1", "n2"}, nodeIDs(a.Snapshot()))
}

func TestDuplicateRecordIDs_FirstInOrderWins(t *testing.T) {
	a := NewDoc(2)
	b := NewDoc(3)
	dA := a.Transact("bootstrap", func(tx *Txn) { Seed(tx, schema.Snapshot{Nodes: []schema.NodeRecord{node("n1", 1, 1)}}) })
	dB := b.Transact("bootstrap", func(tx *Txn) { Seed(tx, schema.Snapshot{Nodes: []schema.NodeRecord{node("n1", 2, 2)}}) })

	_, err := a.Merge(dB, "remote")
	require.NoError(t, err)
	_, err = b.Merge(dA, "remote")
	require.NoError(t, err)

	snapA, snapB := a.Snapshot(), b.Snapshot()
	require.Len(t, snapA.Nodes, 1)
	assert.Equal(t, snapA, snapB)
	assert.Equal(t, schema.Position{X: 2, Y: 2}, snapA.Nodes[0].Position, "higher stamp sorts first")
	assert.Len(t, a.Shadowed(SeqNodes), 1)

	// Removing the visible copy reveals the shadowed one.
	a.Transact(originLocal, func(tx *Txn) {
		id, _ := a.Lookup(SeqNodes, "n1")
		tx.Delete(SeqNodes, id)
	})
	n1, ok := a.Snapshot().Node("n1")
	require.True(t, ok)
	assert.Equal(t, schema.Position{X: 1, Y: 1}, n1.Position)
}

func TestObserve_OneEventPerTransaction(t *testing.T) {
	d := NewDoc(1)
	var events []*TxnEvent
	cancel := d.Observe(func(ev *TxnEvent) { events = append(events, ev) })

	d.Transact(originLocal, func(tx *Txn) {
		tx.Append(SeqNodes, "n1", NodeFields(node("n1", 0, 0)))
		tx.Append(SeqNodes, "n2", NodeFields(node("n2", 0, 0)))
	})
	d.Transact(originLocal, func(*Txn) {})

	require.Len(t, events, 1)
	assert.True(t, events[0].Local)
	assert.Equal(t, originLocal, events[0].Origin)
	assert.Len(t, events[0].Changes, 2)
	assert.Equal(t, []RecordRef{{Seq: SeqNodes, ID: "n1"}, {Seq: SeqNodes, ID: "n2"}}, events[0].Affected)

	item, _ := d.Lookup(SeqNodes, "n1")
	d.Transact(originLocal, func(tx *Txn) {
		tx.Set(SeqNodes, item, FieldLabel, json.RawMessage(`"x"`))
	})
	require.Len(t, events, 2)
	prev := events[1].Changes[0].Prev
	require.NotNil(t, prev)
	assert.JSONEq(t, `"n1"`, string(prev.Value))

	cancel()
	d.Transact(originLocal, func(tx *Txn) { tx.Delete(SeqNodes, item) })
	assert.Len(t, events, 2)
}

func TestTransact_Nested(t *testing.T) {
	d := NewDoc(1)
	count := 0
	d.Observe(func(*TxnEvent) { count++ })

	outer := d.Transact(originLocal, func(tx *Txn) {
		tx.Append(SeqNodes, "n1", nil)
		inner := d.Transact("ignored", func(tx *Txn) {
			tx.Append(SeqNodes, "n2", nil)
		})
		assert.Len(t, inner.Ops, 1)
	})
	assert.Len(t, outer.Ops, 2)
	assert.Equal(t, 1, count)
}

func TestMerge_AffectedListsOnlyVisibleChanges(t *testing.T) {
	_, base := baseDoc()
	a := replica(t, 2, base)
	b := replica(t, 3, base)

	older := move(t, a, "n1", 5, 5)
	move(t, b, "n1", 9, 9)
	move(t, b, "n1", 10, 10)

	before := b.Snapshot()
	res, err := b.Merge(older, "remote")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Affected, "a losing write changes nothing")
	assert.Equal(t, before, b.Snapshot())

	// Both replicas delete n2; the second delete to arrive is a no-op.
	delA := a.Transact(originLocal, func(tx *Txn) {
		id, _ := a.Lookup(SeqNodes, "n2")
		tx.Delete(SeqNodes, id)
	})
	b.Transact(originLocal, func(tx *Txn) {
		id, _ := b.Lookup(SeqNodes, "n2")
		tx.Delete(SeqNodes, id)
	})
	var events []*TxnEvent
	b.Observe(func(ev *TxnEvent) { events = append(events, ev) })
	res, err = b.Merge(delA, "remote")
	require.NoError(t, err)
	assert.Empty(t, res.Affected)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Changes, 1, "observers still see every applied op")
}

func TestAppend_TracksTailWithoutRelinearizing(t *testing.T) {
	d := NewDoc(1)
	for i := range 500 {
		id := fmt.Sprintf("n%d", i)
		d.Transact(originLocal, func(tx *Txn) { tx.Append(SeqNodes, id, nil) })
		_, ok := d.Lookup(SeqNodes, id)
		require.True(t, ok)
	}
	assert.Nil(t, d.seqs[SeqNodes].order, "appends and lookups never walk the whole sequence")
	assert.False(t, d.Empty())

	ids := nodeIDs(d.Snapshot())
	require.Len(t, ids, 500)
	assert.Equal(t, "n0", ids[0])
	assert.Equal(t, "n499", ids[499])
}

func TestAppend_TailFollowsConcurrentInserts(t *testing.T) {
	_, base := baseDoc()
	a := replica(t, 2, base)
	b := replica(t, 3, base)

	// b inserts in the middle and at the end; a keeps appending.
	n1, _ := b.Lookup(SeqNodes, "n1")
	fromB := b.Transact(originLocal, func(tx *Txn) {
		tx.Insert(SeqNodes, n1, "mid", nil)
		tx.Append(SeqNodes, "b-end", nil)
	})
	fromA := a.Transact(originLocal, func(tx *Txn) { tx.Append(SeqNodes, "a-end", nil) })

	for _, r := range []struct {
		doc   *Doc
		delta Delta
	}{{a, fromB}, {b, fromA}} {
		_, err := r.doc.Merge(r.delta, "remote")
		require.NoError(t, err)
	}
	assert.Equal(t, nodeIDs(a.Snapshot()), nodeIDs(b.Snapshot()))

	for _, d := range []*Doc{a, b} {
		s := d.seqs[SeqNodes]
		order := s.linearize()
		assert.Equal(t, order[len(order)-1].id, s.last())

		d.Transact(originLocal, func(tx *Txn) { tx.Append(SeqNodes, "tail", nil) })
		ids := nodeIDs(d.Snapshot())
		assert.Equal(t, "tail", ids[len(ids)-1])
	}
}

func BenchmarkAppend(b *testing.B) {
	d := NewDoc(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("n%d", i)
		d.Transact(originLocal, func(tx *Txn) { tx.Append(SeqNodes, id, nil) })
	}
}
