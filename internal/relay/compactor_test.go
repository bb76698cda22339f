package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/pkg/schema"
)

func seedLog(t *testing.T, st *store.LibSQLStore, diagramID string) *crdt.Doc {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateDiagram(ctx, &schema.Diagram{ID: diagramID, Name: diagramID}))

	a, b := crdt.NewDoc(1), crdt.NewDoc(2)
	appendDelta := func(client string, d crdt.Delta) {
		require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: diagramID, ClientID: client, Data: d.Encode()}))
	}
	d1 := addNode(a, "n1")
	appendDelta("a", d1)
	_, err := b.Merge(d1, nil)
	require.NoError(t, err)
	appendDelta("b", addNode(b, "n2"))
	appendDelta("a", a.Transact("user", func(tx *crdt.Txn) {
		id, _ := a.Lookup(crdt.SeqNodes, "n1")
		tx.Set(crdt.SeqNodes, id, crdt.FieldLabel, []byte(`"renamed"`))
	}))
	require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: diagramID, ClientID: "x", Data: []byte{0xff, 0xff}}))

	// Reference replica with every valid update.
	ref := crdt.NewDoc(3)
	ups, err := st.GetUpdates(ctx, diagramID, 0)
	require.NoError(t, err)
	for _, u := range ups {
		d, err := crdt.DecodeDelta(u.Data)
		if err != nil {
			continue
		}
		_, _ = ref.Merge(d, nil)
	}
	return ref
}

func TestCompactDiagram_FoldsLog(t *testing.T) {
	st := newTestStore(t)
	ref := seedLog(t, st, "d-1")
	c := NewCompactor(st, DefaultCompactorConfig(), NewMetrics(), logging.Discard())

	res, err := c.CompactDiagram(context.Background(), "d-1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, int64(4), res.UpTo)
	assert.False(t, res.Skipped)

	ups, err := st.GetUpdates(context.Background(), "d-1", 0)
	require.NoError(t, err)
	require.Len(t, ups, 1)
	assert.True(t, ups[0].Compacted)

	doc, upTo, rows, err := ReplayLog(context.Background(), st, "d-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), upTo)
	assert.Equal(t, 1, rows)
	assert.Equal(t, ref.Snapshot(), doc.Snapshot())
	node, ok := doc.Snapshot().Node("n1")
	require.True(t, ok)
	assert.Equal(t, "renamed", node.Data.Label)
}

func TestCompactDiagram_SkipsShortLogs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateDiagram(ctx, &schema.Diagram{ID: "d-1", Name: "short"}))
	require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: "d-1", Data: addNode(crdt.NewDoc(1), "n1").Encode()}))

	c := NewCompactor(st, DefaultCompactorConfig(), nil, logging.Discard())
	res, err := c.CompactDiagram(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestCompactDiagram_GapIsIntegrityError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateDiagram(ctx, &schema.Diagram{ID: "d-1", Name: "gap"}))

	doc := crdt.NewDoc(1)
	addNode(doc, "n1") // never logged
	second := addNode(doc, "n2")
	third := addNode(doc, "n3")
	require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: "d-1", Data: second.Encode()}))
	require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: "d-1", Data: third.Encode()}))

	c := NewCompactor(st, DefaultCompactorConfig(), nil, logging.Discard())
	_, err := c.CompactDiagram(ctx, "d-1")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeIntegrity))

	ups, err := st.GetUpdates(ctx, "d-1", 0)
	require.NoError(t, err)
	assert.Len(t, ups, 2, "log untouched")
}

func TestCompactor_RunCompactsEligibleDiagrams(t *testing.T) {
	st := newTestStore(t)
	seedLog(t, st, "d-1")
	seedLog(t, st, "d-2")

	cfg := DefaultCompactorConfig()
	cfg.MinRows = 3
	c := NewCompactor(st, cfg, nil, logging.Discard())
	require.NoError(t, c.Run(context.Background()))

	for _, id := range []string{"d-1", "d-2"} {
		ups, err := st.GetUpdates(context.Background(), id, 0)
		require.NoError(t, err)
		assert.Len(t, ups, 1, id)
	}
}

func TestCompactor_RunKeepsGoingPastFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLog(t, st, "d-ok")

	require.NoError(t, st.CreateDiagram(ctx, &schema.Diagram{ID: "d-gap", Name: "gap"}))
	doc := crdt.NewDoc(1)
	addNode(doc, "n1")
	for _, id := range []string{"n2", "n3", "n4"} {
		require.NoError(t, st.AppendUpdate(ctx, &store.Update{DiagramID: "d-gap", Data: addNode(doc, id).Encode()}))
	}

	cfg := DefaultCompactorConfig()
	cfg.MinRows = 3
	cfg.Concurrency = 1
	err := NewCompactor(st, cfg, nil, logging.Discard()).Run(ctx)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "1 of 2 diagrams")

	ok, err := st.GetUpdates(ctx, "d-ok", 0)
	require.NoError(t, err)
	assert.Len(t, ok, 1, "healthy diagram compacted")
	gap, err := st.GetUpdates(ctx, "d-gap", 0)
	require.NoError(t, err)
	assert.Len(t, gap, 3, "broken log left untouched")
}
