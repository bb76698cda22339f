package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/internal/streaming"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

type testRelay struct {
	srv   *httptest.Server
	store *store.LibSQLStore
	relay *Server
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRelay(t *testing.T, diagramIDs ...string) *testRelay {
	t.Helper()
	st := newTestStore(t)
	for _, id := range diagramIDs {
		require.NoError(t, st.CreateDiagram(context.Background(), &schema.Diagram{ID: id, Name: id}))
	}
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	rs := NewServer(st, streaming.NewMemoryHub(0), cfg, NewMetrics(), logging.Discard())
	r := chi.NewRouter()
	rs.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testRelay{srv: srv, store: st, relay: rs}
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws/diagram"
}

// peer is a client channel with its received frames.
type peer struct {
	ch     *transport.Channel
	frames chan transport.Frame
}

func (tr *testRelay) join(t *testing.T, diagramID, clientID string) *peer {
	t.Helper()
	cfg := transport.DefaultConfig(tr.wsURL(), clientID)
	cfg.Logger = logging.Discard()
	c, err := transport.New(diagramID, cfg)
	require.NoError(t, err)
	p := &peer{ch: c, frames: make(chan transport.Frame, 64)}
	c.OnReceive(func(f transport.Frame) { p.frames <- f })
	c.Start(context.Background())
	t.Cleanup(c.Disconnect)
	return p
}

// next returns the next frame that is not an awareness frame unless asked for.
func (p *peer) next(t *testing.T, want transport.FrameType) transport.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-p.frames:
			if f.Type == want {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", want)
		}
	}
}

func (p *peer) none(t *testing.T, typ transport.FrameType) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case f := <-p.frames:
			if f.Type == typ {
				t.Fatalf("unexpected %s frame from %q", typ, f.Sender)
			}
		case <-deadline:
			return
		}
	}
}

func addNode(doc *crdt.Doc, id string) crdt.Delta {
	return doc.Transact("user", func(t *crdt.Txn) {
		t.Append(crdt.SeqNodes, id, crdt.NodeFields(schema.NodeRecord{ID: id, Type: schema.DefaultNodeType, Data: schema.NodeData{Label: id}}))
	})
}

func TestRelay_UnknownDiagramIsRejected(t *testing.T) {
	tr := newTestRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL()+"/missing?client=a", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelay_FansOutUpdatesAndAppendsLog(t *testing.T) {
	tr := newTestRelay(t, "d-1")
	a := tr.join(t, "d-1", "a")
	b := tr.join(t, "d-1", "b")
	a.next(t, transport.FrameSyncDone)
	b.next(t, transport.FrameSyncDone)

	doc := crdt.NewDoc(1)
	require.NoError(t, a.ch.Send(transport.UpdateFrame(addNode(doc, "n1"))))

	f := b.next(t, transport.FrameUpdate)
	assert.Equal(t, "a", f.Sender)
	delta, err := crdt.DecodeDelta(f.Payload)
	require.NoError(t, err)
	assert.Len(t, delta.Ops, 1)
	a.none(t, transport.FrameUpdate)

	require.Eventually(t, func() bool {
		ups, err := tr.store.GetUpdates(context.Background(), "d-1", 0)
		return err == nil && len(ups) == 1 && ups[0].ClientID == "a"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRelay_LateJoinerReplaysLogThenSyncDone(t *testing.T) {
	tr := newTestRelay(t, "d-1")
	doc := crdt.NewDoc(1)
	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, tr.store.AppendUpdate(context.Background(), &store.Update{
			DiagramID: "d-1", ClientID: "a", Data: addNode(doc, id).Encode(),
		}))
	}

	c := tr.join(t, "d-1", "c")
	replica := crdt.NewDoc(2)
	for i := 0; i < 2; i++ {
		f := <-c.frames
		require.Equal(t, transport.FrameUpdate, f.Type)
		d, err := crdt.DecodeDelta(f.Payload)
		require.NoError(t, err)
		_, err = replica.Merge(d, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, transport.FrameSyncDone, (<-c.frames).Type)
	assert.Equal(t, doc.Snapshot(), replica.Snapshot())
}

func TestRelay_SyncReplyRoutedToTargetOnly(t *testing.T) {
	tr := newTestRelay(t, "d-1")
	a := tr.join(t, "d-1", "a")
	b := tr.join(t, "d-1", "b")
	c := tr.join(t, "d-1", "c")
	for _, p := range []*peer{a, b, c} {
		p.next(t, transport.FrameSyncDone)
	}

	require.NoError(t, b.ch.Send(transport.SyncRequestFrame(crdt.StateVector{})))
	assert.Equal(t, "b", a.next(t, transport.FrameSyncRequest).Sender)
	assert.Equal(t, "b", c.next(t, transport.FrameSyncRequest).Sender)

	require.NoError(t, a.ch.Send(transport.SyncReplyFrame("b", crdt.Delta{})))
	f := b.next(t, transport.FrameSyncReply)
	assert.Equal(t, "a", f.Sender)
	assert.Equal(t, "b", f.Target)
	c.none(t, transport.FrameSyncReply)
}

func TestRelay_PresenceForLateJoinersAndLeave(t *testing.T) {
	tr := newTestRelay(t, "d-1")
	a := tr.join(t, "d-1", "a")
	a.next(t, transport.FrameSyncDone)
	require.NoError(t, a.ch.Send(transport.AwarenessFrame([]byte(`{"client_id":"a","user":"ana"}`))))

	require.Eventually(t, func() bool { return len(tr.relay.presence.List("d-1")) == 1 }, 3*time.Second, 10*time.Millisecond)

	b := tr.join(t, "d-1", "b")
	b.next(t, transport.FrameSyncDone)
	f := b.next(t, transport.FrameAwareness)
	assert.Equal(t, "a", f.Sender)
	assert.JSONEq(t, `{"client_id":"a","user":"ana"}`, string(f.Payload))

	a.ch.Disconnect()
	left := b.next(t, transport.FrameAwareness)
	assert.Equal(t, "a", left.Sender)
	assert.Empty(t, left.Payload)
	assert.Empty(t, tr.relay.presence.List("d-1"))
}

func TestRelay_IgnoresClientSyncDone(t *testing.T) {
	tr := newTestRelay(t, "d-1")
	a := tr.join(t, "d-1", "a")
	b := tr.join(t, "d-1", "b")
	a.next(t, transport.FrameSyncDone)
	b.next(t, transport.FrameSyncDone)

	require.NoError(t, a.ch.Send(transport.SyncDoneFrame()))
	b.none(t, transport.FrameSyncDone)
}

func TestRelay_ShutdownClosesConnections(t *testing.T) {
	tr := newTestRelay(t, "d1")
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL()+"/d1?client=a", nil)
	require.NoError(t, err)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, tr.relay.Shutdown(ctx))

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "connection was not closed")
			}
			return
		}
	}
}
