package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

// fakeTransport records sent frames and lets tests inject inbound frames and
// status changes.
type fakeTransport struct {
	mu        sync.Mutex
	status    transport.Status
	sendErr   error
	sendDelay time.Duration
	sent      chan transport.Frame
	receivers []func(transport.Frame)
	watchers  []func(transport.Status)
	started   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: transport.StatusConnecting, sent: make(chan transport.Frame, 256)}
}

func (f *fakeTransport) Start(context.Context) {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeTransport) Send(fr transport.Frame) error {
	f.mu.Lock()
	err, delay := f.sendErr, f.sendDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	f.sent <- fr
	return nil
}

func (f *fakeTransport) OnReceive(fn func(transport.Frame)) {
	f.mu.Lock()
	f.receivers = append(f.receivers, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) OnStatus(fn func(transport.Status)) {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Disconnect() { f.setStatus(transport.StatusClosed) }

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	fns := append([]func(transport.Status){}, f.watchers...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeTransport) deliver(fr transport.Frame) {
	f.mu.Lock()
	fns := append([]func(transport.Frame){}, f.receivers...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(fr)
	}
}

// online simulates a connection whose relay log holds replay.
func (f *fakeTransport) online(replay ...crdt.Delta) {
	f.setStatus(transport.StatusOnline)
	for _, d := range replay {
		f.deliver(transport.UpdateFrame(d))
	}
	f.deliver(transport.SyncDoneFrame())
}

// next returns the next sent frame of type want, skipping others.
func (f *fakeTransport) next(t *testing.T, want transport.FrameType) transport.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr := <-f.sent:
			if fr.Type == want {
				return fr
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s frame", want)
		}
	}
}

// collect waits until one frame of each wanted type was sent, in any order.
func (f *fakeTransport) collect(t *testing.T, want ...transport.FrameType) map[transport.FrameType]transport.Frame {
	t.Helper()
	got := make(map[transport.FrameType]transport.Frame, len(want))
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case fr := <-f.sent:
			for _, w := range want {
				if fr.Type == w {
					if _, dup := got[w]; !dup {
						got[w] = fr
					}
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, got %d", want, len(got))
		}
	}
	return got
}

// none asserts that no frame of type want is sent within d.
func (f *fakeTransport) none(t *testing.T, want transport.FrameType, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case fr := <-f.sent:
			if fr.Type == want {
				t.Fatalf("unexpected %s frame", want)
			}
		case <-deadline:
			return
		}
	}
}

// fakeStore is an in-memory Persistence.
type fakeStore struct {
	mu       sync.Mutex
	diagrams map[string]*schema.Diagram
	getErr   error
	saveErr  error
	gets     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{diagrams: make(map[string]*schema.Diagram)}
}

func (f *fakeStore) put(id string, snap schema.Snapshot) {
	data, _ := json.Marshal(snap)
	f.mu.Lock()
	f.diagrams[id] = &schema.Diagram{ID: id, Name: id, JSONData: data}
	f.mu.Unlock()
}

func (f *fakeStore) Get(_ context.Context, id string) (*schema.Diagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	d, ok := f.diagrams[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "diagram %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) Update(_ context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	d, ok := f.diagrams[id]
	if !ok {
		d = &schema.Diagram{ID: id, Name: id}
		f.diagrams[id] = d
	}
	if patch.JSONData != nil {
		d.JSONData = patch.JSONData
	}
	cp := *d
	return &cp, nil
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// clock is a manually advanced time source for undo coalescing.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	s     *Session
	tr    *fakeTransport
	store *fakeStore
	clock *clock
}

func newHarness(t *testing.T, client crdt.ClientID) *harness {
	t.Helper()
	h := &harness{tr: newFakeTransport(), store: newFakeStore(), clock: newClock()}
	cfg := DefaultConfig()
	cfg.ClientID = client
	cfg.SyncTimeout = 2 * time.Second
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.Now = h.clock.Now
	cfg.Logger = logging.Discard()
	h.s = New("diagram-1", h.tr, h.store, cfg)
	h.s.Start(context.Background())
	t.Cleanup(h.s.Close)
	return h
}

// settle brings the session online with an empty relay log and bootstraps it.
func (h *harness) settle(t *testing.T, replay ...crdt.Delta) schema.Snapshot {
	t.Helper()
	h.tr.online(replay...)
	snap, err := h.s.Bootstrap(context.Background())
	require.NoError(t, err)
	return snap
}

func changeFeed(s *Session) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	s.OnChange(func(ev ChangeEvent) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func statusFeed(s *Session) <-chan StatusEvent {
	ch := make(chan StatusEvent, 64)
	s.OnStatus(func(ev StatusEvent) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitStatus(t *testing.T, ch <-chan StatusEvent, kind StatusKind) StatusEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s status", kind)
		}
	}
}

func node(id string, x, y float64) schema.NodeRecord {
	return schema.NodeRecord{
		ID:       id,
		Type:     schema.DefaultNodeType,
		Position: schema.Position{X: x, Y: y},
		Data:     schema.NodeData{Label: id},
	}
}

func edge(src, tgt string) schema.EdgeRecord {
	return schema.EdgeRecord{ID: schema.EdgeID(src, tgt), Source: src, Target: tgt, Type: schema.DefaultEdgeType}
}

func nodeIDs(s schema.Snapshot) []string {
	out := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n.ID)
	}
	return out
}

func edgeIDs(s schema.Snapshot) []string {
	out := make([]string, 0, len(s.Edges))
	for _, e := range s.Edges {
		out = append(out, e.ID)
	}
	return out
}

// decodeInto merges an Update frame's payload into a fresh document.
func decodeInto(t *testing.T, fr transport.Frame) *crdt.Doc {
	t.Helper()
	d, err := crdt.DecodeDelta(fr.Payload)
	require.NoError(t, err)
	doc := crdt.NewDoc(999)
	_, err = doc.Merge(d, OriginRemote)
	require.NoError(t, err)
	return doc
}
