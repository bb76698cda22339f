// Package session runs one client's collaborative editing session on a diagram:
// local changes are applied to the document immediately and shipped to the
// relay in the background, remote deltas are merged as they arrive, and the
// view is notified of every settled change.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/internal/undo"
	"github.com/rendis/flowsync/pkg/schema"
)

// Origin tags the transaction that produced a change.
type Origin string

const (
	OriginLocal       Origin = "local"       // user edits; tracked by undo
	OriginUndo        Origin = "undo"        // undo or redo of user edits
	OriginRemote      Origin = "remote"      // merged from a peer
	OriginBootstrap   Origin = "bootstrap"   // seeded from the persisted snapshot
	OriginMaintenance Origin = "maintenance" // integrity cleanup
)

// Transport is the relay connection used by a session. *transport.Channel
// implements it.
type Transport interface {
	Start(ctx context.Context)
	Send(f transport.Frame) error
	OnReceive(fn func(transport.Frame))
	OnStatus(fn func(transport.Status))
	Status() transport.Status
	Disconnect()
}

// Persistence loads and saves diagram snapshots. *persistence.Client
// implements it.
type Persistence interface {
	Get(ctx context.Context, id string) (*schema.Diagram, error)
	Update(ctx context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error)
}

// Config configures a session.
type Config struct {
	// ClientID identifies this replica. Zero picks a random one.
	ClientID crdt.ClientID
	// CaptureTimeout is the undo coalescing window.
	CaptureTimeout time.Duration
	// SyncTimeout bounds how long Bootstrap waits for the relay replay.
	SyncTimeout time.Duration
	// RetryInterval is how soon a send refused for backpressure is retried.
	RetryInterval time.Duration
	// Now is the clock used by undo coalescing. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns sensible session defaults.
func DefaultConfig() Config {
	return Config{
		CaptureTimeout: 500 * time.Millisecond,
		SyncTimeout:    5 * time.Second,
		RetryInterval:  250 * time.Millisecond,
	}
}

// ChangeEvent is delivered to OnChange handlers after every transaction once the
// session has settled.
type ChangeEvent struct {
	Snapshot schema.Snapshot
	Affected []crdt.RecordRef
	Origin   Origin
	Local    bool
}

// StatusKind classifies a StatusEvent.
type StatusKind int

const (
	StatusConnection    StatusKind = iota + 1 // transport status changed
	StatusMergeRejected                       // a remote delta was rejected
	StatusLoadFailed                          // the persisted snapshot could not be loaded
	StatusSaveFailed                          // Save failed
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnection:
		return "connection"
	case StatusMergeRejected:
		return "merge_rejected"
	case StatusLoadFailed:
		return "load_failed"
	case StatusSaveFailed:
		return "save_failed"
	default:
		return "unknown"
	}
}

// StatusEvent reports connection changes and non-fatal failures.
type StatusEvent struct {
	Kind       StatusKind
	Connection transport.Status
	Err        error
}

// PresenceEvent reports a peer's awareness state. Presence is nil when the peer left.
type PresenceEvent struct {
	ClientID string
	Presence *schema.Presence
}

// Session is one client's live view of a diagram.
type Session struct {
	cfg       Config
	diagramID string
	clientID  string
	tr        Transport
	store     Persistence
	logger    *slog.Logger

	// mu serializes every access to doc and undo and guards the fields below.
	mu          sync.Mutex
	doc         *crdt.Doc
	undo        *undo.Manager
	pending     []*crdt.TxnEvent
	settled     bool
	organic     bool
	synced      bool
	acked       uint64
	lastFlushed uint64
	epoch       uint64 // bumped on every sync or connection loss
	peers       map[string]schema.Presence

	syncOnce    sync.Once
	syncDone    chan struct{}
	offlineOnce sync.Once
	offline     chan struct{}

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once

	changes  registry[ChangeEvent]
	statuses registry[StatusEvent]
	presence registry[PresenceEvent]
}

// New creates a session for diagramID on top of tr and p. Nothing happens on the
// network until Start.
func New(diagramID string, tr Transport, p Persistence, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = def.CaptureTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClientID == 0 {
		cfg.ClientID = crdt.NewClientID()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		cfg:       cfg,
		diagramID: diagramID,
		clientID:  ClientIDString(cfg.ClientID),
		tr:        tr,
		store:     p,
		logger:    logger.With(slog.String("component", "session")),
		doc:       crdt.NewDoc(cfg.ClientID),
		peers:     make(map[string]schema.Presence),
		syncDone:  make(chan struct{}),
		offline:   make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(logging.WithIDs(context.Background(), diagramID, s.clientID))
	s.undo = undo.New(s.doc, undo.Config{
		CaptureTimeout: cfg.CaptureTimeout,
		TrackedOrigins: []any{OriginLocal},
		Now:            cfg.Now,
	})
	s.doc.Observe(func(ev *crdt.TxnEvent) { s.pending = append(s.pending, ev) })

	tr.OnReceive(s.handleFrame)
	tr.OnStatus(s.handleStatus)
	return s
}

// Dial creates a session connected to the relay at relayURL and starts it.
func Dial(ctx context.Context, diagramID, relayURL string, p Persistence, cfg Config) (*Session, error) {
	if cfg.ClientID == 0 {
		cfg.ClientID = crdt.NewClientID()
	}
	tcfg := transport.DefaultConfig(relayURL, ClientIDString(cfg.ClientID))
	tcfg.Logger = cfg.Logger
	ch, err := transport.New(diagramID, tcfg)
	if err != nil {
		return nil, err
	}
	s := New(diagramID, ch, p, cfg)
	s.Start(ctx)
	return s, nil
}

// ClientIDString is the textual client id used on the wire.
func ClientIDString(id crdt.ClientID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Start connects the transport and launches the outbox.
func (s *Session) Start(ctx context.Context) {
	s.start.Do(func() {
		s.cancel()
		s.ctx, s.cancel = context.WithCancel(logging.WithIDs(ctx, s.diagramID, s.clientID))
		s.wg.Add(1)
		go s.outbox()
		s.tr.Start(s.ctx)
	})
}

// Close disconnects from the relay. Local state is kept but no longer shipped.
func (s *Session) Close() {
	s.stop.Do(func() {
		s.cancel()
		s.tr.Disconnect()
		s.wg.Wait()
		s.mu.Lock()
		s.undo.Close()
		s.mu.Unlock()
	})
}

// DiagramID returns the diagram the session edits.
func (s *Session) DiagramID() string { return s.diagramID }

// ClientID returns the wire id of this replica.
func (s *Session) ClientID() string { return s.clientID }

// Status returns the transport status.
func (s *Session) Status() transport.Status { return s.tr.Status() }

// Snapshot returns the current projection of the document.
func (s *Session) Snapshot() schema.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// StateVector returns the document's state vector.
func (s *Session) StateVector() crdt.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector()
}

// Settled reports whether bootstrap has finished.
func (s *Session) Settled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled
}

// OnChange registers a handler for document changes. Handlers run after the
// session lock is released and may call back into the session.
func (s *Session) OnChange(fn func(ChangeEvent)) (cancel func()) {
	return s.changes.add(fn)
}

// OnStatus registers a handler for status events.
func (s *Session) OnStatus(fn func(StatusEvent)) (cancel func()) {
	return s.statuses.add(fn)
}

// Undo reverts the most recent local edit. It returns false if there was none.
func (s *Session) Undo() bool {
	var ok bool
	s.update(func() error {
		ok = s.undo.Undo()
		return nil
	})
	s.flushSoon()
	return ok
}

// Redo re-applies the most recently undone edit.
func (s *Session) Redo() bool {
	var ok bool
	s.update(func() error {
		ok = s.undo.Redo()
		return nil
	})
	s.flushSoon()
	return ok
}

// CanUndo reports whether Undo would do something.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo.CanUndo()
}

// CanRedo reports whether Redo would do something.
func (s *Session) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undo.CanRedo()
}

// TakeSnapshot closes the open undo step so the next edit starts a new one.
func (s *Session) TakeSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo.TakeSnapshot()
}

// OnStackChange registers fn to be told when CanUndo or CanRedo may have changed.
// fn runs with the session lock held and must not call back into the session.
func (s *Session) OnStackChange(fn func(canUndo, canRedo bool)) {
	s.undo.OnStackChange(fn)
}

// update runs fn under the session lock and then delivers the change events
// its transactions produced.
func (s *Session) update(fn func() error) error {
	s.mu.Lock()
	err := fn()
	events := s.drain()
	s.mu.Unlock()
	for _, ev := range events {
		s.changes.emit(ev)
	}
	return err
}

// drain turns the pending transaction events into change events. Events are
// dropped until the session has settled, and the snapshot is only projected
// when someone listens. Must hold s.mu.
func (s *Session) drain() []ChangeEvent {
	pending := s.pending
	s.pending = nil
	if !s.settled || len(pending) == 0 || s.changes.empty() {
		return nil
	}
	snap := s.doc.Snapshot()
	events := make([]ChangeEvent, 0, len(pending))
	for _, ev := range pending {
		events = append(events, ChangeEvent{
			Snapshot: snap,
			Affected: ev.Affected,
			Origin:   s.originOf(ev.Origin),
			Local:    ev.Local,
		})
	}
	return events
}

func (s *Session) originOf(o any) Origin {
	if o == any(s.undo) {
		return OriginUndo
	}
	if origin, ok := o.(Origin); ok {
		return origin
	}
	return OriginRemote
}

func (s *Session) newNodeID() string {
	return "node-" + ulid.Make().String()
}
