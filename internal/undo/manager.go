package undo

import (
	"sync"
	"time"

	"github.com/rendis/flowsync/internal/crdt"
)

// State is the capture state of the manager.
type State int

const (
	StateIdle      State = iota // next tracked change opens a new stack item
	StateRecording              // tracked changes inside the capture window extend the top item
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Config configures an undo manager.
type Config struct {
	// CaptureTimeout is the window in which consecutive tracked changes coalesce
	// into one stack item.
	CaptureTimeout time.Duration
	// TrackedOrigins lists the transaction origins whose changes are captured.
	// Origins must be comparable.
	TrackedOrigins []any
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a config tracking origin with a 500ms capture window.
func DefaultConfig(origin any) Config {
	return Config{
		CaptureTimeout: 500 * time.Millisecond,
		TrackedOrigins: []any{origin},
		Now:            time.Now,
	}
}

type mode int

const (
	modeNormal mode = iota
	modeUndoing
	modeRedoing
)

type itemKey struct {
	seq crdt.Seq
	id  crdt.ID
}

// write identifies one field value by the stamp that produced it.
type write struct {
	stamp crdt.Stamp
	field string
}

// Manager keeps undo and redo stacks for the local changes of one document.
// Remote changes are never captured and never reverted.
//
// Manager methods must be called from the goroutine that owns the document.
type Manager struct {
	doc     *crdt.Doc
	cfg     Config
	tracked map[any]struct{}

	undoStack []*StackItem
	redoStack []*StackItem

	state      State
	lastChange time.Time
	mode       mode

	// redone maps a deleted item to the item that replaced it when a delete was
	// reverted, so older stack items still reach the live copy.
	redone map[itemKey]crdt.ID
	// restores maps a value the manager wrote back to the write it restored,
	// so a restored value still counts as that earlier write.
	restores map[write]crdt.Stamp

	unobserve func()

	mu       sync.Mutex
	onChange []func(canUndo, canRedo bool)
}

// New attaches a manager to doc.
func New(doc *crdt.Doc, cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		doc:      doc,
		cfg:      cfg,
		tracked:  make(map[any]struct{}, len(cfg.TrackedOrigins)),
		redone:   make(map[itemKey]crdt.ID),
		restores: make(map[write]crdt.Stamp),
	}
	for _, o := range cfg.TrackedOrigins {
		m.tracked[o] = struct{}{}
	}
	m.unobserve = doc.Observe(m.observe)
	return m
}

// Close detaches the manager from its document.
func (m *Manager) Close() {
	if m.unobserve != nil {
		m.unobserve()
		m.unobserve = nil
	}
}

// OnStackChange registers fn to be called whenever CanUndo or CanRedo may have changed.
func (m *Manager) OnStackChange(fn func(canUndo, canRedo bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// State returns the capture state.
func (m *Manager) State() State { return m.state }

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool { return len(m.undoStack) > 0 }

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool { return len(m.redoStack) > 0 }

// UndoDepth and RedoDepth return the stack sizes.
func (m *Manager) UndoDepth() int { return len(m.undoStack) }
func (m *Manager) RedoDepth() int { return len(m.redoStack) }

// TakeSnapshot closes the open stack item so the next tracked change starts a new one.
func (m *Manager) TakeSnapshot() {
	m.state = StateIdle
	m.lastChange = time.Time{}
}

// Clear drops both stacks.
func (m *Manager) Clear() {
	m.undoStack = nil
	m.redoStack = nil
	m.redone = make(map[itemKey]crdt.ID)
	m.restores = make(map[write]crdt.Stamp)
	m.TakeSnapshot()
	m.notify()
}

// Undo reverts the most recent stack item as a new local transaction whose
// origin is the manager. It returns false when there was nothing to revert.
func (m *Manager) Undo() bool {
	return m.pop(&m.undoStack, modeUndoing)
}

// Redo re-applies the most recently undone stack item.
func (m *Manager) Redo() bool {
	return m.pop(&m.redoStack, modeRedoing)
}

func (m *Manager) pop(stack *[]*StackItem, md mode) bool {
	m.TakeSnapshot()
	defer m.notify()
	for len(*stack) > 0 {
		top := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]

		m.mode = md
		delta := m.doc.Transact(m, func(tx *crdt.Txn) { m.revert(tx, top) })
		m.mode = modeNormal
		if !delta.Empty() {
			return true
		}
	}
	return false
}

func (m *Manager) observe(ev *crdt.TxnEvent) {
	if !ev.Local {
		return
	}
	if ev.Origin == any(m) {
		item := newStackItem()
		item.capture(ev.Changes)
		if item.empty() {
			return
		}
		switch m.mode {
		case modeUndoing:
			m.redoStack = append(m.redoStack, item)
		case modeRedoing:
			m.undoStack = append(m.undoStack, item)
		}
		return
	}
	if _, ok := m.tracked[ev.Origin]; !ok {
		return
	}

	now := m.cfg.Now()
	if m.state == StateRecording && len(m.undoStack) > 0 && now.Sub(m.lastChange) < m.cfg.CaptureTimeout {
		m.undoStack[len(m.undoStack)-1].capture(ev.Changes)
	} else {
		item := newStackItem()
		item.capture(ev.Changes)
		if item.empty() {
			return
		}
		m.undoStack = append(m.undoStack, item)
	}
	m.lastChange = now
	m.state = StateRecording
	m.redoStack = nil
	m.notify()
}

// revert applies the inverse of item in reverse order. A field is restored only
// while its winning value is still the one item wrote, so a write from a peer,
// or from a later step, is never overwritten.
func (m *Manager) revert(tx *crdt.Txn, item *StackItem) {
	for i := len(item.entries) - 1; i >= 0; i-- {
		e := item.entries[i]
		id := m.follow(e.seq, e.item)
		switch e.kind {
		case crdt.OpInsert:
			tx.Delete(e.seq, id)
		case crdt.OpDelete:
			if !m.doc.Deleted(e.seq, id) {
				continue
			}
			if revived, ok := tx.Resurrect(e.seq, id); ok {
				m.redone[itemKey{seq: e.seq, id: id}] = revived
				m.alias(e.seq, revived, m.doc.Registers(e.seq, id))
			}
		case crdt.OpSet:
			if m.doc.Deleted(e.seq, id) {
				continue
			}
			cur, ok := m.doc.Field(e.seq, id, e.field)
			if !ok || m.origin(cur.Stamp, e.field) != m.origin(e.stamp, e.field) {
				continue
			}
			value, restored := nullJSON, crdt.Stamp{}
			if e.prev != nil {
				value, restored = e.prev.Value, e.prev.Stamp
			}
			tx.Set(e.seq, id, e.field, value)
			if reg, ok := m.doc.Field(e.seq, id, e.field); ok {
				m.restores[write{stamp: reg.Stamp, field: e.field}] = restored
			}
		}
	}
}

// alias records the fields copied onto a resurrected item as restores of the
// tombstone's values.
func (m *Manager) alias(seq crdt.Seq, revived crdt.ID, old map[string]crdt.Register) {
	for name, prev := range old {
		if reg, ok := m.doc.Field(seq, revived, name); ok {
			m.restores[write{stamp: reg.Stamp, field: name}] = prev.Stamp
		}
	}
}

// origin returns the write a value descends from through manager restores.
func (m *Manager) origin(st crdt.Stamp, field string) crdt.Stamp {
	for {
		prev, ok := m.restores[write{stamp: st, field: field}]
		if !ok {
			return st
		}
		st = prev
	}
}

func (m *Manager) follow(seq crdt.Seq, id crdt.ID) crdt.ID {
	for {
		next, ok := m.redone[itemKey{seq: seq, id: id}]
		if !ok {
			return id
		}
		id = next
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	fns := append([]func(bool, bool){}, m.onChange...)
	m.mu.Unlock()
	canUndo, canRedo := m.CanUndo(), m.CanRedo()
	for _, fn := range fns {
		fn(canUndo, canRedo)
	}
}
