package crdt

import (
	"encoding/json"
	"sort"
)

// item is one element of a sequence. Deleted items stay as tombstones so that
// later inserts and field writes that reference them still resolve.
type item struct {
	id       ID
	stamp    Stamp
	origin   ID
	recordID string
	deleted  bool
	fields   map[string]Register
	onTail   bool
}

// sequence is an RGA: every item is inserted after a left origin, and siblings
// sharing an origin are ordered by descending stamp. The linearization is a
// pre-order walk from the head and depends on ids only, so every replica that
// holds the same items derives the same order.
//
// The full order is rebuilt lazily. Appends and lookups by record id do not
// need it: tail tracks the path from the head to the last item, and visible is
// kept up to date on every insert and tombstone unless a record id has more
// than one live item, in which case stale forces a rebuild from the order.
type sequence struct {
	items    map[ID]*item
	children map[ID][]*item

	tail []*item

	orderDirty bool
	order      []*item

	visible map[string]*item
	copies  map[string]int // live items per record id
	stale   bool
}

func newSequence() *sequence {
	return &sequence{
		items:    make(map[ID]*item),
		children: make(map[ID][]*item),
		visible:  make(map[string]*item),
		copies:   make(map[string]int),
	}
}

func (s *sequence) has(id ID) bool {
	_, ok := s.items[id]
	return ok
}

// insert links a new item under its origin. The origin must exist (or be the head).
func (s *sequence) insert(it *item) {
	s.items[it.id] = it
	sibs := s.children[it.origin]
	i := sort.Search(len(sibs), func(i int) bool { return sibs[i].stamp.Less(it.stamp) })
	sibs = append(sibs, nil)
	copy(sibs[i+1:], sibs[i:])
	sibs[i] = it
	s.children[it.origin] = sibs
	s.orderDirty = true

	if i == len(sibs)-1 {
		s.extendTail(it)
	}
	if !it.deleted {
		s.addLive(it)
	}
}

// extendTail makes it the last item when its origin lies on the tail path. it
// must be the last child of its origin.
func (s *sequence) extendTail(it *item) {
	if !it.origin.IsZero() {
		if o := s.items[it.origin]; o == nil || !o.onTail {
			return
		}
	}
	for len(s.tail) > 0 {
		top := s.tail[len(s.tail)-1]
		if top.id == it.origin {
			break
		}
		top.onTail = false
		s.tail = s.tail[:len(s.tail)-1]
	}
	it.onTail = true
	s.tail = append(s.tail, it)
}

func (s *sequence) addLive(it *item) {
	s.copies[it.recordID]++
	if s.copies[it.recordID] == 1 {
		s.visible[it.recordID] = it
		return
	}
	s.stale = true
}

func (s *sequence) removeLive(it *item) {
	s.copies[it.recordID]--
	if s.copies[it.recordID] > 0 {
		if s.visible[it.recordID] == it {
			s.stale = true
		}
		return
	}
	delete(s.copies, it.recordID)
	delete(s.visible, it.recordID)
}

// tombstone marks an item deleted. It returns false if the item was already deleted.
func (s *sequence) tombstone(id ID) bool {
	it := s.items[id]
	if it == nil || it.deleted {
		return false
	}
	it.deleted = true
	s.removeLive(it)
	return true
}

// records returns the number of record ids with at least one live item.
func (s *sequence) records() int { return len(s.copies) }

// set applies a field write. The write is kept even when the item is a tombstone.
// It returns the previous winning register and whether the new write won.
func (s *sequence) set(id ID, name string, value json.RawMessage, st Stamp) (*Register, bool) {
	it := s.items[id]
	if it == nil {
		return nil, false
	}
	var prev *Register
	if cur, ok := it.fields[name]; ok {
		c := cur
		prev = &c
		if !cur.Stamp.Less(st) {
			return prev, false
		}
	}
	if it.fields == nil {
		it.fields = make(map[string]Register)
	}
	it.fields[name] = Register{Value: value, Stamp: st}
	return prev, true
}

// linearize returns all items, tombstones included, in sequence order.
func (s *sequence) linearize() []*item {
	if !s.orderDirty && s.order != nil {
		return s.order
	}
	out := make([]*item, 0, len(s.items))
	stack := make([]*item, 0, 16)
	push := func(kids []*item) {
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(s.children[ID{}])
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, it)
		push(s.children[it.id])
	}
	s.order = out
	s.orderDirty = false
	return out
}

// refresh rebuilds visible from the order when duplicates made it ambiguous.
func (s *sequence) refresh() {
	if !s.stale {
		return
	}
	visible := make(map[string]*item, len(s.copies))
	for _, it := range s.linearize() {
		if it.deleted {
			continue
		}
		if _, dup := visible[it.recordID]; !dup {
			visible[it.recordID] = it
		}
	}
	s.visible = visible
	s.stale = false
}

// live returns the visible items in order. When several live items carry the same
// record id only the first one in sequence order is visible.
func (s *sequence) live() []*item {
	s.refresh()
	order := s.linearize()
	out := make([]*item, 0, len(s.visible))
	for _, it := range order {
		if !it.deleted && s.visible[it.recordID] == it {
			out = append(out, it)
		}
	}
	return out
}

// lookup returns the visible item for a record id.
func (s *sequence) lookup(recordID string) (*item, bool) {
	s.refresh()
	it, ok := s.visible[recordID]
	return it, ok
}

// last returns the id of the last item in sequence order, tombstones included.
func (s *sequence) last() ID {
	if len(s.tail) == 0 {
		return ID{}
	}
	return s.tail[len(s.tail)-1].id
}

// shadowed returns the live items hidden behind another item with the same record id.
func (s *sequence) shadowed() []*item {
	s.refresh()
	var out []*item
	for _, it := range s.linearize() {
		if !it.deleted && s.visible[it.recordID] != it {
			out = append(out, it)
		}
	}
	return out
}
