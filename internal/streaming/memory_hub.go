package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 256

type subscriber struct {
	ch     chan Envelope
	filter Filter
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryHub is an in-process Hub for a single relay instance.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	seq    atomic.Uint64
	buffer int

	// OnEvict, if set, is called with the filter of every evicted subscriber.
	OnEvict func(Filter)
}

// NewMemoryHub creates a new MemoryHub. buffer <= 0 uses the default.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &MemoryHub{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Publish delivers env to all matching subscribers without blocking.
func (h *MemoryHub) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var slow []uint64
	h.mu.RLock()
	for id, sub := range h.subs {
		if !sub.filter.Match(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.evict(id)
	}
	return nil
}

// Subscribe creates a subscription. The returned channel is closed by cancel
// or when the subscriber is evicted.
func (h *MemoryHub) Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan Envelope, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *MemoryHub) evict(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		sub.close()
	}
	h.mu.Unlock()
	if ok && h.OnEvict != nil {
		h.OnEvict(sub.filter)
	}
}
