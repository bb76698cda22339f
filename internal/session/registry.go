package session

import "sync"

// registry holds cancellable event handlers.
type registry[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[uint64]func(T))
	}
	r.next++
	id := r.next
	r.fns[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

func (r *registry[T]) emit(v T) {
	r.mu.RLock()
	fns := make([]func(T), 0, len(r.fns))
	for _, fn := range r.fns {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (r *registry[T]) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fns) == 0
}
