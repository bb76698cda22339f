package main

import (
	"net/http"
	"sync/atomic"
)

// handlerSwapper serves through a router that a settings reload can replace
// while requests are in flight.
type handlerSwapper struct {
	current atomic.Pointer[http.Handler]
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	s := &handlerSwapper{}
	s.Swap(h)
	return s
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

// Swap installs h for every request that starts after it returns.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.current.Store(&h)
}
