// Package listener is a small registry of callbacks with per-listener
// cancellation handles.
package listener

import (
	"slices"
	"sync"
)

// Subscription removes exactly one listener when cancelled.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Set holds listeners for values of type T. The zero value is ready to use.
type Set[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (s *Set[T]) Add(fn func(T)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return &Subscription{cancel: func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}}
}

// Emit calls every listener registered at the time of the call, in
// registration order, outside the registry lock.
func (s *Set[T]) Emit(v T) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}
