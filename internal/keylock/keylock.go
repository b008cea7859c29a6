// Package keylock provides an in-process mutex keyed by string.
package keylock

import (
	"context"
	"strings"
	"sync"
)

// Set hands out one lock per key. Entries are dropped when the last holder
// or waiter releases, so the map only holds keys in use.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New returns an empty Set.
func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Normalize lower-cases and trims a key so email addresses compare as the
// mail system does.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Lock blocks until key is held or ctx is done. The returned func releases it.
func (s *Set) Lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			s.release(key, e)
		})
	}, nil
}

func (s *Set) release(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

// Len reports the number of keys currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
