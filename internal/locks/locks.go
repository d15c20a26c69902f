// Package locks provides short-lived exclusive locks keyed by resource id.
// The booking path locks per staff member and the state machine locks per
// appointment, so unrelated work never serializes.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired in time.
// Callers treat it as transient and may retry with backoff.
var ErrTimeout = errors.New("locks: acquire timed out")

// Locker serializes work on a string key. Release must always be called
// exactly once when Acquire succeeds.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted so the
// key table does not grow with every staff member ever seen.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*mutexEntry
}

type mutexEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*mutexEntry)}
}

// Acquire blocks until the key is free, the timeout elapses, or ctx is done.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &mutexEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return func() { m.release(key, e) }, nil
	case <-timer.C:
		m.unref(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(key string, e *mutexEntry) {
	<-e.ch
	m.unref(key, e)
}

func (m *KeyedMutex) unref(key string, e *mutexEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
