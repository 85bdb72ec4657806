// Package keylock provides per-key mutual exclusion. Operations on distinct
// keys never contend beyond a short map lookup.
package keylock

import (
	"context"
	"sync"
)

// Locker serializes callers that share a key.
type Locker[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New[K comparable]() *Locker[K] {
	return &Locker[K]{locks: make(map[K]*entry)}
}

// Lock blocks until the key is free and returns its release function.
func (l *Locker[K]) Lock(key K) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Hold returns a copy of ctx marked as running under key's lock. Calls that
// re-enter through the marked context can detect it with Held instead of
// blocking on a lock their own call chain already holds.
func (l *Locker[K]) Hold(ctx context.Context, key K) context.Context {
	return context.WithValue(ctx, holdKey[K]{l: l, key: key}, struct{}{})
}

// Held reports whether ctx descends from a Hold of key on this locker.
func (l *Locker[K]) Held(ctx context.Context, key K) bool {
	return ctx.Value(holdKey[K]{l: l, key: key}) != nil
}

type holdKey[K comparable] struct {
	l   *Locker[K]
	key K
}
