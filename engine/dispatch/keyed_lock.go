// Package dispatch serializes work per conversation and runs it on a bounded
// pool of workers.
package dispatch

import (
	"context"
	"sync"
)

// KeyedLock is a FIFO lock per key. Waiters acquire in arrival order; a
// waiter only leaves the queue when its context is cancelled.
type KeyedLock struct {
	mu   sync.Mutex
	keys map[string]*keyQueue
}

type keyQueue struct {
	held    bool
	waiters []chan struct{}
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{keys: make(map[string]*keyQueue)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock; calling it more than once is a no-op.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	q, ok := l.keys[key]
	if !ok {
		q = &keyQueue{}
		l.keys[key] = q
	}
	if !q.held {
		q.held = true
		l.mu.Unlock()
		return l.unlocker(key), nil
	}

	ticket := make(chan struct{})
	q.waiters = append(q.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return l.unlocker(key), nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := false
		for i, w := range q.waiters {
			if w == ticket {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				removed = true
				break
			}
		}
		l.mu.Unlock()
		if !removed {
			// The lock was handed over while we were giving up.
			l.release(key)
		}
		return nil, ctx.Err()
	}
}

// Held reports whether key is currently locked.
func (l *KeyedLock) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.keys[key]
	return ok && q.held
}

func (l *KeyedLock) unlocker(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

// release hands the lock to the oldest waiter, or frees the key.
func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	delete(l.keys, key)
}
