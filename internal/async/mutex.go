// Package async provides the two concurrency primitives the sync
// engine is built on: a strict-FIFO mutex for serializing mutation
// bursts, and a cancellable debouncer for coalescing them.
package async

import (
	"context"
	"sync"
)

// Mutex is a FIFO-ordered mutual exclusion lock for critical sections
// that span suspension points (remote calls, timers).
//
// Unlike sync.Mutex, waiters are granted the lock in the exact order
// they called Acquire, so no caller can starve. Dispose abandons all
// queued waiters: they are never woken by the mutex and return only
// through their own context cancellation.
type Mutex struct {
	mu       sync.Mutex
	locked   bool
	queue    []*waiter
	disposed bool
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Acquire blocks until the caller reaches the head of the queue and
// owns the lock, then returns a release func. Release is safe to call
// more than once; only the first call has effect.
//
// If ctx is cancelled while waiting, the waiter is removed from the
// queue and ctx's error is returned.
func (m *Mutex) Acquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return m.releaseOnce(), nil
	}

	w := &waiter{ready: make(chan struct{})}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return m.releaseOnce(), nil
	case <-ctx.Done():
		m.mu.Lock()
		if w.granted {
			// The lock was handed to us in the same instant we were
			// cancelled; pass it straight to the next waiter.
			m.mu.Unlock()
			m.release()
			return nil, ctx.Err()
		}
		for i, cand := range m.queue {
			if cand == w {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// LockAndRun acquires the lock FIFO-fashion and invokes fn with the
// unlock func. fn must call unlock exactly once on every path; the
// unlock is idempotent so a deferred extra call is harmless.
func (m *Mutex) LockAndRun(ctx context.Context, fn func(unlock func()) error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	return fn(release)
}

// Dispose clears the waiter queue. Queued waiters are abandoned: they
// unblock only via their own context. The current holder's release
// remains valid but grants nobody.
func (m *Mutex) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
	m.queue = nil
}

func (m *Mutex) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(m.release) }
}

func (m *Mutex) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.disposed && len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		next.granted = true
		close(next.ready)
		return
	}
	m.locked = false
}
