package memstore

import (
	"context"
	"sync"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// subscription is a live snapshot feed over the store's contents.
type subscription[T entity.Entity] struct {
	owner    *Store[T]
	id       int
	compiled *store.Compiled

	snaps chan []T
	errs  chan error
	done  chan struct{}

	closeOnce    sync.Once
	completeOnce sync.Once
}

// Subscribe implements store.Store. The first snapshot reflects the
// contents at subscription time; the subscription closes itself when
// ctx is cancelled.
func (s *Store[T]) Subscribe(ctx context.Context, q store.Query) (store.Subscription[T], error) {
	compiled, err := q.Compile()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if ferr := s.takeFailure("subscribe", q.Describe()); ferr != nil {
		s.mu.Unlock()
		return nil, ferr
	}
	if s.closed {
		s.mu.Unlock()
		return nil, store.Translate("unavailable", "store is closed", "", nil)
	}

	sub := &subscription[T]{
		owner:    s,
		id:       s.nextSub,
		compiled: compiled,
		snaps:    make(chan []T, 64),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	s.nextSub++
	s.subs[sub.id] = sub

	initial, err := s.matchLocked(compiled)
	if err != nil {
		delete(s.subs, sub.id)
		s.mu.Unlock()
		return nil, store.TranslateErr(err, "")
	}
	sub.push(initial)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub, nil
}

func (sub *subscription[T]) Snapshots() <-chan []T { return sub.snaps }
func (sub *subscription[T]) Errs() <-chan error    { return sub.errs }
func (sub *subscription[T]) Done() <-chan struct{} { return sub.done }

// Close unregisters the subscription. Idempotent.
func (sub *subscription[T]) Close() {
	sub.closeOnce.Do(func() {
		sub.owner.mu.Lock()
		delete(sub.owner.subs, sub.id)
		sub.owner.mu.Unlock()
	})
}

// push enqueues a snapshot, dropping the oldest queued one when the
// consumer lags behind the buffer. Called under the owner's mutex, so
// sends never race each other.
func (sub *subscription[T]) push(snap []T) {
	select {
	case sub.snaps <- snap:
	default:
		select {
		case <-sub.snaps:
		default:
		}
		sub.snaps <- snap
	}
}

// complete signals normal upstream completion.
func (sub *subscription[T]) complete() {
	sub.completeOnce.Do(func() { close(sub.done) })
}

// Close releases the backend: all open subscriptions complete.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		sub.complete()
		delete(s.subs, id)
	}
	return nil
}
