package sqlstore

import (
	"context"
	"sync"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// subscription is a live snapshot feed over the database contents.
// Changes are observed in-process: every committed write through this
// store re-pushes matching snapshots.
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
// table contents at subscription time; the subscription closes itself
// when ctx is cancelled.
func (s *Store[T]) Subscribe(ctx context.Context, q store.Query) (store.Subscription[T], error) {
	compiled, err := q.Compile()
	if err != nil {
		return nil, err
	}

	initial, err := s.RunQuery(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
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
	sub.send(initial)
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

// push filters the whole-table snapshot down to this subscription's
// query and enqueues the result. Called under the owner's mutex.
func (sub *subscription[T]) push(all []T) {
	snap := []T{}
	for _, ent := range all {
		ok, err := sub.compiled.Match(ent)
		if err != nil {
			select {
			case sub.errs <- err:
			default:
			}
			return
		}
		if ok {
			snap = append(snap, ent)
		}
	}
	sub.send(snap)
}

// send enqueues a snapshot, dropping the oldest queued one when the
// consumer lags behind the buffer.
func (sub *subscription[T]) send(snap []T) {
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

// OpenSubscriptions reports the number of live subscriptions.
func (s *Store[T]) OpenSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
