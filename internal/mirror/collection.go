// Package mirror owns the in-memory local snapshot of remote entities.
//
// A Collection mirrors a remote collection as an id-keyed map, a
// Document mirrors a single entity slot. Both are mutated only through
// their methods, notify registered listeners after each change, and
// support per-id pending-write markers: while an id is marked pending,
// an inbound whole-snapshot replace cannot clobber the local value for
// that id. The marker is how an in-flight optimistic write survives a
// stale snapshot arriving mid-mutation.
package mirror

import (
	"log"
	"os"
	"sync"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// Listener is invoked after the snapshot changed (or after Rebuild).
// Listeners run outside the cache lock, on the mutating goroutine.
type Listener func()

// Collection is the local mirror of a remote collection, keyed by
// entity id. All methods are safe for concurrent use; each mutation
// runs to completion before listeners observe it.
type Collection[T entity.Entity] struct {
	mu        sync.Mutex
	ents      map[string]T
	pending   map[string]int // id -> in-flight write refcount
	listeners map[int]Listener
	nextLsn   int
	logger    *log.Logger
}

// NewCollection creates an empty collection mirror. If logger is nil,
// a default logger writing to stderr is used.
func NewCollection[T entity.Entity](logger *log.Logger) *Collection[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	return &Collection[T]{
		ents:      make(map[string]T),
		pending:   make(map[string]int),
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Listen registers a listener and returns a func that removes it.
func (c *Collection[T]) Listen(l Listener) func() {
	c.mu.Lock()
	id := c.nextLsn
	c.nextLsn++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// CreateMany inserts the entities produced by builders. Later builders
// win on duplicate ids. One notification is emitted at the end when
// notify is true.
func (c *Collection[T]) CreateMany(builders []func() T, notify bool) []T {
	created := make([]T, 0, len(builders))
	c.mu.Lock()
	for _, build := range builders {
		ent := build()
		c.ents[ent.EntityID()] = ent
		created = append(created, ent)
	}
	c.mu.Unlock()

	if notify {
		c.notify()
	}
	return created
}

// UpdateMany replaces each listed entity with updater's result. It
// fails with a not-found error on the first absent id, leaving earlier
// updates in place.
func (c *Collection[T]) UpdateMany(ids []string, updater func(cur T) T, notify bool) error {
	c.mu.Lock()
	for _, id := range ids {
		cur, ok := c.ents[id]
		if !ok {
			c.mu.Unlock()
			return store.NotFound(id)
		}
		next := updater(cur)
		delete(c.ents, id)
		c.ents[next.EntityID()] = next
	}
	c.mu.Unlock()

	if notify {
		c.notify()
	}
	return nil
}

// UpsertMany applies updater to each id, passing the current value and
// whether it exists; the result is stored regardless.
func (c *Collection[T]) UpsertMany(ids []string, updater func(id string, cur T, ok bool) T, notify bool) {
	c.mu.Lock()
	for _, id := range ids {
		cur, ok := c.ents[id]
		next := updater(id, cur, ok)
		delete(c.ents, id)
		c.ents[next.EntityID()] = next
	}
	c.mu.Unlock()

	if notify {
		c.notify()
	}
}

// DeleteMany removes the listed ids. Absent ids are skipped.
func (c *Collection[T]) DeleteMany(ids []string, notify bool) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.ents, id)
	}
	c.mu.Unlock()

	if notify {
		c.notify()
	}
}

// ReplaceAll rebuilds the whole mapping from an inbound snapshot,
// keyed by entity id. Ids with a pending-write marker keep their local
// state (present value or absence) instead of taking the snapshot's.
func (c *Collection[T]) ReplaceAll(snapshot []T, notify bool) {
	c.mu.Lock()
	next := make(map[string]T, len(snapshot))
	for _, ent := range snapshot {
		next[ent.EntityID()] = ent
	}
	for id := range c.pending {
		// Local wins while a write is in flight.
		if cur, ok := c.ents[id]; ok {
			next[id] = cur
		} else {
			delete(next, id)
		}
	}
	c.ents = next
	c.mu.Unlock()

	if notify {
		c.notify()
	}
}

// Clear drops every entity, e.g. on sign-out. Pending markers do not
// protect against Clear: it reflects a local decision, not a snapshot.
func (c *Collection[T]) Clear(notify bool) {
	c.mu.Lock()
	c.ents = make(map[string]T)
	c.mu.Unlock()

	if notify {
		c.notify()
	}
}

// Rebuild forces a notification without changing data, for callers
// whose derived state (sorting, filters) changed out of band.
func (c *Collection[T]) Rebuild() {
	c.notify()
}

// FindByID returns the entity or a not-found error.
func (c *Collection[T]) FindByID(id string) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.ents[id]
	if !ok {
		var zero T
		return zero, store.NotFound(id)
	}
	return ent, nil
}

// TryFindByID returns the entity and whether it exists.
func (c *Collection[T]) TryFindByID(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.ents[id]
	return ent, ok
}

// Exists reports whether id is present.
func (c *Collection[T]) Exists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ents[id]
	return ok
}

// HasAny reports whether the mirror holds any entity.
func (c *Collection[T]) HasAny() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ents) > 0
}

// Len returns the number of mirrored entities.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ents)
}

// All returns a copy of the current entities in unspecified order.
func (c *Collection[T]) All() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, 0, len(c.ents))
	for _, ent := range c.ents {
		out = append(out, ent)
	}
	return out
}

// BeginPending marks id as having an in-flight write and returns a
// release func. Markers are reference-counted: overlapping writes to
// one id keep it protected until the last release. Release is
// idempotent.
func (c *Collection[T]) BeginPending(id string) func() {
	c.mu.Lock()
	c.pending[id]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.pending[id] > 1 {
				c.pending[id]--
			} else {
				delete(c.pending, id)
			}
			c.mu.Unlock()
		})
	}
}

// PendingWrites reports how many ids currently carry a pending marker.
func (c *Collection[T]) PendingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// notify invokes all listeners outside the lock.
func (c *Collection[T]) notify() {
	c.mu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l()
	}
}
