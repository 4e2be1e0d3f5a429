package mirror

import (
	"log"
	"os"
	"sync"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// Document is the single-entity variant of Collection: one optional
// slot plus a placeholder locator substituted while the slot is empty
// (no remote document yet, or the user signed out).
type Document[T entity.Entity] struct {
	mu          sync.Mutex
	ent         T
	ok          bool
	pending     int
	placeholder func() T
	listeners   map[int]Listener
	nextLsn     int
	logger      *log.Logger
}

// NewDocument creates an empty document mirror. placeholder must not
// be nil; it supplies the value Get returns while the slot is empty.
func NewDocument[T entity.Entity](placeholder func() T, logger *log.Logger) *Document[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[mirror] ", log.LstdFlags)
	}
	return &Document[T]{
		placeholder: placeholder,
		listeners:   make(map[int]Listener),
		logger:      logger,
	}
}

// Listen registers a listener and returns a func that removes it.
func (d *Document[T]) Listen(l Listener) func() {
	d.mu.Lock()
	id := d.nextLsn
	d.nextLsn++
	d.listeners[id] = l
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Set stores ent in the slot.
func (d *Document[T]) Set(ent T, notify bool) {
	d.mu.Lock()
	d.ent = ent
	d.ok = true
	d.mu.Unlock()

	if notify {
		d.notify()
	}
}

// Update replaces the current value with updater's result, failing
// with not-found while the slot is empty.
func (d *Document[T]) Update(updater func(cur T) T, notify bool) error {
	d.mu.Lock()
	if !d.ok {
		d.mu.Unlock()
		return store.NotFound("document")
	}
	d.ent = updater(d.ent)
	d.mu.Unlock()

	if notify {
		d.notify()
	}
	return nil
}

// Upsert applies updater to the current value (or the placeholder when
// empty) and stores the result.
func (d *Document[T]) Upsert(updater func(cur T, ok bool) T, notify bool) T {
	d.mu.Lock()
	cur := d.ent
	if !d.ok {
		cur = d.placeholder()
	}
	next := updater(cur, d.ok)
	d.ent = next
	d.ok = true
	d.mu.Unlock()

	if notify {
		d.notify()
	}
	return next
}

// Clear empties the slot, e.g. on sign-out or remote delete.
func (d *Document[T]) Clear(notify bool) {
	d.mu.Lock()
	var zero T
	d.ent = zero
	d.ok = false
	d.mu.Unlock()

	if notify {
		d.notify()
	}
}

// Replace absorbs an inbound snapshot of the document: present
// replaces the slot, absent clears it. While a pending-write marker is
// held the local state wins and the snapshot is dropped.
func (d *Document[T]) Replace(ent T, present, notify bool) {
	d.mu.Lock()
	if d.pending > 0 {
		d.mu.Unlock()
		return
	}
	if present {
		d.ent = ent
		d.ok = true
	} else {
		var zero T
		d.ent = zero
		d.ok = false
	}
	d.mu.Unlock()

	if notify {
		d.notify()
	}
}

// Rebuild forces a notification without changing data.
func (d *Document[T]) Rebuild() {
	d.notify()
}

// Get returns the current value, or the placeholder while empty.
func (d *Document[T]) Get() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ok {
		return d.placeholder()
	}
	return d.ent
}

// TryGet returns the current value and whether the slot is filled.
func (d *Document[T]) TryGet() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ent, d.ok
}

// Exists reports whether the slot is filled.
func (d *Document[T]) Exists() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ok
}

// BeginPending marks the document as having an in-flight write; see
// Collection.BeginPending.
func (d *Document[T]) BeginPending() func() {
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.pending > 0 {
				d.pending--
			}
			d.mu.Unlock()
		})
	}
}

func (d *Document[T]) notify() {
	d.mu.Lock()
	ls := make([]Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		ls = append(ls, l)
	}
	d.mu.Unlock()

	for _, l := range ls {
		l()
	}
}
