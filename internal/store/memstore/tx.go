package memstore

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

type opKind int

const (
	opCreate opKind = iota
	opUpdate
	opDelete
)

type op[T entity.Entity] struct {
	kind opKind
	id   string
	ent  T
	opts store.CreateOptions
}

// batch collects writes for an atomic commit.
type batch[T entity.Entity] struct {
	ops []op[T]
}

// NewBatch implements store.Store.
func (s *Store[T]) NewBatch() store.Batch[T] {
	return &batch[T]{}
}

func (b *batch[T]) Create(ent T, opts store.CreateOptions) {
	id := opts.ID
	if id == "" {
		id = ent.EntityID()
	}
	b.ops = append(b.ops, op[T]{kind: opCreate, id: id, ent: ent, opts: opts})
}

func (b *batch[T]) Update(id string, upd store.Update[T]) {
	b.ops = append(b.ops, op[T]{kind: opUpdate, id: id, ent: upd.Entity})
}

func (b *batch[T]) Delete(id string) {
	b.ops = append(b.ops, op[T]{kind: opDelete, id: id})
}

func (b *batch[T]) Len() int { return len(b.ops) }

// CommitBatch implements store.Store: every operation lands or none
// does. One broadcast is emitted for the whole batch.
func (s *Store[T]) CommitBatch(ctx context.Context, sb store.Batch[T]) error {
	b, ok := sb.(*batch[T])
	if !ok {
		return store.Translate("invalid-argument", "batch was not created by this store", "", nil)
	}

	s.mu.Lock()
	delay := s.commitDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return store.TranslateErr(ctx.Err(), "")
		}
	}
	if err := ctx.Err(); err != nil {
		return store.TranslateErr(err, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ferr := s.takeFailure("commit", ""); ferr != nil {
		return ferr
	}

	// Validate against a scratch copy first, then swap.
	next := make(map[string]T, len(s.ents))
	for id, ent := range s.ents {
		next[id] = ent
	}
	if err := applyOps(next, b.ops); err != nil {
		return err
	}
	s.ents = next
	s.broadcastLocked()
	return nil
}

func applyOps[T entity.Entity](ents map[string]T, ops []op[T]) error {
	for _, o := range ops {
		switch o.kind {
		case opCreate:
			if _, exists := ents[o.id]; exists && !o.opts.Merge {
				return store.Translate("already-exists", "entity already exists", o.id, nil)
			}
			ents[o.id] = o.ent
		case opUpdate:
			if _, exists := ents[o.id]; !exists {
				return store.NotFound(o.id)
			}
			ents[o.id] = o.ent
		case opDelete:
			delete(ents, o.id)
		}
	}
	return nil
}

// tx implements store.Tx over a staged overlay.
type tx[T entity.Entity] struct {
	owner  *Store[T]
	staged []op[T]
}

// RunTransaction implements store.Store. Transactions are serialized;
// fn's error aborts the transaction and is returned unchanged.
func (s *Store[T]) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx[T]) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := &tx[T]{owner: s}
	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]T, len(s.ents))
	for id, ent := range s.ents {
		next[id] = ent
	}
	if err := applyOps(next, t.staged); err != nil {
		return err
	}
	s.ents = next
	s.broadcastLocked()
	return nil
}

// view returns the entity as fn would observe it mid-transaction.
func (t *tx[T]) view(id string) (T, bool) {
	var cur T
	t.owner.mu.Lock()
	cur, ok := t.owner.ents[id]
	t.owner.mu.Unlock()
	for _, o := range t.staged {
		if o.id != id {
			continue
		}
		switch o.kind {
		case opDelete:
			var zero T
			cur, ok = zero, false
		default:
			cur, ok = o.ent, true
		}
	}
	return cur, ok
}

func (t *tx[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, store.TranslateErr(err, id)
	}
	t.owner.mu.Lock()
	ferr := t.owner.takeFailure("get", id)
	t.owner.mu.Unlock()
	if ferr != nil {
		return zero, ferr
	}
	ent, ok := t.view(id)
	if !ok {
		return zero, store.NotFound(id)
	}
	return ent, nil
}

func (t *tx[T]) Create(ctx context.Context, ent T, opts store.CreateOptions) error {
	if err := ctx.Err(); err != nil {
		return store.TranslateErr(err, ent.EntityID())
	}
	id := opts.ID
	if id == "" {
		id = ent.EntityID()
	}
	t.owner.mu.Lock()
	ferr := t.owner.takeFailure("create", id)
	t.owner.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	if _, exists := t.view(id); exists && !opts.Merge {
		return store.Translate("already-exists", "entity already exists", id, nil)
	}
	t.staged = append(t.staged, op[T]{kind: opCreate, id: id, ent: ent, opts: opts})
	return nil
}

func (t *tx[T]) Update(ctx context.Context, id string, upd store.Update[T]) error {
	if err := ctx.Err(); err != nil {
		return store.TranslateErr(err, id)
	}
	t.owner.mu.Lock()
	ferr := t.owner.takeFailure("update", id)
	t.owner.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	if _, exists := t.view(id); !exists {
		return store.NotFound(id)
	}
	t.staged = append(t.staged, op[T]{kind: opUpdate, id: id, ent: upd.Entity})
	return nil
}

func (t *tx[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return store.TranslateErr(err, id)
	}
	t.owner.mu.Lock()
	ferr := t.owner.takeFailure("delete", id)
	t.owner.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	t.staged = append(t.staged, op[T]{kind: opDelete, id: id})
	return nil
}
