// Package memstore is the in-memory store.Store backend used by tests
// and the interactive demo.
//
// It keeps the full entity set in a map, serves live subscriptions by
// broadcasting a fresh snapshot after every committed write, and can
// inject one-shot failures per operation so callers can exercise the
// engine's error paths without a real backend.
package memstore

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// Store is an in-memory store.Store implementation.
type Store[T entity.Entity] struct {
	logger *log.Logger

	mu          sync.Mutex
	ents        map[string]T
	subs        map[int]*subscription[T]
	nextSub     int
	failNext    map[string]string
	commitDelay time.Duration
	closed      bool

	// txMu serializes transactions; they are rare and coarse here.
	txMu sync.Mutex
}

// New creates an empty in-memory store. If logger is nil, a default
// logger writing to stderr is used.
func New[T entity.Entity](logger *log.Logger) *Store[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[memstore] ", log.LstdFlags)
	}
	return &Store[T]{
		logger:   logger,
		ents:     make(map[string]T),
		subs:     make(map[int]*subscription[T]),
		failNext: make(map[string]string),
	}
}

// FailNext arranges for the next call of op ("get", "create", "update",
// "delete", "query", "subscribe", "commit") to fail with the given raw
// backend code. One-shot.
func (s *Store[T]) FailNext(op, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = raw
}

// FailStreams raises a terminal error on every open subscription.
func (s *Store[T]) FailStreams(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.errs <- store.Translate(raw, "injected stream failure", "", nil):
		default:
		}
	}
}

// CompleteStreams completes every open subscription normally.
func (s *Store[T]) CompleteStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.complete()
	}
}

// SetCommitDelay makes CommitBatch take at least d, so callers can
// exercise commit timeouts.
func (s *Store[T]) SetCommitDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitDelay = d
}

// Len reports how many entities the store holds.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ents)
}

// OpenSubscriptions reports how many subscriptions are registered.
func (s *Store[T]) OpenSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// takeFailure pops an injected failure for op. Caller holds s.mu.
func (s *Store[T]) takeFailure(op, path string) *store.Error {
	raw, ok := s.failNext[op]
	if !ok {
		return nil
	}
	delete(s.failNext, op)
	return store.Translate(raw, "injected "+op+" failure", path, nil)
}

// Get implements store.Store.
func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, store.TranslateErr(err, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ferr := s.takeFailure("get", id); ferr != nil {
		return zero, ferr
	}
	ent, ok := s.ents[id]
	if !ok {
		return zero, store.NotFound(id)
	}
	return ent, nil
}

// Create implements store.Store. MergeFields are treated as a full
// merge: this backend has no partial representation to merge into.
func (s *Store[T]) Create(ctx context.Context, ent T, opts store.CreateOptions) (store.Reference, error) {
	if err := ctx.Err(); err != nil {
		return store.Reference{}, store.TranslateErr(err, ent.EntityID())
	}
	id := opts.ID
	if id == "" {
		id = ent.EntityID()
	}

	s.mu.Lock()
	if ferr := s.takeFailure("create", id); ferr != nil {
		s.mu.Unlock()
		return store.Reference{}, ferr
	}
	if _, exists := s.ents[id]; exists && !opts.Merge {
		s.mu.Unlock()
		return store.Reference{}, store.Translate("already-exists", "entity already exists", id, nil)
	}
	s.ents[id] = ent
	s.broadcastLocked()
	s.mu.Unlock()

	return store.Reference{ID: id, Path: "mem/" + id}, nil
}

// Update implements store.Store. The full replacement entity is
// stored; Patch is ignored by this backend.
func (s *Store[T]) Update(ctx context.Context, id string, upd store.Update[T]) (store.Reference, error) {
	if err := ctx.Err(); err != nil {
		return store.Reference{}, store.TranslateErr(err, id)
	}
	s.mu.Lock()
	if ferr := s.takeFailure("update", id); ferr != nil {
		s.mu.Unlock()
		return store.Reference{}, ferr
	}
	if _, exists := s.ents[id]; !exists {
		s.mu.Unlock()
		return store.Reference{}, store.NotFound(id)
	}
	s.ents[id] = upd.Entity
	s.broadcastLocked()
	s.mu.Unlock()

	return store.Reference{ID: id, Path: "mem/" + id}, nil
}

// Delete implements store.Store. Deleting an absent id is a no-op.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return store.TranslateErr(err, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ferr := s.takeFailure("delete", id); ferr != nil {
		return ferr
	}
	if _, exists := s.ents[id]; !exists {
		return nil
	}
	delete(s.ents, id)
	s.broadcastLocked()
	return nil
}

// RunQuery implements store.Store.
func (s *Store[T]) RunQuery(ctx context.Context, q store.Query) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.TranslateErr(err, "")
	}
	compiled, err := q.Compile()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ferr := s.takeFailure("query", q.Describe()); ferr != nil {
		return nil, ferr
	}
	return s.matchLocked(compiled)
}

func (s *Store[T]) matchLocked(compiled *store.Compiled) ([]T, error) {
	out := make([]T, 0, len(s.ents))
	for _, ent := range s.ents {
		ok, err := compiled.Match(ent)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (s *Store[T]) broadcastLocked() {
	for _, sub := range s.subs {
		snap, err := s.matchLocked(sub.compiled)
		if err != nil {
			select {
			case sub.errs <- store.TranslateErr(err, ""):
			default:
			}
			continue
		}
		sub.push(snap)
	}
}
