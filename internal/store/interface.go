// Package store defines the remote-store boundary of the sync engine.
//
// The engine itself never speaks a wire protocol; it talks to a
// Store[T] implementation (memstore for tests and the demo, sqlstore
// for the embedded-SQLite backend) and translates every backend
// failure into the fixed *Error taxonomy in errors.go.
package store

import (
	"context"

	"github.com/driftsync/driftsync/internal/entity"
)

// Reference identifies a written entity within its backend.
type Reference struct {
	// ID is the entity id the write landed on.
	ID string

	// Path is a backend-specific locator, used only for diagnostics.
	Path string
}

// CreateOptions control how Create lands an entity.
type CreateOptions struct {
	// ID overrides the entity's own id as the storage key. Empty means
	// use entity.EntityID().
	ID string

	// Merge writes with upsert semantics: an existing entity is
	// overwritten instead of failing with already-exists.
	Merge bool

	// MergeFields restricts a merge to the named top-level JSON fields.
	// Ignored unless Merge is true.
	MergeFields []string
}

// Update carries a full replacement entity plus an optional
// field-level patch for backends that support partial writes.
type Update[T entity.Entity] struct {
	// Entity is the complete post-update value.
	Entity T

	// Patch, when non-nil, names only the changed top-level JSON
	// fields. Backends without partial-write support apply Entity.
	Patch map[string]any
}

// Subscription is a live feed of full snapshots for a query.
//
// Snapshots are delivered strictly in the order the backend emits
// them. Exactly one of Errs or Done terminates the feed; Close
// releases it from the consumer side.
type Subscription[T entity.Entity] interface {
	// Snapshots delivers full point-in-time listings, newest last.
	Snapshots() <-chan []T

	// Errs delivers a terminal stream failure.
	Errs() <-chan error

	// Done is closed when the backend completes the stream normally.
	Done() <-chan struct{}

	// Close releases the subscription. Idempotent.
	Close()
}

// Batch accumulates writes to be committed atomically.
type Batch[T entity.Entity] interface {
	Create(ent T, opts CreateOptions)
	Update(id string, upd Update[T])
	Delete(id string)

	// Len reports how many operations the batch holds.
	Len() int
}

// Tx is the operation surface available inside RunTransaction. Every
// method returns a translated *Error on failure; the first failure
// should abort the enclosing transaction.
type Tx[T entity.Entity] interface {
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, ent T, opts CreateOptions) error
	Update(ctx context.Context, id string, upd Update[T]) error
	Delete(ctx context.Context, id string) error
}

// Store is the remote collaborator for a single entity type.
//
// All errors returned by a Store are *Error values built via
// Translate, so callers can rely on the taxonomy regardless of
// backend.
type Store[T entity.Entity] interface {
	// Get fetches one entity; not-found is an *Error with CodeNotFound.
	Get(ctx context.Context, id string) (T, error)

	// Create writes a new entity. Without Merge, an existing id fails
	// with already-exists.
	Create(ctx context.Context, ent T, opts CreateOptions) (Reference, error)

	// Update overwrites an existing entity; a missing id fails with
	// not-found.
	Update(ctx context.Context, id string, upd Update[T]) (Reference, error)

	// Delete removes an entity. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// RunQuery evaluates q against the current contents.
	RunQuery(ctx context.Context, q Query) ([]T, error)

	// Subscribe opens a live snapshot feed for q. The first snapshot
	// reflects the contents at subscription time.
	Subscribe(ctx context.Context, q Query) (Subscription[T], error)

	// NewBatch starts an empty atomic write group for CommitBatch.
	NewBatch() Batch[T]

	// CommitBatch applies all batched operations atomically: either
	// every operation lands or none does.
	CommitBatch(ctx context.Context, b Batch[T]) error

	// RunTransaction runs fn with an all-or-nothing operation surface.
	// An error from fn aborts the transaction and is returned as-is.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx[T]) error) error

	// Close releases the backend. Open subscriptions complete.
	Close() error
}
