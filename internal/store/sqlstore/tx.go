package sqlstore

import (
	"context"
	"database/sql"

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
	upd  store.Update[T]
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
	b.ops = append(b.ops, op[T]{kind: opUpdate, id: id, upd: upd})
}

func (b *batch[T]) Delete(id string) {
	b.ops = append(b.ops, op[T]{kind: opDelete, id: id})
}

func (b *batch[T]) Len() int { return len(b.ops) }

// CommitBatch implements store.Store: the batch runs in one database
// transaction, so every operation lands or none does. One broadcast is
// emitted for the whole batch.
func (s *Store[T]) CommitBatch(ctx context.Context, sb store.Batch[T]) error {
	b, ok := sb.(*batch[T])
	if !ok {
		return store.Translate("invalid-argument", "batch was not created by this store", "", nil)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "")
	}
	if err := s.applyOps(ctx, dbtx, b.ops); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return translate(err, "")
	}

	s.broadcast()
	return nil
}

func (s *Store[T]) applyOps(ctx context.Context, dbtx *sql.Tx, ops []op[T]) error {
	for _, o := range ops {
		switch o.kind {
		case opCreate:
			if err := s.createIn(ctx, dbtx, o.ent, o.opts); err != nil {
				return err
			}
		case opUpdate:
			if _, err := s.applyUpdate(ctx, dbtx, o.id, o.upd); err != nil {
				return err
			}
		case opDelete:
			if _, err := dbtx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", o.id); err != nil {
				return translate(err, o.id)
			}
		}
	}
	return nil
}

func (s *Store[T]) createIn(ctx context.Context, ex execer, ent T, opts store.CreateOptions) error {
	id := opts.ID
	if id == "" {
		id = ent.EntityID()
	}
	payload, err := encode(ent)
	if err != nil {
		return err
	}
	query := "INSERT INTO entities (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)"
	if opts.Merge {
		query += ` ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	}
	if _, err := ex.ExecContext(ctx, query, id, ownerOf(ent), payload, now()); err != nil {
		return translate(err, id)
	}
	return nil
}

// tx adapts a database transaction to store.Tx.
type tx[T entity.Entity] struct {
	owner *Store[T]
	dbtx  *sql.Tx
}

// RunTransaction implements store.Store. The callback's error aborts
// the transaction and is returned unchanged; subscribers see one
// snapshot push after a successful commit.
func (s *Store[T]) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx[T]) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, "")
	}
	if err := fn(ctx, &tx[T]{owner: s, dbtx: dbtx}); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return translate(err, "")
	}

	s.broadcast()
	return nil
}

func (t *tx[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var payload []byte
	err := t.dbtx.QueryRowContext(ctx,
		"SELECT payload FROM entities WHERE id = ?", id).Scan(&payload)
	if err != nil {
		return zero, translate(err, id)
	}
	return decode[T](payload)
}

func (t *tx[T]) Create(ctx context.Context, ent T, opts store.CreateOptions) error {
	return t.owner.createIn(ctx, t.dbtx, ent, opts)
}

func (t *tx[T]) Update(ctx context.Context, id string, upd store.Update[T]) error {
	_, err := t.owner.applyUpdate(ctx, t.dbtx, id, upd)
	return err
}

func (t *tx[T]) Delete(ctx context.Context, id string) error {
	if _, err := t.dbtx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return translate(err, id)
	}
	return nil
}
