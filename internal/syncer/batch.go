package syncer

import (
	"context"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// BatchOptions configure a *Docs batch mutation.
type BatchOptions[T entity.Entity] struct {
	// Tx replays the batch as sequential calls inside the caller's
	// transaction, aborting it on the first failure. Without Tx the
	// batch is committed atomically through the backend's batch
	// primitive.
	Tx store.Tx[T]

	// Timeout bounds the non-transactional commit; zero falls back to
	// the service's CommitTimeout, and zero there means unbounded.
	Timeout time.Duration

	// Silent suppresses the single local listener notification.
	Silent bool
}

// failBatch mirrors fail for batch results.
func (c *Collection[T]) failBatch(op string, err error, inTx bool) (Result[[]T], error) {
	serr := store.TranslateErr(err, "")
	c.emit(Event{Kind: EventMutation, Op: op, Error: serr.Error()})
	if inTx {
		return Result[[]T]{}, serr
	}
	c.logger.Printf("%s failed: %v", op, serr)
	return Fail[[]T](serr), nil
}

// commitCtx applies the batch timeout to ctx.
func (c *Collection[T]) commitCtx(ctx context.Context, opts BatchOptions[T]) (context.Context, context.CancelFunc) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// CreateDocs applies every create to the mirror inside one
// notification boundary, then commits one remote batch atomically (or,
// inside a transaction, replays each create sequentially).
//
// Batches serialize FIFO on the collection's mutex, so two concurrent
// batches never interleave their local/remote windows.
func (c *Collection[T]) CreateDocs(ctx context.Context, reqs []CreateRequest[T], opts BatchOptions[T]) (Result[[]T], error) {
	if len(reqs) == 0 {
		return Ok([]T{}), nil
	}
	unlock, err := c.gate.Acquire(ctx)
	if err != nil {
		return c.failBatch("create-batch", err, opts.Tx != nil)
	}
	defer unlock()

	// Build and validate everything before any write.
	ents := make([]T, 0, len(reqs))
	for _, req := range reqs {
		vars := c.vars()
		if req.ID != "" {
			vars.ID = req.ID
		}
		ent := req.Build(vars)
		if err := c.validate(ent); err != nil {
			return c.failBatch("create-batch", err, opts.Tx != nil)
		}
		ents = append(ents, ent)
	}

	builders := make([]func() T, len(ents))
	for i, ent := range ents {
		ent := ent
		builders[i] = func() T { return ent }
	}
	// Markers go up before the optimistic writes so a snapshot arriving
	// in between cannot clobber them.
	defer c.pendAll(ents)()
	c.cache.CreateMany(builders, !opts.Silent)

	if opts.Tx != nil {
		for _, ent := range ents {
			if err := opts.Tx.Create(ctx, ent, store.CreateOptions{ID: ent.EntityID()}); err != nil {
				return c.failBatch("create-batch", err, true)
			}
		}
	} else {
		batch := c.remote.NewBatch()
		for _, ent := range ents {
			batch.Create(ent, store.CreateOptions{ID: ent.EntityID()})
		}
		cctx, cancel := c.commitCtx(ctx, opts)
		defer cancel()
		if err := c.remote.CommitBatch(cctx, batch); err != nil {
			return c.failBatch("create-batch", err, false)
		}
	}

	c.emit(Event{Kind: EventMutation, Op: "create-batch", Count: len(ents)})
	return Ok(ents), nil
}

// UpdateDocs applies every update locally inside one notification
// boundary, then replays them as one atomic remote batch (or
// sequentially inside the transaction). The whole batch fails on the
// first id absent from the mirror, before any write.
func (c *Collection[T]) UpdateDocs(ctx context.Context, reqs []UpdateRequest[T], opts BatchOptions[T]) (Result[[]T], error) {
	if len(reqs) == 0 {
		return Ok([]T{}), nil
	}
	unlock, err := c.gate.Acquire(ctx)
	if err != nil {
		return c.failBatch("update-batch", err, opts.Tx != nil)
	}
	defer unlock()

	next := make(map[string]T, len(reqs))
	patches := make(map[string]map[string]any)
	ids := make([]string, 0, len(reqs))
	ents := make([]T, 0, len(reqs))
	for _, req := range reqs {
		cur, ok := c.cache.TryFindByID(req.ID)
		if !ok {
			return c.failBatch("update-batch", store.NotFound(req.ID), opts.Tx != nil)
		}
		vars := c.vars()
		vars.ID = req.ID
		ent := req.Update(cur, vars)
		if err := c.validate(ent); err != nil {
			return c.failBatch("update-batch", err, opts.Tx != nil)
		}
		if req.RemotePatch != nil {
			patches[req.ID] = req.RemotePatch(cur, ent, vars)
		}
		next[req.ID] = ent
		ids = append(ids, req.ID)
		ents = append(ents, ent)
	}

	defer c.pendAll(ents)()
	if err := c.cache.UpdateMany(ids, func(cur T) T { return next[cur.EntityID()] }, !opts.Silent); err != nil {
		return c.failBatch("update-batch", err, opts.Tx != nil)
	}

	if opts.Tx != nil {
		for _, id := range ids {
			if err := opts.Tx.Update(ctx, id, store.Update[T]{Entity: next[id], Patch: patches[id]}); err != nil {
				return c.failBatch("update-batch", err, true)
			}
		}
	} else {
		batch := c.remote.NewBatch()
		for _, id := range ids {
			batch.Update(id, store.Update[T]{Entity: next[id], Patch: patches[id]})
		}
		cctx, cancel := c.commitCtx(ctx, opts)
		defer cancel()
		if err := c.remote.CommitBatch(cctx, batch); err != nil {
			return c.failBatch("update-batch", err, false)
		}
	}

	c.emit(Event{Kind: EventMutation, Op: "update-batch", Count: len(ids)})
	return Ok(ents), nil
}

// DeleteDocs removes the listed ids locally inside one notification
// boundary, then replays the deletes as one atomic remote batch (or
// sequentially inside the transaction). Ids absent from the mirror are
// skipped, keeping delete idempotent.
func (c *Collection[T]) DeleteDocs(ctx context.Context, ids []string, opts BatchOptions[T]) (Result[[]T], error) {
	unlock, err := c.gate.Acquire(ctx)
	if err != nil {
		return c.failBatch("delete-batch", err, opts.Tx != nil)
	}
	defer unlock()

	removed := make([]T, 0, len(ids))
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if ent, ok := c.cache.TryFindByID(id); ok {
			removed = append(removed, ent)
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return Ok([]T{}), nil
	}

	defer c.pendIDs(present)()
	c.cache.DeleteMany(present, !opts.Silent)

	if opts.Tx != nil {
		for _, id := range present {
			if err := opts.Tx.Delete(ctx, id); err != nil {
				return c.failBatch("delete-batch", err, true)
			}
		}
	} else {
		batch := c.remote.NewBatch()
		for _, id := range present {
			batch.Delete(id)
		}
		cctx, cancel := c.commitCtx(ctx, opts)
		defer cancel()
		if err := c.remote.CommitBatch(cctx, batch); err != nil {
			return c.failBatch("delete-batch", err, false)
		}
	}

	c.emit(Event{Kind: EventMutation, Op: "delete-batch", Count: len(present)})
	return Ok(removed), nil
}

// UpsertDocs applies every upsert locally inside one notification
// boundary, then replays them with merge semantics as one atomic
// remote batch (or sequentially inside the transaction).
func (c *Collection[T]) UpsertDocs(ctx context.Context, reqs []UpsertRequest[T], opts BatchOptions[T]) (Result[[]T], error) {
	if len(reqs) == 0 {
		return Ok([]T{}), nil
	}
	unlock, err := c.gate.Acquire(ctx)
	if err != nil {
		return c.failBatch("upsert-batch", err, opts.Tx != nil)
	}
	defer unlock()

	next := make(map[string]T, len(reqs))
	ids := make([]string, 0, len(reqs))
	ents := make([]T, 0, len(reqs))
	for _, req := range reqs {
		vars := c.vars()
		if req.ID != "" {
			vars.ID = req.ID
		}
		id := vars.ID
		cur, ok := c.cache.TryFindByID(id)
		ent := req.Upsert(cur, ok, vars)
		if err := c.validate(ent); err != nil {
			return c.failBatch("upsert-batch", err, opts.Tx != nil)
		}
		next[id] = ent
		ids = append(ids, id)
		ents = append(ents, ent)
	}

	defer c.pendIDs(ids)()
	c.cache.UpsertMany(ids, func(id string, _ T, _ bool) T { return next[id] }, !opts.Silent)

	if opts.Tx != nil {
		for _, id := range ids {
			if err := opts.Tx.Create(ctx, next[id], store.CreateOptions{ID: id, Merge: true}); err != nil {
				return c.failBatch("upsert-batch", err, true)
			}
		}
	} else {
		batch := c.remote.NewBatch()
		for _, id := range ids {
			batch.Create(next[id], store.CreateOptions{ID: id, Merge: true})
		}
		cctx, cancel := c.commitCtx(ctx, opts)
		defer cancel()
		if err := c.remote.CommitBatch(cctx, batch); err != nil {
			return c.failBatch("upsert-batch", err, false)
		}
	}

	c.emit(Event{Kind: EventMutation, Op: "upsert-batch", Count: len(ids)})
	return Ok(ents), nil
}

// pendAll marks every entity's id pending and returns a combined
// release.
func (c *Collection[T]) pendAll(ents []T) func() {
	ids := make([]string, len(ents))
	for i, ent := range ents {
		ids[i] = ent.EntityID()
	}
	return c.pendIDs(ids)
}

func (c *Collection[T]) pendIDs(ids []string) func() {
	releases := make([]func(), len(ids))
	for i, id := range ids {
		releases[i] = c.cache.BeginPending(id)
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}
}
