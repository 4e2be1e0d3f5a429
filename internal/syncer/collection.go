package syncer

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/driftsync/driftsync/internal/async"
	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/mirror"
	"github.com/driftsync/driftsync/internal/session"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/validate"
)

// Hooks are optional callbacks fired around the moment the mirror
// absorbs an inbound remote snapshot (never around locally initiated
// mutations). They are the integration point for derived state such as
// sorted views and filters.
type Hooks struct {
	BeforeSync func()
	AfterSync  func()
}

// Options configure a Collection service.
type Options[T entity.Entity] struct {
	// Remote is the store backend. Required.
	Remote store.Store[T]

	// Identity drives the session's subscribe/teardown lifecycle.
	// Required.
	Identity identity.Provider

	// Query restricts the live subscription.
	Query store.Query

	// OwnerScoped restricts the subscription to entities owned by the
	// signed-in user by setting Query.Owner per sign-in.
	OwnerScoped bool

	// Validator, when set, checks every entity before any write.
	Validator validate.Validator[T]

	// Hooks fire around inbound snapshot absorption.
	Hooks Hooks

	// Session tunes the stream lifecycle (retry delay, max attempts,
	// deferred start).
	Session *session.Config

	// Clock supplies mutation timestamps; nil means the system clock.
	Clock clock.Clock

	// NewID generates entity ids; nil means UUIDs.
	NewID entity.IDGenerator

	// Logger for service activity; nil means a stderr default.
	Logger *log.Logger

	// CommitTimeout bounds non-transactional batch commits. Zero means
	// no default timeout.
	CommitTimeout time.Duration

	// Emitter receives monitoring events. Optional.
	Emitter Emitter
}

// Collection is the mutation service for one remote collection: it
// owns the local mirror, the identity-gated session feeding it, and
// the optimistic create/update/delete/upsert operations.
type Collection[T entity.Entity] struct {
	cache     *mirror.Collection[T]
	remote    store.Store[T]
	sess      *session.Session[T]
	validator validate.Validator[T]
	hooks     Hooks
	clk       clock.Clock
	newID     entity.IDGenerator
	logger    *log.Logger
	timeout   time.Duration
	emitter   Emitter

	// gate serializes batch mutations FIFO so concurrent bursts cannot
	// interleave their local/remote windows.
	gate async.Mutex
}

// NewCollection wires a collection service: a mirror for the local
// snapshot and a session that replaces it wholesale on every inbound
// snapshot. Unless opts.Session defers it, the session starts
// immediately.
func NewCollection[T entity.Entity](opts Options[T]) *Collection[T] {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	newID := opts.NewID
	if newID == nil {
		newID = entity.NewUUID
	}

	c := &Collection[T]{
		cache:     mirror.NewCollection[T](logger),
		remote:    opts.Remote,
		validator: opts.Validator,
		hooks:     opts.Hooks,
		clk:       clk,
		newID:     newID,
		logger:    logger,
		timeout:   opts.CommitTimeout,
		emitter:   opts.Emitter,
	}

	sessCfg := session.DefaultConfig()
	if opts.Session != nil {
		// Default into a copy; the caller's struct stays untouched.
		c := *opts.Session
		sessCfg = &c
	}
	if sessCfg.Clock == nil {
		sessCfg.Clock = clk
	}
	if sessCfg.Logger == nil {
		sessCfg.Logger = logger
	}

	stream := func(ctx context.Context, user identity.UserID) (store.Subscription[T], error) {
		q := opts.Query
		if opts.OwnerScoped {
			q.Owner = string(user)
		}
		return c.remote.Subscribe(ctx, q)
	}

	c.sess = session.New[T](opts.Identity, stream, session.Hooks[T]{
		OnAuth: func(user identity.UserID) {
			c.emit(Event{Kind: EventSession, Op: "auth", User: string(user)})
		},
		OnData: func(snapshot []T, user identity.UserID) {
			if c.hooks.BeforeSync != nil {
				c.hooks.BeforeSync()
			}
			if snapshot == nil && !user.SignedIn() {
				c.cache.Clear(true)
			} else {
				c.cache.ReplaceAll(snapshot, true)
			}
			if c.hooks.AfterSync != nil {
				c.hooks.AfterSync()
			}
			c.emit(Event{Kind: EventSnapshot, User: string(user), Count: len(snapshot)})
		},
		OnError: func(err *store.Error) {
			c.logger.Printf("subscription error: %v", err)
			c.emit(Event{Kind: EventSession, Op: "stream-error", Error: err.Error()})
		},
		OnDone: func() {
			c.emit(Event{Kind: EventSession, Op: "stream-done"})
		},
	}, sessCfg)

	return c
}

// Cache exposes the local mirror for reads and listener registration.
func (c *Collection[T]) Cache() *mirror.Collection[T] { return c.cache }

// Session exposes the stream lifecycle manager.
func (c *Collection[T]) Session() *session.Session[T] { return c.sess }

// Dispose tears down the session and abandons queued batch waiters.
func (c *Collection[T]) Dispose() {
	c.sess.Dispose()
	c.gate.Dispose()
}

// vars builds the fresh per-mutation value triple.
func (c *Collection[T]) vars() entity.SyncVars {
	return entity.SyncVars{
		ID:     c.newID(),
		Now:    c.clk.Now(),
		UserID: c.sess.CachedUser().OrAnonymous(),
	}
}

func (c *Collection[T]) validate(ent T) error {
	if c.validator == nil {
		return nil
	}
	return validate.Wrap(c.validator.Validate(ent), ent.EntityID())
}

func (c *Collection[T]) emit(ev Event) {
	if c.emitter == nil {
		return
	}
	ev.At = c.clk.Now()
	c.emitter.Emit(ev)
}

// fail finishes a mutation as a failure. Inside a transaction the
// translated error is returned so the caller's RunTransaction aborts;
// outside it is logged and wrapped into a Fail result. Either way the
// optimistic local write stays in place.
func (c *Collection[T]) fail(op, id string, err error, inTx bool) (Result[T], error) {
	serr := store.TranslateErr(err, id)
	c.emit(Event{Kind: EventMutation, Op: op, EntityID: id, Error: serr.Error()})
	if inTx {
		return Result[T]{}, serr
	}
	c.logger.Printf("%s %s failed: %v", op, id, serr)
	return Fail[T](serr), nil
}

// CreateRequest describes a single optimistic create.
type CreateRequest[T entity.Entity] struct {
	// ID overrides the generated id in the builder's SyncVars.
	ID string

	// Build constructs the entity from the fresh vars. Required.
	Build func(vars entity.SyncVars) T

	// Silent suppresses the local listener notification.
	Silent bool

	// Tx, when set, replays the remote write inside the caller's
	// transaction; failures then abort it instead of returning Fail.
	Tx store.Tx[T]
}

// CreateDoc builds the entity, writes it to the mirror, then replays
// the create remotely. The mirror write is observable before the
// remote result is.
func (c *Collection[T]) CreateDoc(ctx context.Context, req CreateRequest[T]) (Result[T], error) {
	vars := c.vars()
	if req.ID != "" {
		vars.ID = req.ID
	}
	ent := req.Build(vars)
	if err := c.validate(ent); err != nil {
		return c.fail("create", ent.EntityID(), err, req.Tx != nil)
	}

	// The marker must exist before the optimistic write so a snapshot
	// arriving in between cannot clobber it.
	release := c.cache.BeginPending(ent.EntityID())
	defer release()
	c.cache.CreateMany([]func() T{func() T { return ent }}, !req.Silent)

	var err error
	if req.Tx != nil {
		err = req.Tx.Create(ctx, ent, store.CreateOptions{ID: ent.EntityID()})
	} else {
		_, err = c.remote.Create(ctx, ent, store.CreateOptions{ID: ent.EntityID()})
	}
	if err != nil {
		return c.fail("create", ent.EntityID(), err, req.Tx != nil)
	}

	c.emit(Event{Kind: EventMutation, Op: "create", EntityID: ent.EntityID(), User: string(vars.UserID)})
	return Ok(ent), nil
}

// UpdateRequest describes a single optimistic update.
type UpdateRequest[T entity.Entity] struct {
	// ID of the entity to update. Required.
	ID string

	// Update maps the current local entity plus fresh vars to the new
	// value. Required.
	Update func(cur T, vars entity.SyncVars) T

	// RemotePatch, when set, builds the partial update sent to the
	// backend instead of the full entity.
	RemotePatch func(cur, next T, vars entity.SyncVars) map[string]any

	Silent bool
	Tx     store.Tx[T]
}

// UpdateDoc applies the updater to the current local entity, stores
// the result in the mirror, then replays the update remotely.
func (c *Collection[T]) UpdateDoc(ctx context.Context, req UpdateRequest[T]) (Result[T], error) {
	cur, err := c.cache.FindByID(req.ID)
	if err != nil {
		return c.fail("update", req.ID, err, req.Tx != nil)
	}

	vars := c.vars()
	vars.ID = req.ID
	next := req.Update(cur, vars)
	if err := c.validate(next); err != nil {
		return c.fail("update", req.ID, err, req.Tx != nil)
	}

	release := c.cache.BeginPending(req.ID)
	defer release()
	if err := c.cache.UpdateMany([]string{req.ID}, func(T) T { return next }, !req.Silent); err != nil {
		return c.fail("update", req.ID, err, req.Tx != nil)
	}

	upd := store.Update[T]{Entity: next}
	if req.RemotePatch != nil {
		upd.Patch = req.RemotePatch(cur, next, vars)
	}
	if req.Tx != nil {
		err = req.Tx.Update(ctx, req.ID, upd)
	} else {
		_, err = c.remote.Update(ctx, req.ID, upd)
	}
	if err != nil {
		return c.fail("update", req.ID, err, req.Tx != nil)
	}

	c.emit(Event{Kind: EventMutation, Op: "update", EntityID: req.ID, User: string(vars.UserID)})
	return Ok(next), nil
}

// DeleteRequest describes a single optimistic delete.
type DeleteRequest[T entity.Entity] struct {
	ID     string
	Silent bool
	Tx     store.Tx[T]
}

// DeleteDoc removes the entity locally first, then remotely. Deleting
// an id absent from the mirror is a success-as-no-op: no error, no
// remote call.
func (c *Collection[T]) DeleteDoc(ctx context.Context, req DeleteRequest[T]) (Result[T], error) {
	removed, ok := c.cache.TryFindByID(req.ID)
	if !ok {
		var zero T
		return Ok(zero), nil
	}

	release := c.cache.BeginPending(req.ID)
	defer release()
	c.cache.DeleteMany([]string{req.ID}, !req.Silent)

	var err error
	if req.Tx != nil {
		err = req.Tx.Delete(ctx, req.ID)
	} else {
		err = c.remote.Delete(ctx, req.ID)
	}
	if err != nil {
		return c.fail("delete", req.ID, err, req.Tx != nil)
	}

	c.emit(Event{Kind: EventMutation, Op: "delete", EntityID: req.ID})
	return Ok(removed), nil
}

// UpsertRequest describes a single optimistic upsert.
type UpsertRequest[T entity.Entity] struct {
	// ID of the entity to upsert. Empty means a fresh generated id.
	ID string

	// Upsert maps the current local entity (ok=false when absent) plus
	// fresh vars to the new value. Required.
	Upsert func(cur T, ok bool, vars entity.SyncVars) T

	Silent bool
	Tx     store.Tx[T]
}

// UpsertDoc is UpdateDoc tolerant of the entity not existing locally
// yet; the remote replay always uses merge semantics.
func (c *Collection[T]) UpsertDoc(ctx context.Context, req UpsertRequest[T]) (Result[T], error) {
	vars := c.vars()
	if req.ID != "" {
		vars.ID = req.ID
	}
	id := vars.ID

	cur, ok := c.cache.TryFindByID(id)
	next := req.Upsert(cur, ok, vars)
	if err := c.validate(next); err != nil {
		return c.fail("upsert", id, err, req.Tx != nil)
	}

	release := c.cache.BeginPending(id)
	defer release()
	c.cache.UpsertMany([]string{id}, func(string, T, bool) T { return next }, !req.Silent)

	opts := store.CreateOptions{ID: id, Merge: true}
	var err error
	if req.Tx != nil {
		err = req.Tx.Create(ctx, next, opts)
	} else {
		_, err = c.remote.Create(ctx, next, opts)
	}
	if err != nil {
		return c.fail("upsert", id, err, req.Tx != nil)
	}

	c.emit(Event{Kind: EventMutation, Op: "upsert", EntityID: id, User: string(vars.UserID)})
	return Ok(next), nil
}
