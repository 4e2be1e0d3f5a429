package syncer

import (
	"context"
	"log"
	"os"

	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/mirror"
	"github.com/driftsync/driftsync/internal/session"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/validate"
)

// DocOptions configure a Doc service: the single-document variant of
// Options.
type DocOptions[T entity.Entity] struct {
	// Remote is the store backend. Required.
	Remote store.Store[T]

	// Identity drives the session lifecycle. Required.
	Identity identity.Provider

	// DocID locates the tracked document for a signed-in user, e.g.
	// the per-user settings document. Required.
	DocID func(user identity.UserID) string

	// Placeholder supplies the value consumers see while no document
	// exists or nobody is signed in. Required.
	Placeholder func() T

	Validator validate.Validator[T]
	Hooks     Hooks
	Session   *session.Config
	Clock     clock.Clock
	NewID     entity.IDGenerator
	Logger    *log.Logger
	Emitter   Emitter
}

// Doc is the mutation service for a single remote document.
type Doc[T entity.Entity] struct {
	cache     *mirror.Document[T]
	remote    store.Store[T]
	sess      *session.Session[T]
	docID     func(user identity.UserID) string
	validator validate.Validator[T]
	hooks     Hooks
	clk       clock.Clock
	newID     entity.IDGenerator
	logger    *log.Logger
	emitter   Emitter
}

// NewDoc wires a document service; the session subscribes to the
// user's document id and replaces the single mirror slot on every
// inbound snapshot.
func NewDoc[T entity.Entity](opts DocOptions[T]) *Doc[T] {
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

	d := &Doc[T]{
		cache:     mirror.NewDocument[T](opts.Placeholder, logger),
		remote:    opts.Remote,
		docID:     opts.DocID,
		validator: opts.Validator,
		hooks:     opts.Hooks,
		clk:       clk,
		newID:     newID,
		logger:    logger,
		emitter:   opts.Emitter,
	}

	sessCfg := session.DefaultConfig()
	if opts.Session != nil {
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
		return d.remote.Subscribe(ctx, store.Query{ID: d.docID(user)})
	}

	d.sess = session.New[T](opts.Identity, stream, session.Hooks[T]{
		OnData: func(snapshot []T, user identity.UserID) {
			if d.hooks.BeforeSync != nil {
				d.hooks.BeforeSync()
			}
			switch {
			case snapshot == nil && !user.SignedIn():
				d.cache.Clear(true)
			case len(snapshot) == 0:
				var zero T
				d.cache.Replace(zero, false, true)
			default:
				d.cache.Replace(snapshot[0], true, true)
			}
			if d.hooks.AfterSync != nil {
				d.hooks.AfterSync()
			}
			d.emit(Event{Kind: EventSnapshot, User: string(user), Count: len(snapshot)})
		},
		OnError: func(err *store.Error) {
			d.logger.Printf("document subscription error: %v", err)
			d.emit(Event{Kind: EventSession, Op: "stream-error", Error: err.Error()})
		},
	}, sessCfg)

	return d
}

// Cache exposes the local document mirror.
func (d *Doc[T]) Cache() *mirror.Document[T] { return d.cache }

// Session exposes the stream lifecycle manager.
func (d *Doc[T]) Session() *session.Session[T] { return d.sess }

// Dispose tears down the session.
func (d *Doc[T]) Dispose() { d.sess.Dispose() }

// ID returns the tracked document id for the signed-in user.
func (d *Doc[T]) ID() string {
	return d.docID(d.sess.CachedUser())
}

func (d *Doc[T]) vars() entity.SyncVars {
	return entity.SyncVars{
		ID:     d.ID(),
		Now:    d.clk.Now(),
		UserID: d.sess.CachedUser().OrAnonymous(),
	}
}

func (d *Doc[T]) validate(ent T) error {
	if d.validator == nil {
		return nil
	}
	return validate.Wrap(d.validator.Validate(ent), ent.EntityID())
}

func (d *Doc[T]) emit(ev Event) {
	if d.emitter == nil {
		return
	}
	ev.At = d.clk.Now()
	d.emitter.Emit(ev)
}

func (d *Doc[T]) fail(op string, err error, inTx bool) (Result[T], error) {
	serr := store.TranslateErr(err, d.ID())
	d.emit(Event{Kind: EventMutation, Op: op, EntityID: d.ID(), Error: serr.Error()})
	if inTx {
		return Result[T]{}, serr
	}
	d.logger.Printf("%s %s failed: %v", op, d.ID(), serr)
	return Fail[T](serr), nil
}

// DocMutation describes a single-document mutation. Build/Update are
// interpreted per operation.
type DocMutation[T entity.Entity] struct {
	// Build constructs the document from fresh vars (CreateDoc).
	Build func(vars entity.SyncVars) T

	// Update maps the current document plus fresh vars to the new
	// value (UpdateDoc).
	Update func(cur T, vars entity.SyncVars) T

	// Upsert maps the current document (placeholder when ok=false)
	// plus fresh vars to the new value (UpsertDoc).
	Upsert func(cur T, ok bool, vars entity.SyncVars) T

	Silent bool
	Tx     store.Tx[T]
}

// CreateDoc builds the document, fills the mirror slot, then replays
// the create remotely.
func (d *Doc[T]) CreateDoc(ctx context.Context, m DocMutation[T]) (Result[T], error) {
	vars := d.vars()
	ent := m.Build(vars)
	if err := d.validate(ent); err != nil {
		return d.fail("create", err, m.Tx != nil)
	}

	// The marker must exist before the optimistic write so a snapshot
	// arriving in between cannot clobber it.
	release := d.cache.BeginPending()
	defer release()
	d.cache.Set(ent, !m.Silent)

	var err error
	if m.Tx != nil {
		err = m.Tx.Create(ctx, ent, store.CreateOptions{ID: vars.ID})
	} else {
		_, err = d.remote.Create(ctx, ent, store.CreateOptions{ID: vars.ID})
	}
	if err != nil {
		return d.fail("create", err, m.Tx != nil)
	}

	d.emit(Event{Kind: EventMutation, Op: "create", EntityID: vars.ID, User: string(vars.UserID)})
	return Ok(ent), nil
}

// UpdateDoc applies the updater to the current document and replays
// the update remotely; it fails with not-found while the slot is empty.
func (d *Doc[T]) UpdateDoc(ctx context.Context, m DocMutation[T]) (Result[T], error) {
	cur, ok := d.cache.TryGet()
	if !ok {
		return d.fail("update", store.NotFound(d.ID()), m.Tx != nil)
	}

	vars := d.vars()
	next := m.Update(cur, vars)
	if err := d.validate(next); err != nil {
		return d.fail("update", err, m.Tx != nil)
	}

	release := d.cache.BeginPending()
	defer release()
	d.cache.Set(next, !m.Silent)

	var err error
	if m.Tx != nil {
		err = m.Tx.Update(ctx, vars.ID, store.Update[T]{Entity: next})
	} else {
		_, err = d.remote.Update(ctx, vars.ID, store.Update[T]{Entity: next})
	}
	if err != nil {
		return d.fail("update", err, m.Tx != nil)
	}

	d.emit(Event{Kind: EventMutation, Op: "update", EntityID: vars.ID, User: string(vars.UserID)})
	return Ok(next), nil
}

// UpsertDoc is UpdateDoc tolerant of an empty slot; the remote replay
// always uses merge semantics.
func (d *Doc[T]) UpsertDoc(ctx context.Context, m DocMutation[T]) (Result[T], error) {
	vars := d.vars()
	_, ok := d.cache.TryGet()
	cur := d.cache.Get() // placeholder while the slot is empty
	next := m.Upsert(cur, ok, vars)
	if err := d.validate(next); err != nil {
		return d.fail("upsert", err, m.Tx != nil)
	}

	release := d.cache.BeginPending()
	defer release()
	d.cache.Set(next, !m.Silent)

	opts := store.CreateOptions{ID: vars.ID, Merge: true}
	var err error
	if m.Tx != nil {
		err = m.Tx.Create(ctx, next, opts)
	} else {
		_, err = d.remote.Create(ctx, next, opts)
	}
	if err != nil {
		return d.fail("upsert", err, m.Tx != nil)
	}

	d.emit(Event{Kind: EventMutation, Op: "upsert", EntityID: vars.ID, User: string(vars.UserID)})
	return Ok(next), nil
}

// DeleteDoc clears the slot locally then deletes remotely. An already
// empty slot is a success-as-no-op.
func (d *Doc[T]) DeleteDoc(ctx context.Context, m DocMutation[T]) (Result[T], error) {
	removed, ok := d.cache.TryGet()
	if !ok {
		var zero T
		return Ok(zero), nil
	}

	id := d.ID()
	release := d.cache.BeginPending()
	defer release()
	d.cache.Clear(!m.Silent)

	var err error
	if m.Tx != nil {
		err = m.Tx.Delete(ctx, id)
	} else {
		err = d.remote.Delete(ctx, id)
	}
	if err != nil {
		return d.fail("delete", err, m.Tx != nil)
	}

	d.emit(Event{Kind: EventMutation, Op: "delete", EntityID: id})
	return Ok(removed), nil
}
