// Package session implements the authentication-gated stream
// lifecycle manager at the heart of the sync engine.
//
// A Session owns one live subscription per signed-in identity. It
// listens to the identity provider's change stream, opens a data
// subscription when somebody signs in, tears it down on sign-out, and
// recovers from stream failures with a bounded, debounced retry.
//
// # State machine
//
//	Idle → AwaitingIdentity → Subscribed → Retrying → Disposed
//
// All state transitions and consumer hooks run on a single loop
// goroutine, so hooks observe transitions in order and never
// concurrently. Once the retry budget is exhausted the session stays
// torn down until ResetAndResubscribe is called.
package session

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/async"
	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/store"
)

// State identifies where the session is in its lifecycle.
type State int

const (
	// StateIdle: constructed but not yet listening (DeferStart), or
	// torn down after exhausting the retry budget.
	StateIdle State = iota
	// StateAwaitingIdentity: listening for a sign-in, no data
	// subscription open.
	StateAwaitingIdentity
	// StateSubscribed: a live data subscription is open.
	StateSubscribed
	// StateRetrying: the stream failed; a retry timer is pending.
	StateRetrying
	// StateDisposed: Dispose was called; terminal.
	StateDisposed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingIdentity:
		return "awaiting-identity"
	case StateSubscribed:
		return "subscribed"
	case StateRetrying:
		return "retrying"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// StreamFunc opens the data subscription for a signed-in user. The
// returned subscription must honor ctx cancellation.
type StreamFunc[T entity.Entity] func(ctx context.Context, user identity.UserID) (store.Subscription[T], error)

// Hooks are the consumer callbacks a session drives. Any field may be
// nil. All hooks run on the session's loop goroutine.
type Hooks[T entity.Entity] struct {
	// OnAuth fires when a sign-in is observed, before the data
	// subscription opens.
	OnAuth func(user identity.UserID)

	// OnData fires for every inbound snapshot. A nil snapshot with an
	// empty user means "signed out, clear your cache" — it also fires
	// when the identity stream reports signed-out while already
	// signed out.
	OnData func(snapshot []T, user identity.UserID)

	// OnError fires when the subscription fails, before the retry is
	// scheduled.
	OnError func(err *store.Error)

	// OnDone fires when the upstream completes the stream normally.
	OnDone func()
}

// Config holds session tuning knobs.
type Config struct {
	// RetryDelay is the fixed pause before each resubscribe attempt.
	RetryDelay time.Duration

	// MaxAttempts caps consecutive failed attempts before the session
	// gives up and stays torn down.
	MaxAttempts int

	// DeferStart skips the initial subscribe; the owner calls Start.
	DeferStart bool

	// Clock supplies timers; nil means the system clock.
	Clock clock.Clock

	// Logger for session activity; nil means a stderr default.
	Logger *log.Logger
}

// DefaultConfig returns the production defaults: 10s between retries,
// 20 attempts.
func DefaultConfig() *Config {
	return &Config{
		RetryDelay:  10 * time.Second,
		MaxAttempts: 20,
	}
}

// Session keeps one identity-gated data subscription alive.
type Session[T entity.Entity] struct {
	provider identity.Provider
	stream   StreamFunc[T]
	hooks    Hooks[T]
	cfg      *Config
	clk      clock.Clock
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	retry  *async.Debouncer
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          State
	started        bool
	disposed       bool
	cachedUser     identity.UserID
	attempts       int
	identityCh     <-chan identity.UserID
	identityCancel func()
	dataGen        int
	dataSub        store.Subscription[T]
	dataCancel     context.CancelFunc
}

// New creates a session over the given identity provider and stream
// opener. Unless cfg.DeferStart is set, the session immediately begins
// listening for identity changes.
func New[T entity.Entity](provider identity.Provider, stream StreamFunc[T], hooks Hooks[T], cfg *Config) *Session[T] {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		// Default into a copy; the caller's struct stays untouched.
		c := *cfg
		cfg = &c
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session[T]{
		provider: provider,
		stream:   stream,
		hooks:    hooks,
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func(), 16),
		retry:    async.NewDebouncer(cfg.RetryDelay, clk),
		state:    StateIdle,
	}

	if !cfg.DeferStart {
		s.Start()
	}
	return s
}

// Start begins listening to the identity stream. It is a no-op on a
// started or disposed session.
func (s *Session[T]) Start() {
	s.mu.Lock()
	if s.started || s.disposed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateAwaitingIdentity
	s.identityCh, s.identityCancel = s.provider.Subscribe()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// State returns the current lifecycle state.
func (s *Session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CachedUser returns the identity the session last saw signed in
// ("" while signed out).
func (s *Session[T]) CachedUser() identity.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedUser
}

// Attempts returns the consecutive failed subscribe attempts so far.
func (s *Session[T]) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Dispose tears the session down: identity and data subscriptions are
// cancelled, any pending retry timer is stopped, and the attempt
// counter is reset. Idempotent.
func (s *Session[T]) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.state = StateDisposed
	s.attempts = 0
	if s.identityCancel != nil {
		s.identityCancel()
		s.identityCancel = nil
	}
	s.identityCh = nil
	s.closeDataLocked()
	s.mu.Unlock()

	s.retry.TryCancel()
	s.cancel()
}

// Wait blocks until the session's goroutines exit. Only meaningful
// after Dispose; must not be called from a hook.
func (s *Session[T]) Wait() {
	s.wg.Wait()
}

// ResetAndResubscribe disposes the current subscriptions and performs
// the initial subscribe sequence again. The retry counter is left
// untouched: resetting it is the caller's choice via Dispose.
func (s *Session[T]) ResetAndResubscribe() {
	s.mu.Lock()
	if s.disposed || !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.post(func() {
		s.retry.TryCancel()
		s.closeData()

		s.mu.Lock()
		needIdentity := s.identityCh == nil
		s.state = StateAwaitingIdentity
		if needIdentity {
			s.identityCh, s.identityCancel = s.provider.Subscribe()
		}
		s.mu.Unlock()

		if !needIdentity {
			// Identity stream still live: rerun the subscribe sequence
			// with the current identity instead of waiting for a change.
			s.handleIdentity(s.provider.Current())
		}
	})
}

// run is the session's single event loop. Identity changes, pump
// events and retry firings are all serialized here.
func (s *Session[T]) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		idCh := s.identityCh
		s.mu.Unlock()

		select {
		case user, ok := <-idCh:
			if !ok {
				// Provider shut down; keep serving events until Dispose.
				s.mu.Lock()
				s.identityCh = nil
				s.mu.Unlock()
				continue
			}
			s.handleIdentity(user)
		case fn := <-s.events:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// post schedules fn onto the loop goroutine.
func (s *Session[T]) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

// handleIdentity reacts to an identity-change event (loop goroutine).
func (s *Session[T]) handleIdentity(user identity.UserID) {
	if !user.SignedIn() {
		// A retry armed while subscribed for the previous user must not
		// fire after sign-out.
		s.retry.TryCancel()
		s.closeData()
		s.mu.Lock()
		s.cachedUser = ""
		if !s.disposed {
			s.state = StateAwaitingIdentity
		}
		s.mu.Unlock()
		// Fires even when already signed out, so consumers can clear.
		if s.hooks.OnData != nil {
			s.hooks.OnData(nil, "")
		}
		return
	}

	s.mu.Lock()
	s.cachedUser = user
	s.mu.Unlock()

	if s.hooks.OnAuth != nil {
		s.hooks.OnAuth(user)
	}
	s.openStream(user)
}

// openStream tears down any existing data subscription and opens a new
// one for user (loop goroutine).
func (s *Session[T]) openStream(user identity.UserID) {
	s.closeData()

	ctx, cancel := context.WithCancel(s.ctx)
	sub, err := s.stream(ctx, user)
	if err != nil {
		cancel()
		s.failStream(store.TranslateErr(err, ""))
		return
	}

	s.mu.Lock()
	s.dataGen++
	gen := s.dataGen
	s.dataSub = sub
	s.dataCancel = cancel
	if !s.disposed {
		s.state = StateSubscribed
		s.attempts = 0
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(gen, sub, ctx, user)
}

// pump forwards one subscription's events onto the loop goroutine,
// preserving snapshot order.
func (s *Session[T]) pump(gen int, sub store.Subscription[T], ctx context.Context, user identity.UserID) {
	defer s.wg.Done()
	snapshots := sub.Snapshots()
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			s.post(func() {
				if s.liveGen(gen) && s.hooks.OnData != nil {
					s.hooks.OnData(snap, user)
				}
			})
		case err := <-sub.Errs():
			s.post(func() {
				if s.liveGen(gen) {
					s.failStream(store.TranslateErr(err, ""))
				}
			})
			return
		case <-sub.Done():
			s.post(func() {
				if s.liveGen(gen) {
					s.streamDone()
				}
			})
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session[T]) liveGen(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.dataGen && !s.disposed
}

// failStream handles a subscription failure (loop goroutine): invoke
// the error hook, then schedule a debounced retry unless the budget is
// spent.
func (s *Session[T]) failStream(err *store.Error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
	s.closeData()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		// Budget spent: tear down and stop listening. Only
		// ResetAndResubscribe revives the session.
		s.state = StateIdle
		if s.identityCancel != nil {
			s.identityCancel()
			s.identityCancel = nil
		}
		s.identityCh = nil
		s.mu.Unlock()
		s.logger.Printf("stream failed after %d attempts, giving up: %v", s.cfg.MaxAttempts, err)
		return
	}
	s.attempts++
	attempt := s.attempts
	s.state = StateRetrying
	s.mu.Unlock()

	s.logger.Printf("stream failed (attempt %d/%d), retrying in %s: %v",
		attempt, s.cfg.MaxAttempts, s.cfg.RetryDelay, err)

	// A retry request while a timer is pending restarts it; timers
	// never stack.
	s.retry.Run(func() {
		s.post(s.retryNow)
	})
}

// retryNow re-enters AwaitingIdentity and immediately resubscribes if
// an identity is still present (loop goroutine).
func (s *Session[T]) retryNow() {
	s.closeData()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingIdentity
	s.mu.Unlock()

	s.handleIdentity(s.provider.Current())
}

// streamDone handles normal upstream completion (loop goroutine).
func (s *Session[T]) streamDone() {
	if s.hooks.OnDone != nil {
		s.hooks.OnDone()
	}
	s.closeData()
	s.mu.Lock()
	if !s.disposed {
		s.state = StateAwaitingIdentity
	}
	s.mu.Unlock()
}

func (s *Session[T]) closeData() {
	s.mu.Lock()
	s.closeDataLocked()
	s.mu.Unlock()
}

func (s *Session[T]) closeDataLocked() {
	s.dataGen++
	if s.dataSub != nil {
		s.dataSub.Close()
		s.dataSub = nil
	}
	if s.dataCancel != nil {
		s.dataCancel()
		s.dataCancel = nil
	}
}
