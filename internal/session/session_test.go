package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/identity"
	"github.com/driftsync/driftsync/internal/store"
)

type item struct {
	ID string `json:"id"`
}

func (i item) EntityID() string { return i.ID }

// fakeSub is a hand-driven store.Subscription for session tests.
type fakeSub struct {
	snaps chan []item
	errs  chan error
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		snaps: make(chan []item, 16),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (f *fakeSub) Snapshots() <-chan []item { return f.snaps }
func (f *fakeSub) Errs() <-chan error       { return f.errs }
func (f *fakeSub) Done() <-chan struct{}    { return f.done }

func (f *fakeSub) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSub) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testConfig(clk clock.Clock) *Config {
	return &Config{
		RetryDelay:  10 * time.Second,
		MaxAttempts: 3,
		Clock:       clk,
		Logger:      log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvSnapshot(t *testing.T, ch <-chan []item, what string) []item {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestSignInOpensSubscriptionAndDeliversSnapshots(t *testing.T) {
	provider := identity.NewMemory()
	sub := newFakeSub()

	var authed []identity.UserID
	snapCh := make(chan []item, 16)

	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			return sub, nil
		},
		Hooks[item]{
			OnAuth: func(u identity.UserID) { authed = append(authed, u) },
			OnData: func(snap []item, u identity.UserID) { snapCh <- snap },
		},
		testConfig(nil))
	defer s.Dispose()

	// Initial identity is signed-out: the seeded event clears consumers.
	snap := recvSnapshot(t, snapCh, "initial signed-out event")
	assert.Nil(t, snap)

	provider.SignIn("alice")
	waitFor(t, "subscribed state", func() bool { return s.State() == StateSubscribed })
	assert.Equal(t, identity.UserID("alice"), s.CachedUser())
	assert.Equal(t, []identity.UserID{"alice"}, authed)

	sub.snaps <- []item{{ID: "a"}, {ID: "b"}}
	snap = recvSnapshot(t, snapCh, "first snapshot")
	require.Len(t, snap, 2)

	// Snapshots arrive in subscription order.
	sub.snaps <- []item{{ID: "a"}}
	snap = recvSnapshot(t, snapCh, "second snapshot")
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].ID)
}

func TestSignOutClosesSubscriptionAndClearsConsumer(t *testing.T) {
	provider := identity.NewMemory()
	provider.SignIn("alice")
	sub := newFakeSub()
	snapCh := make(chan []item, 16)

	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			return sub, nil
		},
		Hooks[item]{OnData: func(snap []item, u identity.UserID) { snapCh <- snap }},
		testConfig(nil))
	defer s.Dispose()

	waitFor(t, "subscribed state", func() bool { return s.State() == StateSubscribed })

	provider.SignOut()
	snap := recvSnapshot(t, snapCh, "sign-out clear event")
	assert.Nil(t, snap)
	waitFor(t, "subscription closed", sub.Closed)
	assert.Equal(t, StateAwaitingIdentity, s.State())
	assert.Equal(t, identity.UserID(""), s.CachedUser())
}

func TestSignedOutRepeatStillEmitsClearEvent(t *testing.T) {
	provider := identity.NewMemory()
	snapCh := make(chan []item, 16)

	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			t.Error("stream must not open while signed out")
			return nil, errors.New("unreachable")
		},
		Hooks[item]{OnData: func(snap []item, u identity.UserID) { snapCh <- snap }},
		testConfig(nil))
	defer s.Dispose()

	assert.Nil(t, recvSnapshot(t, snapCh, "seeded signed-out event"))

	// null → null is still delivered so consumers can clear.
	provider.SignOut()
	assert.Nil(t, recvSnapshot(t, snapCh, "repeated signed-out event"))
}

func TestRetryBoundWithFakeClock(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	provider := identity.NewMemory()
	provider.SignIn("alice")

	attempts := make(chan struct{}, 64)
	var errs []store.Code
	var errsMu sync.Mutex

	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			attempts <- struct{}{}
			return nil, store.Translate("unavailable", "backend down", "", nil)
		},
		Hooks[item]{
			OnError: func(err *store.Error) {
				errsMu.Lock()
				errs = append(errs, err.Code)
				errsMu.Unlock()
			},
		},
		testConfig(fake))
	defer s.Dispose()

	// Initial attempt fails immediately.
	<-attempts
	waitFor(t, "retry timer armed", func() bool { return fake.PendingTimers() > 0 })

	// Just under the retry delay: no new attempt.
	fake.Advance(9 * time.Second)
	select {
	case <-attempts:
		t.Fatal("retried before the 10s delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	// Each full delay yields exactly one new attempt, MaxAttempts times.
	fake.Advance(time.Second)
	<-attempts
	for i := 1; i < 3; i++ {
		waitFor(t, "retry timer armed", func() bool { return fake.PendingTimers() > 0 })
		fake.Advance(10 * time.Second)
		<-attempts
	}

	// Budget spent: the session tears down and stops attempting.
	waitFor(t, "session torn down", func() bool { return s.State() == StateIdle })
	fake.Advance(100 * time.Second)
	select {
	case <-attempts:
		t.Fatal("session kept retrying past MaxAttempts")
	case <-time.After(50 * time.Millisecond):
	}

	errsMu.Lock()
	defer errsMu.Unlock()
	assert.Equal(t, 4, len(errs), "one OnError per failed attempt (initial + 3 retries)")
	for _, code := range errs {
		assert.Equal(t, store.CodeUnavailable, code)
	}
}

func TestStreamErrorSchedulesDebouncedRetry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	provider := identity.NewMemory()
	provider.SignIn("alice")

	subs := make(chan *fakeSub, 8)
	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			sub := newFakeSub()
			subs <- sub
			return sub, nil
		},
		Hooks[item]{},
		testConfig(fake))
	defer s.Dispose()

	first := <-subs
	waitFor(t, "subscribed", func() bool { return s.State() == StateSubscribed })

	first.errs <- store.Translate("unavailable", "hiccup", "", nil)
	waitFor(t, "retrying state", func() bool { return s.State() == StateRetrying })
	waitFor(t, "failed subscription closed", first.Closed)

	fake.Advance(10 * time.Second)
	second := <-subs
	waitFor(t, "resubscribed", func() bool { return s.State() == StateSubscribed })
	assert.Equal(t, 0, s.Attempts(), "attempt counter resets on successful resubscribe")
	assert.False(t, second.Closed())
}

func TestOnDoneHookForNormalCompletion(t *testing.T) {
	provider := identity.NewMemory()
	provider.SignIn("alice")

	sub := newFakeSub()
	doneFired := make(chan struct{}, 1)
	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			return sub, nil
		},
		Hooks[item]{OnDone: func() { doneFired <- struct{}{} }},
		testConfig(nil))
	defer s.Dispose()

	waitFor(t, "subscribed", func() bool { return s.State() == StateSubscribed })
	close(sub.done)

	select {
	case <-doneFired:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDone never fired")
	}
	waitFor(t, "back to awaiting identity", func() bool { return s.State() == StateAwaitingIdentity })
}

func TestDisposeIsIdempotentAndResetsAttempts(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	provider := identity.NewMemory()
	provider.SignIn("alice")

	attempts := make(chan struct{}, 8)
	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			attempts <- struct{}{}
			return nil, store.Translate("unavailable", "down", "", nil)
		},
		Hooks[item]{},
		testConfig(fake))

	<-attempts
	waitFor(t, "attempt recorded", func() bool { return s.Attempts() == 1 })

	s.Dispose()
	s.Dispose()
	assert.Equal(t, StateDisposed, s.State())
	assert.Equal(t, 0, s.Attempts())

	// No retry fires after disposal.
	fake.Advance(time.Minute)
	select {
	case <-attempts:
		t.Fatal("retry fired after Dispose")
	case <-time.After(50 * time.Millisecond):
	}
	s.Wait()
}

func TestResetAndResubscribeRevivesTornDownSession(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	provider := identity.NewMemory()
	provider.SignIn("alice")

	var failing sync.Mutex
	fail := true
	attempts := make(chan struct{}, 64)

	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			attempts <- struct{}{}
			failing.Lock()
			defer failing.Unlock()
			if fail {
				return nil, store.Translate("unavailable", "down", "", nil)
			}
			return newFakeSub(), nil
		},
		Hooks[item]{},
		testConfig(fake))
	defer s.Dispose()

	// Exhaust the retry budget (initial + 3 retries).
	<-attempts
	for i := 0; i < 3; i++ {
		waitFor(t, "retry timer armed", func() bool { return fake.PendingTimers() > 0 })
		fake.Advance(10 * time.Second)
		<-attempts
	}
	waitFor(t, "torn down", func() bool { return s.State() == StateIdle })

	// The backend recovers; an explicit reset revives the session.
	failing.Lock()
	fail = false
	failing.Unlock()

	s.ResetAndResubscribe()
	<-attempts
	waitFor(t, "subscribed after reset", func() bool { return s.State() == StateSubscribed })
}

func TestSignOutWhileRetryingCancelsPendingRetry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	provider := identity.NewMemory()
	provider.SignIn("alice")

	attempts := make(chan struct{}, 8)
	snapCh := make(chan []item, 16)
	s := New[item](provider,
		func(ctx context.Context, user identity.UserID) (store.Subscription[item], error) {
			attempts <- struct{}{}
			return nil, store.Translate("unavailable", "down", "", nil)
		},
		Hooks[item]{OnData: func(snap []item, u identity.UserID) { snapCh <- snap }},
		testConfig(fake))
	defer s.Dispose()

	<-attempts
	waitFor(t, "retrying state", func() bool { return s.State() == StateRetrying })
	waitFor(t, "retry timer armed", func() bool { return fake.PendingTimers() > 0 })

	provider.SignOut()
	assert.Nil(t, recvSnapshot(t, snapCh, "sign-out clear event"))
	waitFor(t, "awaiting identity", func() bool { return s.State() == StateAwaitingIdentity })

	// The retry armed for the previous user must not fire.
	fake.Advance(time.Minute)
	select {
	case <-attempts:
		t.Fatal("retry fired after sign-out")
	case <-time.After(50 * time.Millisecond):
	}

	// And no redundant clear event from the dead timer either.
	select {
	case snap := <-snapCh:
		t.Fatalf("unexpected delivery after sign-out: %v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}
