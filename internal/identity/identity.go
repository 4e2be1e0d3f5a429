// Package identity defines the signed-in-user boundary of the sync engine.
//
// The engine only cares whether somebody is signed in and what their
// opaque user id is. A Provider exposes the current identity plus a
// stream of identity changes; the in-memory implementation here backs
// tests and the demo, and identity/sessionfile backs the real CLI.
package identity

import "sync"

// UserID is an opaque authenticated-user token. The empty string means
// signed out.
type UserID string

// Anonymous is the sentinel user id substituted into mutation vars
// while nobody is signed in.
const Anonymous UserID = "no-auth"

// SignedIn reports whether the id represents an authenticated user.
func (u UserID) SignedIn() bool { return u != "" }

// OrAnonymous returns the id itself when signed in, Anonymous otherwise.
func (u UserID) OrAnonymous() UserID {
	if u.SignedIn() {
		return u
	}
	return Anonymous
}

// Provider exposes the signed-in identity and its changes.
//
// Subscribe returns a channel that first delivers the current identity
// and then every subsequent change, plus a cancel func that releases
// the subscription. A closed channel means the provider shut down.
type Provider interface {
	// Current returns the identity as of now ("" = signed out).
	Current() UserID

	// Subscribe returns a change stream seeded with the current value.
	Subscribe() (<-chan UserID, func())
}

// Memory is an in-process Provider driven by SignIn/SignOut calls.
type Memory struct {
	mu      sync.Mutex
	current UserID
	subs    map[int]chan UserID
	nextSub int
	closed  bool
}

// NewMemory creates a signed-out in-memory provider.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan UserID)}
}

// Current implements Provider.
func (m *Memory) Current() UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe implements Provider. The returned channel is buffered;
// a subscriber that falls more than 16 changes behind loses the oldest.
func (m *Memory) Subscribe() (<-chan UserID, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan UserID, 16)
	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.current

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// SignIn switches the current identity to user and notifies subscribers.
func (m *Memory) SignIn(user UserID) {
	m.set(user)
}

// SignOut clears the current identity and notifies subscribers.
func (m *Memory) SignOut() {
	m.set("")
}

// Close shuts down the provider and closes all subscriber channels.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Memory) set(user UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current == user {
		// Repeated sign-out is still broadcast: a signed-out consumer
		// uses the null event to clear its cache.
		if user.SignedIn() || m.closed {
			return
		}
	}
	m.current = user
	for _, ch := range m.subs {
		select {
		case ch <- user:
		default:
			// Drop oldest so a stalled subscriber sees the newest state.
			select {
			case <-ch:
			default:
			}
			ch <- user
		}
	}
}
