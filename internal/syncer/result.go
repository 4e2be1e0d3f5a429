// Package syncer composes the session, mirror and store layers into
// the optimistic mutation services of the engine.
//
// Every mutation writes to the local mirror first and replays the
// operation remotely second. Remote failure never rolls the optimistic
// write back: outside a transaction it is logged and returned as a
// Fail result, inside a transaction it is returned as a plain error so
// the enclosing RunTransaction aborts.
package syncer

import "github.com/driftsync/driftsync/internal/store"

// Result is the outcome of a mutation. Expected business failures are
// carried in Err with user-renderable Title/Message; they are never
// returned as plain Go errors outside transactions.
type Result[T any] struct {
	// Value is the post-mutation entity (or entities) on success.
	Value T

	// Err is the translated *store.Error on failure, nil on success.
	Err error

	// Title and Message are human-readable failure texts a UI can
	// render without inspecting Err.
	Title   string
	Message string
}

// Ok wraps a successful mutation value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a mutation failure, deriving the user-facing texts from
// the error's taxonomy code.
func Fail[T any](err error) Result[T] {
	code := store.CodeOf(err)
	return Result[T]{
		Err:     err,
		Title:   store.UserTitle(code),
		Message: store.UserMessage(code),
	}
}

// OK reports whether the mutation succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }
