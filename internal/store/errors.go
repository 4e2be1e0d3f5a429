package store

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a store failure. Every backend error is translated
// into exactly one of these through Translate.
type Code string

const (
	// CodeNotFound means the addressed entity does not exist.
	CodeNotFound Code = "not-found"

	// CodeAlreadyExists means a create collided with an existing id.
	CodeAlreadyExists Code = "already-exists"

	// CodePermissionDenied means the signed-in identity may not
	// perform the operation.
	CodePermissionDenied Code = "permission-denied"

	// CodeUnavailable means the backend is temporarily unreachable.
	CodeUnavailable Code = "unavailable"

	// CodeCancelled means the caller abandoned the operation.
	CodeCancelled Code = "cancelled"

	// CodeDeadlineExceeded means the operation ran past its timeout.
	CodeDeadlineExceeded Code = "deadline-exceeded"

	// CodeGeneric covers every other backend failure; Error.Raw holds
	// the backend's raw code string.
	CodeGeneric Code = "generic"
)

// Error is the structured exception every store failure surfaces as.
type Error struct {
	// Code is the translated taxonomy code.
	Code Code

	// Raw is the backend's raw code string ("unknown" when the backend
	// gave none we recognize).
	Raw string

	// Message is a human-readable description of the failure.
	Message string

	// Path locates the entity or collection involved, when known.
	Path string

	// Query describes the query involved, when known.
	Query string

	// Err is the underlying cause, when known.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Path != "" {
		return fmt.Sprintf("store: %s (%s) at %s", msg, e.Raw, e.Path)
	}
	return fmt.Sprintf("store: %s (%s)", msg, e.Raw)
}

func (e *Error) Unwrap() error { return e.Err }

// Translate converts a backend's raw error code into a structured
// *Error. The raw-code table is fixed:
//
//	permission-denied → PermissionDenied
//	unavailable       → Unavailable
//	not-found         → NotFound
//	already-exists    → AlreadyExists
//	cancelled         → Cancelled
//	deadline-exceeded → DeadlineExceeded
//	invalid-argument, failed-precondition, out-of-range,
//	unauthenticated, resource-exhausted, internal, unimplemented,
//	data-loss         → Generic(raw)
//	anything else     → Generic("unknown")
func Translate(raw, message, path string, cause error) *Error {
	e := &Error{Raw: raw, Message: message, Path: path, Err: cause}
	switch raw {
	case "permission-denied":
		e.Code = CodePermissionDenied
	case "unavailable":
		e.Code = CodeUnavailable
	case "not-found":
		e.Code = CodeNotFound
	case "already-exists":
		e.Code = CodeAlreadyExists
	case "cancelled":
		e.Code = CodeCancelled
	case "deadline-exceeded":
		e.Code = CodeDeadlineExceeded
	case "invalid-argument", "failed-precondition", "out-of-range",
		"unauthenticated", "resource-exhausted", "internal",
		"unimplemented", "data-loss":
		e.Code = CodeGeneric
	default:
		e.Code = CodeGeneric
		e.Raw = "unknown"
	}
	return e
}

// TranslateErr wraps an arbitrary Go error, mapping context
// cancellation and deadline errors onto their taxonomy codes and
// passing existing *Error values through unchanged.
func TranslateErr(err error, path string) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Translate("cancelled", err.Error(), path, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Translate("deadline-exceeded", err.Error(), path, err)
	default:
		return Translate("unknown", err.Error(), path, err)
	}
}

// NotFound builds a not-found *Error for the given path.
func NotFound(path string) *Error {
	return Translate("not-found", "entity not found", path, nil)
}

// CodeOf extracts the taxonomy code from err, or CodeGeneric if err is
// not a store error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeGeneric
}

// IsNotFound reports whether err is a not-found store error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsAlreadyExists reports whether err is an already-exists store error.
func IsAlreadyExists(err error) bool { return CodeOf(err) == CodeAlreadyExists }

// IsPermissionDenied reports whether err is a permission-denied store error.
func IsPermissionDenied(err error) bool { return CodeOf(err) == CodePermissionDenied }

// IsUnavailable reports whether err is an unavailable store error.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }

// UserTitle returns the short human-readable title UIs render for a
// failure with the given code.
func UserTitle(code Code) string {
	switch code {
	case CodeNotFound:
		return "Not found"
	case CodeAlreadyExists:
		return "Already exists"
	case CodePermissionDenied:
		return "Permission denied"
	case CodeUnavailable:
		return "Service unavailable"
	case CodeCancelled:
		return "Cancelled"
	case CodeDeadlineExceeded:
		return "Timed out"
	default:
		return "Something went wrong"
	}
}

// UserMessage returns the longer human-readable message UIs render for
// a failure with the given code.
func UserMessage(code Code) string {
	switch code {
	case CodeNotFound:
		return "The requested item could not be found."
	case CodeAlreadyExists:
		return "An item with this id already exists."
	case CodePermissionDenied:
		return "You do not have permission to perform this action."
	case CodeUnavailable:
		return "The service is temporarily unavailable. Try again shortly."
	case CodeCancelled:
		return "The operation was cancelled before it completed."
	case CodeDeadlineExceeded:
		return "The operation took too long and was abandoned."
	default:
		return "An unexpected error occurred. The change may not have been saved."
	}
}
