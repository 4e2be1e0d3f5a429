// Package validate defines the payload-validation collaborator invoked
// before any optimistic write.
//
// A validation failure is treated exactly like a remote error: it is
// translated into the store taxonomy and short-circuits the mutation
// before the local cache or the backend sees anything.
package validate

import (
	"errors"
	"fmt"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

// Validator checks an entity before it is written anywhere.
type Validator[T entity.Entity] interface {
	// Validate returns nil when ent is acceptable. Failures should be
	// *store.Error values; anything else is wrapped as invalid-argument.
	Validate(ent T) error
}

// Func adapts a plain function into a Validator.
type Func[T entity.Entity] func(ent T) error

// Validate implements Validator.
func (f Func[T]) Validate(ent T) error { return f(ent) }

// Wrap normalizes a validation failure into the store taxonomy.
// A nil err stays nil; *store.Error values pass through unchanged.
func Wrap(err error, path string) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	return store.Translate("invalid-argument",
		fmt.Sprintf("validation failed: %v", err), path, err)
}
