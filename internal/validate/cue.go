package validate

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/driftsync/driftsync/internal/entity"
)

// CUE validates entities against a CUE schema. The schema is compiled
// once at construction; each entity is marshalled to JSON, unified
// with the schema and checked for concreteness.
type CUE[T entity.Entity] struct {
	schema cue.Value
}

// NewCUE compiles src into a validator. defPath optionally names the
// definition within src to validate against (e.g. "#Note"); empty
// means the whole file value.
func NewCUE[T entity.Entity](src, defPath string) (*CUE[T], error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE schema: %w", err)
	}
	if defPath != "" {
		val = val.LookupPath(cue.ParsePath(defPath))
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("failed to resolve %q in CUE schema: %w", defPath, err)
		}
	}
	return &CUE[T]{schema: val}, nil
}

// Validate implements Validator.
func (c *CUE[T]) Validate(ent T) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return Wrap(fmt.Errorf("failed to marshal entity: %w", err), ent.EntityID())
	}

	ctx := c.schema.Context()
	data := ctx.CompileBytes(raw)
	if err := data.Err(); err != nil {
		return Wrap(err, ent.EntityID())
	}

	unified := c.schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Wrap(err, ent.EntityID())
	}
	return nil
}
