package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/driftsync/driftsync/internal/entity"
)

// Query restricts the entities a RunQuery or Subscribe call sees.
// Zero value matches everything.
type Query struct {
	// ID restricts results to a single entity id (document sessions).
	ID string

	// Owner restricts results to entities whose OwnerID matches.
	// Entities that do not implement entity.Owned never match a
	// non-empty Owner.
	Owner string

	// Expr is an optional boolean expression evaluated against the
	// entity's JSON field map, e.g. `pinned && title != ""`.
	Expr string
}

// Describe renders the query for diagnostics and error reports.
func (q Query) Describe() string {
	var parts []string
	if q.ID != "" {
		parts = append(parts, "id="+q.ID)
	}
	if q.Owner != "" {
		parts = append(parts, "owner="+q.Owner)
	}
	if q.Expr != "" {
		parts = append(parts, "expr="+q.Expr)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

// Compiled is a Query with its expression compiled once, reusable
// across every entity of a snapshot.
type Compiled struct {
	q       Query
	program *vm.Program
}

// Compile prepares the query for repeated matching. Queries without an
// expression compile trivially.
func (q Query) Compile() (*Compiled, error) {
	c := &Compiled{q: q}
	if q.Expr == "" {
		return c, nil
	}
	program, err := expr.Compile(q.Expr, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, Translate("invalid-argument",
			fmt.Sprintf("failed to compile query expression: %v", err), "", err)
	}
	c.program = program
	return c, nil
}

// Match reports whether ent satisfies the query.
func (c *Compiled) Match(ent entity.Entity) (bool, error) {
	if c.q.ID != "" && ent.EntityID() != c.q.ID {
		return false, nil
	}
	if c.q.Owner != "" {
		owned, ok := ent.(entity.Owned)
		if !ok || owned.OwnerID() != c.q.Owner {
			return false, nil
		}
	}
	if c.program == nil {
		return true, nil
	}

	env, err := fieldMap(ent)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		e := Translate("invalid-argument",
			fmt.Sprintf("failed to evaluate query expression: %v", err), "", err)
		e.Query = c.q.Describe()
		return false, e
	}
	matched, _ := out.(bool)
	return matched, nil
}

// Filter returns the subset of ents matching the query, in input order.
func (c *Compiled) Filter(ents []entity.Entity) ([]entity.Entity, error) {
	var out []entity.Entity
	for _, ent := range ents {
		ok, err := c.Match(ent)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ent)
		}
	}
	return out, nil
}

// fieldMap flattens an entity into its top-level JSON fields for
// expression evaluation.
func fieldMap(ent entity.Entity) (map[string]any, error) {
	raw, err := json.Marshal(ent)
	if err != nil {
		return nil, Translate("invalid-argument",
			fmt.Sprintf("failed to marshal entity for query: %v", err), ent.EntityID(), err)
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Translate("invalid-argument",
			fmt.Sprintf("failed to decode entity for query: %v", err), ent.EntityID(), err)
	}
	return env, nil
}
