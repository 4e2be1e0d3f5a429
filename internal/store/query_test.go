package store

import "testing"

// queryEntity is a minimal owned entity for query tests.
type queryEntity struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Title  string `json:"title"`
	Pinned bool   `json:"pinned"`
}

func (e queryEntity) EntityID() string { return e.ID }
func (e queryEntity) OwnerID() string  { return e.Owner }

func TestQueryMatch(t *testing.T) {
	ent := queryEntity{ID: "n1", Owner: "alice", Title: "groceries", Pinned: true}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"zero query matches all", Query{}, true},
		{"id match", Query{ID: "n1"}, true},
		{"id mismatch", Query{ID: "n2"}, false},
		{"owner match", Query{Owner: "alice"}, true},
		{"owner mismatch", Query{Owner: "bob"}, false},
		{"expr match", Query{Expr: `pinned && title == "groceries"`}, true},
		{"expr mismatch", Query{Expr: `!pinned`}, false},
		{"expr on absent field", Query{Expr: `priority == 3`}, false},
		{"combined", Query{ID: "n1", Owner: "alice", Expr: "pinned"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := tt.q.Compile()
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			got, err := compiled.Match(ent)
			if err != nil {
				t.Fatalf("Match failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

// plainEntity implements Entity but not Owned.
type plainEntity struct {
	ID string `json:"id"`
}

func (e plainEntity) EntityID() string { return e.ID }

func TestQueryOwnerNeverMatchesUnownedEntity(t *testing.T) {
	compiled, err := (Query{Owner: "alice"}).Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	got, err := compiled.Match(plainEntity{ID: "x"})
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if got {
		t.Error("owner-restricted query matched an entity without an owner")
	}
}

func TestQueryCompileRejectsBadExpression(t *testing.T) {
	_, err := (Query{Expr: "&&&"}).Compile()
	if err == nil {
		t.Fatal("expected compile error for malformed expression")
	}
	if CodeOf(err) != CodeGeneric {
		t.Errorf("CodeOf = %q, want generic (invalid-argument)", CodeOf(err))
	}
}

func TestQueryDescribe(t *testing.T) {
	q := Query{ID: "n1", Owner: "alice", Expr: "pinned"}
	want := "id=n1 owner=alice expr=pinned"
	if got := q.Describe(); got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
	if got := (Query{}).Describe(); got != "all" {
		t.Errorf("Describe(zero) = %q, want all", got)
	}
}
