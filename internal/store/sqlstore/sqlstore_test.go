package sqlstore

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/store"
)

type item struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Rank  int    `json:"rank"`
}

func (i item) EntityID() string { return i.ID }
func (i item) OwnerID() string  { return i.Owner }

func open(t *testing.T) *Store[item] {
	t.Helper()
	s, err := Open[item](filepath.Join(t.TempDir(), "drift.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	want := item{ID: "a", Owner: "alice", Name: "first", Rank: 3}
	if _, err := s.Create(ctx, want, store.CreateOptions{ID: "a"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	ent := item{ID: "a", Owner: "alice"}
	if _, err := s.Create(ctx, ent, store.CreateOptions{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Create(ctx, ent, store.CreateOptions{ID: "a"})
	if !store.IsAlreadyExists(err) {
		t.Errorf("duplicate Create() error = %v, want already-exists", err)
	}

	// Merge turns the collision into an upsert.
	ent.Name = "merged"
	if _, err := s.Create(ctx, ent, store.CreateOptions{ID: "a", Merge: true}); err != nil {
		t.Fatalf("merge Create() error = %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Name != "merged" {
		t.Errorf("Name = %q, want merged", got.Name)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := open(t)
	_, err := s.Get(context.Background(), "ghost")
	if !store.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not-found", err)
	}
}

func TestUpdateReplaceAndPatch(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	s.Create(ctx, item{ID: "a", Owner: "alice", Name: "v1", Rank: 1}, store.CreateOptions{ID: "a"})

	if _, err := s.Update(ctx, "a", store.Update[item]{
		Entity: item{ID: "a", Owner: "alice", Name: "v2", Rank: 1},
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "v2" {
		t.Errorf("Name = %q, want v2", got.Name)
	}

	// A patch merges into the stored payload without touching other
	// fields.
	if _, err := s.Update(ctx, "a", store.Update[item]{Patch: map[string]any{"rank": 9}}); err != nil {
		t.Fatalf("patch Update() error = %v", err)
	}
	got, err = s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Rank != 9 || got.Name != "v2" {
		t.Errorf("patched entity = %+v, want rank 9 and name v2", got)
	}
}

func TestWritesReturnReferences(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	// Drive the writes through the interface the engine sees.
	var remote store.Store[item] = s

	ref, err := remote.Create(ctx, item{ID: "a", Owner: "alice"}, store.CreateOptions{ID: "a"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ref.ID != "a" || ref.Path == "" {
		t.Errorf("Create() ref = %+v, want id a with a path", ref)
	}

	ref, err = remote.Update(ctx, "a", store.Update[item]{
		Entity: item{ID: "a", Owner: "alice", Name: "v2"},
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if ref.ID != "a" || ref.Path == "" {
		t.Errorf("Update() ref = %+v, want id a with a path", ref)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	s := open(t)
	_, err := s.Update(context.Background(), "ghost", store.Update[item]{Entity: item{ID: "ghost"}})
	if !store.IsNotFound(err) {
		t.Errorf("Update() error = %v, want not-found", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	s.Create(ctx, item{ID: "a"}, store.CreateOptions{ID: "a"})

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("repeated Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "a"); !store.IsNotFound(err) {
		t.Errorf("Get() after delete = %v, want not-found", err)
	}
}

func TestRunQueryFilters(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	s.Create(ctx, item{ID: "a", Owner: "alice", Rank: 1}, store.CreateOptions{ID: "a"})
	s.Create(ctx, item{ID: "b", Owner: "bob", Rank: 5}, store.CreateOptions{ID: "b"})
	s.Create(ctx, item{ID: "c", Owner: "alice", Rank: 7}, store.CreateOptions{ID: "c"})

	tests := []struct {
		name  string
		query store.Query
		want  []string
	}{
		{"all", store.Query{}, []string{"a", "b", "c"}},
		{"by owner", store.Query{Owner: "alice"}, []string{"a", "c"}},
		{"by id", store.Query{ID: "b"}, []string{"b"}},
		{"by expression", store.Query{Expr: "rank > 4"}, []string{"b", "c"}},
		{"owner and expression", store.Query{Owner: "alice", Expr: "rank > 4"}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.RunQuery(ctx, tt.query)
			if err != nil {
				t.Fatalf("RunQuery() error = %v", err)
			}
			ids := make([]string, len(got))
			for i, ent := range got {
				ids[i] = ent.ID
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("RunQuery() ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("RunQuery() ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestSubscribeObservesWrites(t *testing.T) {
	s := open(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, store.Query{Owner: "alice"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if snap := nextSnapshot(t, sub); len(snap) != 0 {
		t.Fatalf("initial snapshot size = %d, want 0", len(snap))
	}

	s.Create(ctx, item{ID: "a", Owner: "alice"}, store.CreateOptions{ID: "a"})
	if snap := nextSnapshot(t, sub); len(snap) != 1 || snap[0].ID != "a" {
		t.Fatalf("snapshot after create = %+v", snap)
	}

	// Writes for other owners still push a (filtered, unchanged)
	// snapshot.
	s.Create(ctx, item{ID: "b", Owner: "bob"}, store.CreateOptions{ID: "b"})
	if snap := nextSnapshot(t, sub); len(snap) != 1 {
		t.Fatalf("snapshot after foreign create = %+v", snap)
	}
}

func TestSubscriptionClosesOnContextCancel(t *testing.T) {
	s := open(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.Subscribe(ctx, store.Query{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.OpenSubscriptions() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	sub.Close()
	t.Fatal("subscription still registered after context cancel")
}

func TestCommitBatchAtomic(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	s.Create(ctx, item{ID: "taken"}, store.CreateOptions{ID: "taken"})

	b := s.NewBatch()
	b.Create(item{ID: "x"}, store.CreateOptions{ID: "x"})
	b.Create(item{ID: "taken"}, store.CreateOptions{ID: "taken"}) // collides

	err := s.CommitBatch(ctx, b)
	if !store.IsAlreadyExists(err) {
		t.Fatalf("CommitBatch() error = %v, want already-exists", err)
	}
	// Nothing from the failed batch leaked.
	if _, err := s.Get(ctx, "x"); !store.IsNotFound(err) {
		t.Errorf("Get(x) = %v, want not-found", err)
	}
}

func TestRunTransaction(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	s.Create(ctx, item{ID: "a", Name: "v1"}, store.CreateOptions{ID: "a"})

	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx[item]) error {
		cur, err := tx.Get(ctx, "a")
		if err != nil {
			return err
		}
		cur.Name = "v2"
		if err := tx.Update(ctx, "a", store.Update[item]{Entity: cur}); err != nil {
			return err
		}
		return tx.Create(ctx, item{ID: "b"}, store.CreateOptions{ID: "b"})
	})
	if err != nil {
		t.Fatalf("RunTransaction() error = %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Name != "v2" {
		t.Errorf("Name = %q, want v2", got.Name)
	}
	if _, err := s.Get(ctx, "b"); err != nil {
		t.Errorf("Get(b) error = %v", err)
	}
}

func TestRunTransactionAbortRollsBack(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx store.Tx[item]) error {
		if err := tx.Create(ctx, item{ID: "x"}, store.CreateOptions{ID: "x"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTransaction() error = %v, want sentinel", err)
	}
	if _, err := s.Get(ctx, "x"); !store.IsNotFound(err) {
		t.Errorf("aborted write leaked: Get(x) = %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drift.db")
	quiet := log.New(io.Discard, "", 0)

	s, err := Open[item](path, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(context.Background(), item{ID: "a", Name: "kept"}, store.CreateOptions{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open[item](path, quiet)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Name != "kept" {
		t.Errorf("Name = %q, want kept", got.Name)
	}
}

func nextSnapshot(t *testing.T, sub store.Subscription[item]) []item {
	t.Helper()
	select {
	case snap := <-sub.Snapshots():
		return snap
	case err := <-sub.Errs():
		t.Fatalf("subscription error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return nil
}
