package mirror

import (
	"io"
	"log"
	"sort"
	"testing"

	"github.com/driftsync/driftsync/internal/store"
)

type item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (i item) EntityID() string { return i.ID }

func newTestCollection(t *testing.T) *Collection[item] {
	t.Helper()
	return NewCollection[item](log.New(io.Discard, "", 0))
}

func builder(id, name string) func() item {
	return func() item { return item{ID: id, Name: name} }
}

func TestCreateFindDelete(t *testing.T) {
	c := newTestCollection(t)

	created := c.CreateMany([]func() item{builder("a", "one"), builder("b", "two")}, true)
	if len(created) != 2 {
		t.Fatalf("CreateMany returned %d entities, want 2", len(created))
	}
	if !c.Exists("a") || !c.Exists("b") {
		t.Fatal("created entities missing from mirror")
	}
	if !c.HasAny() || c.Len() != 2 {
		t.Fatalf("HasAny/Len inconsistent: %v/%d", c.HasAny(), c.Len())
	}

	got, err := c.FindByID("a")
	if err != nil {
		t.Fatalf("FindByID(a) failed: %v", err)
	}
	if got.Name != "one" {
		t.Errorf("FindByID(a).Name = %q, want one", got.Name)
	}

	if _, err := c.FindByID("missing"); !store.IsNotFound(err) {
		t.Errorf("FindByID(missing) = %v, want not-found", err)
	}
	if _, ok := c.TryFindByID("missing"); ok {
		t.Error("TryFindByID(missing) reported ok")
	}

	c.DeleteMany([]string{"a", "missing"}, true)
	if c.Exists("a") {
		t.Error("deleted entity still present")
	}
}

func TestUpdateManyFailsOnAbsentID(t *testing.T) {
	c := newTestCollection(t)
	c.CreateMany([]func() item{builder("a", "one")}, false)

	err := c.UpdateMany([]string{"a", "ghost"}, func(cur item) item {
		cur.Name = "updated"
		return cur
	}, true)
	if !store.IsNotFound(err) {
		t.Fatalf("UpdateMany with absent id = %v, want not-found", err)
	}

	// The update before the failure sticks.
	got, _ := c.TryFindByID("a")
	if got.Name != "updated" {
		t.Errorf("earlier update lost: Name = %q", got.Name)
	}
}

func TestUpsertMany(t *testing.T) {
	c := newTestCollection(t)
	c.CreateMany([]func() item{builder("a", "one")}, false)

	c.UpsertMany([]string{"a", "b"}, func(id string, cur item, ok bool) item {
		if ok {
			cur.Name = cur.Name + "!"
			return cur
		}
		return item{ID: id, Name: "fresh"}
	}, true)

	a, _ := c.TryFindByID("a")
	b, _ := c.TryFindByID("b")
	if a.Name != "one!" || b.Name != "fresh" {
		t.Errorf("upsert results: a=%q b=%q", a.Name, b.Name)
	}
}

func TestReplaceAllRebuildsWholeSnapshot(t *testing.T) {
	c := newTestCollection(t)

	c.ReplaceAll([]item{{ID: "a"}, {ID: "b"}}, true)
	if !c.Exists("a") || !c.Exists("b") {
		t.Fatal("first snapshot not applied")
	}

	c.ReplaceAll([]item{{ID: "a"}}, true)
	if c.Exists("b") {
		t.Error("entity from the previous snapshot survived a whole-snapshot replace")
	}
}

func TestPendingMarkerProtectsInFlightWrite(t *testing.T) {
	c := newTestCollection(t)
	c.CreateMany([]func() item{builder("a", "optimistic")}, false)

	release := c.BeginPending("a")

	// A stale snapshot that predates the optimistic write arrives.
	c.ReplaceAll([]item{{ID: "a", Name: "stale"}, {ID: "b", Name: "new"}}, true)

	got, _ := c.TryFindByID("a")
	if got.Name != "optimistic" {
		t.Errorf("pending id clobbered by snapshot: Name = %q", got.Name)
	}
	if !c.Exists("b") {
		t.Error("non-pending ids must still take the snapshot")
	}

	release()
	release() // idempotent
	if c.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d after release, want 0", c.PendingWrites())
	}

	c.ReplaceAll([]item{{ID: "a", Name: "fresh"}}, true)
	got, _ = c.TryFindByID("a")
	if got.Name != "fresh" {
		t.Errorf("released id must take the next snapshot: Name = %q", got.Name)
	}
}

func TestPendingMarkerProtectsDeletion(t *testing.T) {
	c := newTestCollection(t)
	c.CreateMany([]func() item{builder("a", "doomed")}, false)

	release := c.BeginPending("a")
	c.DeleteMany([]string{"a"}, false)

	// Snapshot still carrying the deleted entity must not resurrect it.
	c.ReplaceAll([]item{{ID: "a", Name: "zombie"}}, true)
	if c.Exists("a") {
		t.Error("pending deletion resurrected by snapshot")
	}
	release()
}

func TestPendingMarkerRefCount(t *testing.T) {
	c := newTestCollection(t)
	c.CreateMany([]func() item{builder("a", "local")}, false)

	r1 := c.BeginPending("a")
	r2 := c.BeginPending("a")
	r1()

	c.ReplaceAll([]item{{ID: "a", Name: "remote"}}, false)
	got, _ := c.TryFindByID("a")
	if got.Name != "local" {
		t.Error("marker released while another write was still in flight")
	}
	r2()
}

func TestListenersAndNotifyFlag(t *testing.T) {
	c := newTestCollection(t)

	var fired int
	remove := c.Listen(func() { fired++ })

	c.CreateMany([]func() item{builder("a", "one"), builder("b", "two")}, true)
	if fired != 1 {
		t.Errorf("batched create fired %d notifications, want 1", fired)
	}

	c.DeleteMany([]string{"a"}, false)
	if fired != 1 {
		t.Errorf("notify=false still notified (%d)", fired)
	}

	c.Rebuild()
	if fired != 2 {
		t.Errorf("Rebuild fired %d notifications total, want 2", fired)
	}

	remove()
	c.Clear(true)
	if fired != 2 {
		t.Error("removed listener was still invoked")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	c := newTestCollection(t)
	c.ReplaceAll([]item{{ID: "b"}, {ID: "a"}}, false)

	all := c.All()
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("All returned %v", ids)
	}
}
