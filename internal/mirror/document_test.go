package mirror

import (
	"io"
	"log"
	"testing"

	"github.com/driftsync/driftsync/internal/store"
)

func newTestDocument(t *testing.T) *Document[item] {
	t.Helper()
	return NewDocument[item](func() item {
		return item{ID: "placeholder", Name: "empty"}
	}, log.New(io.Discard, "", 0))
}

func TestDocumentPlaceholderWhileEmpty(t *testing.T) {
	d := newTestDocument(t)

	if d.Exists() {
		t.Fatal("fresh document reports Exists")
	}
	if got := d.Get(); got.ID != "placeholder" {
		t.Errorf("Get on empty slot = %v, want placeholder", got)
	}
	if _, ok := d.TryGet(); ok {
		t.Error("TryGet on empty slot reported ok")
	}
}

func TestDocumentSetUpdateClear(t *testing.T) {
	d := newTestDocument(t)

	var fired int
	d.Listen(func() { fired++ })

	d.Set(item{ID: "doc", Name: "v1"}, true)
	if err := d.Update(func(cur item) item {
		cur.Name = "v2"
		return cur
	}, true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got := d.Get(); got.Name != "v2" {
		t.Errorf("Name = %q after update", got.Name)
	}

	d.Clear(true)
	if d.Exists() {
		t.Error("Clear left the slot filled")
	}
	if err := d.Update(func(cur item) item { return cur }, false); !store.IsNotFound(err) {
		t.Errorf("Update on empty slot = %v, want not-found", err)
	}
	if fired != 3 {
		t.Errorf("fired %d notifications, want 3", fired)
	}
}

func TestDocumentUpsertStartsFromPlaceholder(t *testing.T) {
	d := newTestDocument(t)

	got := d.Upsert(func(cur item, ok bool) item {
		if ok {
			t.Error("Upsert on empty slot reported ok=true")
		}
		cur.ID = "doc"
		cur.Name = "seeded"
		return cur
	}, false)
	if got.Name != "seeded" || !d.Exists() {
		t.Errorf("Upsert result = %v, Exists = %v", got, d.Exists())
	}
}

func TestDocumentReplaceRespectsPending(t *testing.T) {
	d := newTestDocument(t)
	d.Set(item{ID: "doc", Name: "optimistic"}, false)

	release := d.BeginPending()
	d.Replace(item{ID: "doc", Name: "stale"}, true, false)
	if got := d.Get(); got.Name != "optimistic" {
		t.Errorf("pending slot clobbered: Name = %q", got.Name)
	}
	// Absent snapshot must not clear a pending slot either.
	d.Replace(item{}, false, false)
	if !d.Exists() {
		t.Error("pending slot cleared by absent snapshot")
	}

	release()
	d.Replace(item{}, false, false)
	if d.Exists() {
		t.Error("released slot must absorb the absent snapshot")
	}
}
