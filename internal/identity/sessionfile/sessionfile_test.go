package sessionfile

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/identity"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestReadMissingFileMeansSignedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	sess, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if sess.UserID.SignedIn() {
		t.Errorf("UserID = %q, want signed out", sess.UserID)
	}
}

func TestWriteReadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "session.json")

	want := Session{UserID: "alice", Token: "tok-1", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := Write(path, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got != want {
		t.Errorf("Read() = %+v, want %+v", got, want)
	}

	if err := Clear(path); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	// Clearing twice is fine.
	if err := Clear(path); err != nil {
		t.Fatalf("repeated Clear() error = %v", err)
	}
}

func TestProviderReflectsInitialState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := Write(path, Session{UserID: "alice", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	p, err := New(path, quiet())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	if got := p.Current(); got != "alice" {
		t.Errorf("Current() = %q, want alice", got)
	}
}

func TestProviderFollowsLoginAndLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	p, err := New(path, quiet())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	ch, cancel := p.Subscribe()
	defer cancel()

	// Seeded with the current (signed out) identity.
	if got := nextUser(t, ch); got.SignedIn() {
		t.Fatalf("seed identity = %q, want signed out", got)
	}

	if err := Write(path, Session{UserID: "alice", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if got := waitUser(t, ch, "alice"); got != "alice" {
		t.Fatalf("after login: identity = %q, want alice", got)
	}

	if err := Clear(path); err != nil {
		t.Fatal(err)
	}
	if got := waitUser(t, ch, ""); got != "" {
		t.Fatalf("after logout: identity = %q, want signed out", got)
	}
}

func TestProviderCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	p, err := New(path, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestProviderIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	p, err := New(path, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"user_id":"mallory"}`), 0600); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a beat to (not) react.
	time.Sleep(50 * time.Millisecond)
	if got := p.Current(); got != "" {
		t.Errorf("Current() = %q after sibling write, want signed out", got)
	}
}

// nextUser receives one identity change or fails the test.
func nextUser(t *testing.T, ch <-chan identity.UserID) identity.UserID {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("identity channel closed")
		}
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for identity change")
		return ""
	}
}

// waitUser drains identity changes until want arrives, tolerating
// coalesced intermediate states from the file watcher.
func waitUser(t *testing.T, ch <-chan identity.UserID, want identity.UserID) identity.UserID {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatal("identity channel closed")
			}
			if u == want {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for identity %q", want)
			return ""
		}
	}
}
