// Package sessionfile persists the signed-in identity to disk and
// watches it for changes, so separate processes (the CLI's auth
// commands and the mirror daemon) share one sign-in state.
package sessionfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftsync/driftsync/internal/identity"
)

// Session is the on-disk record written by `drift auth login`.
type Session struct {
	UserID    identity.UserID `json:"user_id"`
	Token     string          `json:"token,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Write atomically replaces the session file, creating its directory
// if needed. The file is written 0600: it may carry a token.
func Write(path string, sess Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Read loads the session file. A missing file means signed out and
// returns a zero Session with no error.
func Read(path string) (Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("failed to decode session file: %w", err)
	}
	return sess, nil
}

// Clear removes the session file; a missing file is not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// Provider is an identity.Provider backed by the session file. It
// reflects the file's state at construction and follows every write
// and removal through fsnotify, so a login or logout performed by
// another process reaches this one without polling.
type Provider struct {
	path    string
	watcher *fsnotify.Watcher
	state   *identity.Memory
	logger  *log.Logger

	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Provider watching path. The file does not need to
// exist; its directory is created and watched so a later login is
// picked up. A nil logger falls back to stderr.
func New(path string, logger *log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[sessionfile] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: the file may not exist yet,
	// and atomic replace-by-rename would drop a direct file watch.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch session directory %s: %w", dir, err)
	}

	p := &Provider{
		path:    path,
		watcher: watcher,
		state:   identity.NewMemory(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	p.reload()

	p.wg.Add(1)
	go p.processEvents()

	return p, nil
}

// Current implements identity.Provider.
func (p *Provider) Current() identity.UserID { return p.state.Current() }

// Subscribe implements identity.Provider.
func (p *Provider) Subscribe() (<-chan identity.UserID, func()) {
	return p.state.Subscribe()
}

// Close stops the watcher and closes all subscriber channels. It
// blocks until the event loop has exited.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	err := p.watcher.Close()
	p.wg.Wait()
	p.state.Close()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// processEvents follows fsnotify events for the session file and
// mirrors them into the identity state.
func (p *Provider) processEvents() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !p.matches(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				p.reload()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				p.state.SignOut()
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Printf("watch error: %v", err)
		}
	}
}

// matches reports whether an event path refers to the session file.
func (p *Provider) matches(name string) bool {
	return filepath.Clean(name) == filepath.Clean(p.path)
}

// reload reads the file and pushes its identity into the state. An
// unreadable or malformed file is treated as signed out.
func (p *Provider) reload() {
	sess, err := Read(p.path)
	if err != nil {
		p.logger.Printf("failed to reload session: %v", err)
		p.state.SignOut()
		return
	}
	if sess.UserID.SignedIn() {
		p.state.SignIn(sess.UserID)
	} else {
		p.state.SignOut()
	}
}
