package store

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/driftsync/driftsync/internal/entity"
)

// OpenFunc constructs a Store for a named driver. dsn is
// driver-specific: a file path for sqlite, ignored by the in-memory
// driver.
type OpenFunc[T entity.Entity] func(dsn string, logger *log.Logger) (Store[T], error)

// Registry maps driver names to store constructors for one entity
// type, so callers can select a backend by configuration.
type Registry[T entity.Entity] struct {
	mu      sync.RWMutex
	drivers map[string]OpenFunc[T]
}

// NewRegistry creates an empty driver registry.
func NewRegistry[T entity.Entity]() *Registry[T] {
	return &Registry[T]{drivers: make(map[string]OpenFunc[T])}
}

// Register adds a driver constructor under name.
// It panics on a nil constructor or a duplicate name, matching the
// database/sql registration convention.
func (r *Registry[T]) Register(name string, open OpenFunc[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if open == nil {
		panic(fmt.Sprintf("store: Register constructor is nil for driver %q", name))
	}
	if _, exists := r.drivers[name]; exists {
		panic(fmt.Sprintf("store: Register called twice for driver %q", name))
	}
	r.drivers[name] = open
}

// Open constructs a store using the named driver.
func (r *Registry[T]) Open(name, dsn string, logger *log.Logger) (Store[T], error) {
	r.mu.RLock()
	open, ok := r.drivers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", name, r.Names())
	}
	return open(dsn, logger)
}

// Names returns the registered driver names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
