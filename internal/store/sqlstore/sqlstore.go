// Package sqlstore implements store.Store on an embedded SQLite
// database (ncruces/go-sqlite3, wasm build). It is the durable local
// backend: the schema is a single entities table keyed by id, with the
// entity body stored as a JSON payload column.
//
// The database is opened in WAL mode so subscription reads never block
// writers. Change notification is in-process: every committed write
// recomputes subscriber snapshots, which matches the engine's
// whole-snapshot-replace contract.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
)

func init() {
	// Compile the embedded sqlite wasm module once per process and
	// share it across every connection.
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().
		WithCompilationCache(wazero.NewCompilationCache())
}

// Store is a store.Store backed by an embedded SQLite file.
type Store[T entity.Entity] struct {
	db     *sql.DB
	path   string
	logger *log.Logger

	mu      sync.Mutex
	subs    map[int]*subscription[T]
	nextSub int
	closed  bool

	// txMu serializes RunTransaction calls; SQLite allows one writer
	// at a time anyway.
	txMu sync.Mutex
}

// Open creates (or reuses) the database at path and prepares the
// schema. The caller must Close the store when done.
func Open[T entity.Entity](path string, logger *log.Logger) (*Store[T], error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[sqlstore] ", log.LstdFlags)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate makes transactions take the write lock up
	// front instead of failing on upgrade mid-transaction.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store[T]{
		db:     db,
		path:   path,
		logger: logger,
		subs:   make(map[int]*subscription[T]),
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close completes every open subscription, checkpoints the WAL and
// closes the database.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription[T], 0, len(s.subs))
	for id, sub := range s.subs {
		delete(s.subs, id)
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.complete()
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("failed to checkpoint WAL: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *Store[T]) Path() string { return s.path }

// translate maps database errors onto the store error taxonomy.
func translate(err error, path string) *store.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.NotFound(path)
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.CONSTRAINT:
			return store.Translate("already-exists", "entity already exists", path, err)
		case sqlite3.BUSY, sqlite3.LOCKED:
			return store.Translate("unavailable", "database is busy", path, err)
		}
	}
	return store.TranslateErr(err, path)
}

func decode[T entity.Entity](payload []byte) (T, error) {
	var ent T
	if err := json.Unmarshal(payload, &ent); err != nil {
		return ent, store.Translate("invalid-argument",
			fmt.Sprintf("failed to decode stored entity: %v", err), "", err)
	}
	return ent, nil
}

func encode[T entity.Entity](ent T) ([]byte, error) {
	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, store.Translate("invalid-argument",
			fmt.Sprintf("failed to encode entity: %v", err), ent.EntityID(), err)
	}
	return payload, nil
}

func ownerOf[T entity.Entity](ent T) string {
	if owned, ok := any(ent).(entity.Owned); ok {
		return owned.OwnerID()
	}
	return ""
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Get implements store.Store.
func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM entities WHERE id = ?", id).Scan(&payload)
	if err != nil {
		return zero, translate(err, id)
	}
	return decode[T](payload)
}

// Create implements store.Store. Without Merge an existing id fails
// with already-exists; with Merge the write is an upsert.
func (s *Store[T]) Create(ctx context.Context, ent T, opts store.CreateOptions) (store.Reference, error) {
	id := opts.ID
	if id == "" {
		id = ent.EntityID()
	}
	payload, err := encode(ent)
	if err != nil {
		return store.Reference{}, err
	}

	query := "INSERT INTO entities (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)"
	if opts.Merge {
		query += ` ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, query, id, ownerOf(ent), payload, now()); err != nil {
		return store.Reference{}, translate(err, id)
	}

	s.broadcast()
	return s.ref(id), nil
}

// Update implements store.Store. A nil Patch replaces the payload with
// upd.Entity; a Patch merges the listed fields into the stored JSON.
func (s *Store[T]) Update(ctx context.Context, id string, upd store.Update[T]) (store.Reference, error) {
	if _, err := s.applyUpdate(ctx, s.db, id, upd); err != nil {
		return store.Reference{}, err
	}
	s.broadcast()
	return s.ref(id), nil
}

// ref builds the diagnostic locator for a written entity.
func (s *Store[T]) ref(id string) store.Reference {
	return store.Reference{ID: id, Path: s.path + "#" + id}
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store[T]) applyUpdate(ctx context.Context, ex execer, id string, upd store.Update[T]) (T, error) {
	var zero T

	var payload []byte
	if upd.Patch == nil {
		var err error
		if payload, err = encode(upd.Entity); err != nil {
			return zero, err
		}
	} else {
		var current []byte
		err := ex.QueryRowContext(ctx,
			"SELECT payload FROM entities WHERE id = ?", id).Scan(&current)
		if err != nil {
			return zero, translate(err, id)
		}
		var fields map[string]any
		if err := json.Unmarshal(current, &fields); err != nil {
			return zero, store.Translate("invalid-argument",
				fmt.Sprintf("failed to decode stored entity: %v", err), id, err)
		}
		for k, v := range upd.Patch {
			fields[k] = v
		}
		if payload, err = json.Marshal(fields); err != nil {
			return zero, store.Translate("invalid-argument",
				fmt.Sprintf("failed to encode patched entity: %v", err), id, err)
		}
	}

	next, err := decode[T](payload)
	if err != nil {
		return zero, err
	}

	res, err := ex.ExecContext(ctx,
		"UPDATE entities SET owner_id = ?, payload = ?, updated_at = ? WHERE id = ?",
		ownerOf(next), payload, now(), id)
	if err != nil {
		return zero, translate(err, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return zero, translate(err, id)
	}
	if n == 0 {
		return zero, store.NotFound(id)
	}
	return next, nil
}

// Delete implements store.Store. Deleting an absent id is a no-op.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return translate(err, id)
	}
	s.broadcast()
	return nil
}

// RunQuery implements store.Store. Id and owner restrictions run in
// SQL; the expression filter is evaluated in-process.
func (s *Store[T]) RunQuery(ctx context.Context, q store.Query) ([]T, error) {
	compiled, err := q.Compile()
	if err != nil {
		return nil, err
	}

	query := "SELECT payload FROM entities"
	var (
		where []string
		args  []any
	)
	if q.ID != "" {
		where = append(where, "id = ?")
		args = append(args, q.ID)
	}
	if q.Owner != "" {
		where = append(where, "owner_id = ?")
		args = append(args, q.Owner)
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		e := translate(err, "")
		e.Query = q.Describe()
		return nil, e
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, translate(err, "")
		}
		ent, err := decode[T](payload)
		if err != nil {
			return nil, err
		}
		ok, err := compiled.Match(ent)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ent)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "")
	}
	return out, nil
}

// snapshotAll loads every entity for subscriber fan-out.
func (s *Store[T]) snapshotAll() ([]T, error) {
	return s.RunQuery(context.Background(), store.Query{})
}

// broadcast recomputes and pushes every subscriber's snapshot.
func (s *Store[T]) broadcast() {
	all, err := s.snapshotAll()
	if err != nil {
		s.logger.Printf("failed to load snapshot for subscribers: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.push(all)
	}
}
