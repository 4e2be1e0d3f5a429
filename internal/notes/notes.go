// Package notes is the concrete entity the drift CLI syncs: a small
// note document. It exercises the generic engine end to end — schema
// validation, both store drivers, and TOML seed files for demos.
package notes

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/driftsync/driftsync/internal/entity"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/store/memstore"
	"github.com/driftsync/driftsync/internal/store/sqlstore"
	"github.com/driftsync/driftsync/internal/validate"
)

// Note is a synced note document.
type Note struct {
	ID        string    `json:"id" toml:"id"`
	Owner     string    `json:"owner" toml:"owner"`
	Title     string    `json:"title" toml:"title"`
	Body      string    `json:"body" toml:"body"`
	Pinned    bool      `json:"pinned" toml:"pinned"`
	CreatedAt time.Time `json:"created_at" toml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" toml:"updated_at"`
}

// EntityID implements entity.Entity.
func (n Note) EntityID() string { return n.ID }

// OwnerID implements entity.Owned.
func (n Note) OwnerID() string { return n.Owner }

// Schema is the CUE schema every note must satisfy before any write.
const Schema = `
#Note: {
	id:         string & !=""
	owner:      string
	title:      string & !=""
	body:       string
	pinned:     bool
	created_at: string
	updated_at: string
}
`

// Validator compiles the note schema.
func Validator() (validate.Validator[Note], error) {
	return validate.NewCUE[Note](Schema, "#Note")
}

// New builds a note from mutation vars.
func New(vars entity.SyncVars, title, body string) Note {
	return Note{
		ID:        vars.ID,
		Owner:     string(vars.UserID),
		Title:     title,
		Body:      body,
		CreatedAt: vars.Now,
		UpdatedAt: vars.Now,
	}
}

// Registry returns the note store drivers: "memory" and "sqlite".
func Registry() *store.Registry[Note] {
	r := store.NewRegistry[Note]()
	r.Register("memory", func(dsn string, logger *log.Logger) (store.Store[Note], error) {
		return memstore.New[Note](logger), nil
	})
	r.Register("sqlite", func(dsn string, logger *log.Logger) (store.Store[Note], error) {
		return sqlstore.Open[Note](dsn, logger)
	})
	return r
}

// seedFile is the TOML layout for demo seed data.
type seedFile struct {
	Notes []Note `toml:"notes"`
}

// LoadSeed reads notes from a TOML seed file:
//
//	[[notes]]
//	id = "n1"
//	title = "First note"
//	...
func LoadSeed(path string) ([]Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes TOML seed data.
func ParseSeed(data []byte) ([]Note, error) {
	var seed seedFile
	if err := toml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed data: %w", err)
	}

	now := time.Now().UTC()
	for i := range seed.Notes {
		if seed.Notes[i].ID == "" {
			return nil, fmt.Errorf("seed note %d has no id", i)
		}
		if seed.Notes[i].CreatedAt.IsZero() {
			seed.Notes[i].CreatedAt = now
		}
		if seed.Notes[i].UpdatedAt.IsZero() {
			seed.Notes[i].UpdatedAt = seed.Notes[i].CreatedAt
		}
	}
	return seed.Notes, nil
}
