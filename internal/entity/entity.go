// Package entity defines what the sync engine requires of the records
// it mirrors: a stable id, optionally an owner, and the per-mutation
// variable triple injected into every create/update builder.
package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/identity"
)

// Entity is a single addressable record. EntityID must be stable for
// the lifetime of the record and unique within its collection.
type Entity interface {
	EntityID() string
}

// Owned is an Entity scoped to a signed-in user. Owner-scoped
// subscriptions and queries use OwnerID to restrict results.
type Owned interface {
	Entity
	OwnerID() string
}

// SyncVars is the value triple generated fresh for every mutation and
// handed to the caller's builder/updater: a candidate id, the current
// time, and the signed-in user (Anonymous when signed out).
type SyncVars struct {
	ID     string
	Now    time.Time
	UserID identity.UserID
}

// IDGenerator produces fresh entity ids.
type IDGenerator func() string

// NewUUID is the default IDGenerator.
func NewUUID() string { return uuid.NewString() }
