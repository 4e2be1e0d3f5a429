package syncer

import "time"

// EventKind classifies engine events for monitoring.
type EventKind string

const (
	// EventSession marks identity/lifecycle transitions.
	EventSession EventKind = "session"

	// EventMutation marks a local+remote mutation attempt.
	EventMutation EventKind = "mutation"

	// EventSnapshot marks an inbound snapshot absorbed by the mirror.
	EventSnapshot EventKind = "snapshot"
)

// Event is the monitoring record emitted for every notable engine
// action. Events are best-effort diagnostics, never load-bearing.
type Event struct {
	Kind     EventKind `json:"kind"`
	Op       string    `json:"op,omitempty"`
	EntityID string    `json:"entity_id,omitempty"`
	User     string    `json:"user,omitempty"`
	Count    int       `json:"count,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Emitter receives engine events. The monitor server implements this
// to broadcast them over WebSocket. Emit must not block.
type Emitter interface {
	Emit(ev Event)
}
