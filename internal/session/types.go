package session

import (
	"time"

	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

// CreateRequest defines payload for opening a roleplay session. An empty
// SessionID creates a new roleplay; a set one resumes an existing roleplay.
type CreateRequest struct {
	SessionID  string               `json:"session_id"`
	Title      string               `json:"title"`
	Scenario   string               `json:"scenario"`
	Characters []roleplay.Character `json:"characters"`
	Opening    bool                 `json:"generate_opening"`
}

// CreateResponse returns session metadata along with the initial snapshot.
type CreateResponse struct {
	SessionID       string          `json:"session_id"`
	Status          Status          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	InactivityTTLMS int64           `json:"inactivity_ttl_ms"`
	Snapshot        engine.Snapshot `json:"snapshot"`
}
