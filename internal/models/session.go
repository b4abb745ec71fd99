package models

import "time"

// ConnectionType identifies the role of a peer on the session bus.
type ConnectionType string

const (
	ConnectionTypeHost         ConnectionType = "host"
	ConnectionTypePresentation ConnectionType = "presentation"
	ConnectionTypeDisplay      ConnectionType = "display"
	ConnectionTypeUnknown      ConnectionType = "unknown"
)

// Session represents one running instance of the classroom game. The id is
// opaque and scopes every broadcast channel and every persisted decision.
type Session struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Team represents one participating student team within a session.
type Team struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}
