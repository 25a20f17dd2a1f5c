package domain

import "time"

// SessionRecord is the persisted identity of one conversation session.
// Rows outlive the WebSocket connection that owned them so transcripts
// can be replayed after disconnect.
type SessionRecord struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"client_id"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
