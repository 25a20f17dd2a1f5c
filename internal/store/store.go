// Package store provides persistence for conversation sessions and messages.
package store

import (
	"context"
	"time"

	"github.com/avelis/toolbridge/internal/domain"
)

// Repository defines the persistence operations for the conversation audit log.
// Messages are append-only: there is no update or delete of an appended message.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// CreateSession records a new session owned by the given client.
	CreateSession(ctx context.Context, session *domain.SessionRecord) error

	// GetSession retrieves a session by ID. Returns nil if not found.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// CloseSession marks a session as closed. Closing an already closed
	// session is a no-op.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error

	// AppendMessage appends one message to a session's transcript at the
	// given sequence number.
	AppendMessage(ctx context.Context, sessionID string, seq int, msg *domain.Message) error

	// ListMessages returns a session's messages in append order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Close releases the underlying database.
	Close() error
}
