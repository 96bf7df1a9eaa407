// package store defines the durable session and message records and
// the persistence contract shared by the sqlite and memory backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
)

var ErrSessionNotFound = errors.New("session not found")

// Session binds one conversation to a user, a mode and a
// provider/model pair. The binding is fixed at creation.
type Session struct {
	ID        string
	UserID    string
	Title     string
	Mode      string
	Provider  string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one committed entry of a session timeline. Content is
// immutable once appended; corrections append a new message.
type Message struct {
	ID        string
	SessionID string
	Role      chat.Role
	Content   string
	// TokenCount is the upstream-reported completion token count,
	// zero when the provider did not report one.
	TokenCount int
	// ResponseTime is how long the upstream took to produce the
	// reply. Only set on assistant messages.
	ResponseTime time.Duration
	// Partial marks an assistant message whose stream was cut short
	// (upstream failure, client disconnect, or stop request).
	Partial   bool
	CreatedAt time.Time
}

// Store is the append-only persistence surface. AppendMessage is the
// sole content write path.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// ListSessions returns the user's sessions, most recently
	// updated first. A positive limit caps the result.
	ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error)

	AppendMessage(ctx context.Context, m *Message) error
	// ListHistory returns every message of the session in
	// creation order.
	ListHistory(ctx context.Context, sessionID string) ([]*Message, error)
}
