// Package store provides durable persistence for the relay: the message
// log, sessions, agent summaries and the agent registry's durable mirror.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
)

// MessageFilter narrows GetMessages by any combination of fields; zero
// values are treated as "don't filter on this field".
type MessageFilter struct {
	From   string
	To     string
	Thread string
	Search string
	Since  time.Time
	Limit  int
}

// SessionFilter narrows GetSessions.
type SessionFilter struct {
	AgentName string
	Since     time.Time
}

// Repository defines the interface for durable relay state. All writes are
// durable before the call returns; concurrent readers are tolerated,
// writers are serialized internally.
type Repository interface {
	// AppendMessage persists a new message with status=pending.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// UpdateStatus transitions a message's delivery status.
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error

	// GetMessages returns messages matching filter, newest first unless
	// otherwise ordered, capped at filter.Limit (0 means a server default).
	GetMessages(ctx context.Context, filter MessageFilter) ([]*domain.Message, error)

	// GetMessageByID retrieves a single message, or nil if not found.
	GetMessageByID(ctx context.Context, id string) (*domain.Message, error)

	// Conversations returns the distinct (from, to) pairs seen in history.
	Conversations(ctx context.Context) ([][2]string, error)

	// OpenSession records the start of a new agent session.
	OpenSession(ctx context.Context, session *domain.Session) error

	// EndSession closes an active session with a summary and close reason.
	EndSession(ctx context.Context, id, summary string, closedBy domain.ClosedBy) error

	// EndSessionsForAgent closes every still-active session for an agent,
	// used when an agent disconnects or goes stale and when the gateway
	// releases a spawned worker (daemon-restart crash recovery uses
	// MarkSessionsEndedOnRecovery instead).
	EndSessionsForAgent(ctx context.Context, agentName string, closedBy domain.ClosedBy) error

	// GetSessions returns sessions matching filter, most-recently-started first.
	GetSessions(ctx context.Context, filter SessionFilter) ([]*domain.Session, error)

	// UpsertAgent creates or updates an agent's durable record.
	UpsertAgent(ctx context.Context, agent *domain.AgentRecord) error

	// GetAgents returns every known agent record.
	GetAgents(ctx context.Context) ([]*domain.AgentRecord, error)

	// UpsertSummary overwrites an agent's running summary wholesale.
	UpsertSummary(ctx context.Context, summary *domain.AgentSummary) error

	// GetSummary retrieves an agent's current summary, or nil if none.
	GetSummary(ctx context.Context, agentName string) (*domain.AgentSummary, error)

	// PutAttachment persists an attachment record (file itself lives on disk).
	PutAttachment(ctx context.Context, att *domain.Attachment) error

	// GetAttachment retrieves an attachment record by id.
	GetAttachment(ctx context.Context, id string) (*domain.Attachment, error)

	// ExpiredAttachments returns attachments older than retention.
	ExpiredAttachments(ctx context.Context, retention time.Duration) ([]*domain.Attachment, error)

	// DeleteAttachment removes an attachment record.
	DeleteAttachment(ctx context.Context, id string) error

	// MarkSessionsEndedOnRecovery ends every still-open session at daemon
	// startup with closedBy=error, per the crash-recovery contract.
	MarkSessionsEndedOnRecovery(ctx context.Context) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
