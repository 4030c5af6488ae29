package domain

import "time"

// ClosedBy records why a session ended.
type ClosedBy string

const (
	ClosedByAgent      ClosedBy = "agent"
	ClosedByDisconnect ClosedBy = "disconnect"
	ClosedByError      ClosedBy = "error"
)

// Session is a single connected lifespan of one agent.
type Session struct {
	ID           string
	AgentName    string
	CLI          string
	StartedAt    time.Time
	EndedAt      *time.Time
	Summary      string
	MessageCount int
	ClosedBy     ClosedBy
}

// Active reports whether the session has not yet ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// AgentSummary is a per-agent running context, overwritten wholesale by
// every later summary for the same agent.
type AgentSummary struct {
	AgentName      string
	ProjectID      string
	LastUpdated    time.Time
	CurrentTask    string
	CompletedTasks []string
	Decisions      []string
	Context        string
	Files          []string
}
