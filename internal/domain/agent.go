package domain

import (
	"regexp"
	"time"
)

// ConnState is an agent record's connectivity state.
type ConnState string

const (
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
)

// InternalPrefix marks agent names reserved for relay-internal use.
const InternalPrefix = "__"

// validAgentName matches the 1-64 char charset the spec reserves for agent
// names; "*" is checked separately since it falls outside the charset.
var validAgentName = regexp.MustCompile(`^[A-Za-z0-9_\-.]{1,64}$`)

// ValidAgentName reports whether name is an acceptable agent identifier:
// the broadcast sentinel, or 1-64 chars from the allowed charset.
func ValidAgentName(name string) bool {
	if name == Broadcast {
		return true
	}
	return validAgentName.MatchString(name)
}

// AgentRecord is the registry's view of one agent, connected or not.
type AgentRecord struct {
	Name             string
	CLI              string
	Task             string
	Team             string
	FirstSeen        time.Time
	LastSeen         time.Time
	LastHeartbeat    time.Time
	State            ConnState
	MessagesSent     int64
	MessagesReceived int64
}

// Online reports whether the record's last heartbeat is within staleness.
func (a *AgentRecord) Online(now time.Time, staleness time.Duration) bool {
	if a.State != Connected {
		return false
	}
	return now.Sub(a.LastHeartbeat) <= staleness
}
