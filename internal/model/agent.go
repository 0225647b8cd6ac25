package model

import "time"

type AgentStatus string

const (
	AgentStatusRegistered AgentStatus = "registered"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusInactive   AgentStatus = "inactive"
)

// AgentRecord tracks a remote collector. Agents self-register and are kept
// alive by heartbeats; the coordinator downgrades them to inactive when they
// stop reporting.
type AgentRecord struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Environment  string      `json:"environment"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Status       AgentStatus `json:"status"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
	EventCount   int         `json:"event_count"`
}
