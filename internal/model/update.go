package model

import "time"

// Update type constants
const (
	UpdateTypeCalendarMetadata = "calendar_metadata"
	UpdateTypeSyncConfig       = "sync_config"
	UpdateTypeEventUpdate      = "event_update"
	UpdateTypeCalendarCreate   = "calendar_create"
	UpdateTypeCalendarDelete   = "calendar_delete"
)

// PendingUpdate is a server-to-agent instruction. It stays pending, and is
// redelivered on every heartbeat, until the agent acknowledges it.
type PendingUpdate struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func ValidUpdateType(t string) bool {
	switch t {
	case UpdateTypeCalendarMetadata, UpdateTypeSyncConfig, UpdateTypeEventUpdate,
		UpdateTypeCalendarCreate, UpdateTypeCalendarDelete:
		return true
	}
	return false
}
