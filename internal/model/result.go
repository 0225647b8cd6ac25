package model

import "time"

// Sync trigger constants
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerSource    = "source"
)

// CalendarResult is the outcome of one (source, calendar) fetch task.
type CalendarResult struct {
	SourceID    string       `json:"source_id"`
	SourceName  string       `json:"source_name"`
	Provider    ProviderKind `json:"provider"`
	CalendarID  string       `json:"calendar_id"`
	Events      int          `json:"events"`
	CursorReset bool         `json:"cursor_reset,omitempty"`
	Error       string       `json:"error,omitempty"`
}

func (r CalendarResult) Failed() bool { return r.Error != "" }

// SyncResult records one orchestrator pass. A pass with failed calendars is
// still a result, not an error; per-calendar failures live in Calendars.
type SyncResult struct {
	ID            string           `json:"id"`
	Trigger       string           `json:"trigger"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
	Calendars     []CalendarResult `json:"calendars"`
	Succeeded     int              `json:"succeeded"`
	Failed        int              `json:"failed"`
	EventsMerged  int              `json:"events_merged"`
	EventsWritten int              `json:"events_written"`
}

// AgentStats is an aggregate view over stored agent snapshots.
type AgentStats struct {
	Agents         int                  `json:"agents"`
	ActiveAgents   int                  `json:"active_agents"`
	TotalEvents    int                  `json:"total_events"`
	EventsByAgent  map[string]int       `json:"events_by_agent"`
	EventsByKind   map[ProviderKind]int `json:"events_by_provider"`
	PendingUpdates int                  `json:"pending_updates"`
}
