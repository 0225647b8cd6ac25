package model

import "time"

// DefaultWindowDays bounds the fetch window for sources that do not set one.
const DefaultWindowDays = 30

// Source is one upstream calendar account. Credentials are opaque to the
// coordinator and handed to the provider adapter as-is. Sources fed by a
// remote agent set AgentID and are never fetched directly.
type Source struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Provider    ProviderKind      `json:"provider"`
	CalendarIDs []string          `json:"calendar_ids"`
	Credentials map[string]any    `json:"credentials,omitempty"`
	Enabled     bool              `json:"enabled"`
	AgentID     string            `json:"agent_id,omitempty"`
	WindowDays  int               `json:"window_days,omitempty"`
	SyncTokens  map[string]string `json:"sync_tokens,omitempty"`
	LastSyncAt  *time.Time        `json:"last_sync_at,omitempty"`
}

func (s *Source) Window() int {
	if s.WindowDays > 0 {
		return s.WindowDays
	}
	return DefaultWindowDays
}

// Cursor returns the stored incremental-fetch cursor for one calendar, or
// "" when none has been recorded yet.
func (s *Source) Cursor(calendarID string) string {
	return s.SyncTokens[calendarID]
}

func (s *Source) SetCursor(calendarID, cursor string) {
	if s.SyncTokens == nil {
		s.SyncTokens = make(map[string]string)
	}
	if cursor == "" {
		delete(s.SyncTokens, calendarID)
		return
	}
	s.SyncTokens[calendarID] = cursor
}

type Destination struct {
	Provider    ProviderKind   `json:"provider"`
	CalendarID  string         `json:"calendar_id"`
	Credentials map[string]any `json:"credentials,omitempty"`
}

// SyncConfiguration is the single logical configuration document. It is
// persisted as one state-store key, so writes replace it wholesale.
type SyncConfiguration struct {
	Destination *Destination `json:"destination,omitempty"`
	Sources     []Source     `json:"sources"`
	Agents      []string     `json:"agents,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (c *SyncConfiguration) SourceByID(id string) *Source {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i]
		}
	}
	return nil
}
