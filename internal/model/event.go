package model

import (
	"fmt"
	"time"
)

type ProviderKind string

const (
	ProviderGoogle    ProviderKind = "google"
	ProviderMicrosoft ProviderKind = "microsoft"
	ProviderApple     ProviderKind = "apple"
	ProviderExchange  ProviderKind = "exchange"
	ProviderCalDAV    ProviderKind = "caldav"
	ProviderICS       ProviderKind = "ics"
)

func (p ProviderKind) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderApple, ProviderExchange, ProviderCalDAV, ProviderICS:
		return true
	}
	return false
}

type EventStatus string

const (
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusTentative EventStatus = "tentative"
	EventStatusCancelled EventStatus = "cancelled"
)

type ResponseStatus string

const (
	ResponseAccepted    ResponseStatus = "accepted"
	ResponseDeclined    ResponseStatus = "declined"
	ResponseTentative   ResponseStatus = "tentative"
	ResponseNeedsAction ResponseStatus = "needs_action"
)

type Participant struct {
	Email          string         `json:"email,omitempty"`
	Name           string         `json:"name,omitempty"`
	ResponseStatus ResponseStatus `json:"response_status"`
}

// NormalizedEvent is the provider-independent event shape. ID is
// deterministic per (provider, provider_event_id), so repeated syncs of the
// same upstream event always land on the same record.
type NormalizedEvent struct {
	ID                string         `json:"id"`
	Provider          ProviderKind   `json:"provider"`
	ProviderEventID   string         `json:"provider_event_id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Location          string         `json:"location,omitempty"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	AllDay            bool           `json:"all_day"`
	Organizer         *Participant   `json:"organizer,omitempty"`
	Participants      []Participant  `json:"participants"`
	Recurring         bool           `json:"recurring"`
	RecurrencePattern string         `json:"recurrence_pattern,omitempty"`
	CalendarID        string         `json:"calendar_id"`
	CalendarName      string         `json:"calendar_name,omitempty"`
	Status            EventStatus    `json:"status"`
	Private           bool           `json:"private"`
	CreatedAt         *time.Time     `json:"created_at,omitempty"`
	UpdatedAt         *time.Time     `json:"updated_at,omitempty"`
	LastSynced        time.Time      `json:"last_synced"`
	OriginalPayload   map[string]any `json:"original_payload,omitempty"`
}

// EventID builds the normalized event ID from a provider kind and the
// provider's own event identifier.
func EventID(provider ProviderKind, providerEventID string) string {
	return string(provider) + "_" + providerEventID
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *NormalizedEvent) Validate() error {
	if e.ProviderEventID == "" {
		return &ValidationError{Field: "provider_event_id", Reason: "required"}
	}
	if !e.Provider.Valid() {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown kind %q", e.Provider)}
	}
	if e.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if e.StartTime.IsZero() {
		return &ValidationError{Field: "start_time", Reason: "required"}
	}
	if !e.EndTime.IsZero() && e.EndTime.Before(e.StartTime) {
		return &ValidationError{Field: "end_time", Reason: "before start_time"}
	}
	return nil
}
