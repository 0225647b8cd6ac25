package provider

import (
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Normalize finalizes an adapter-produced event: canonical ID, UTC times,
// conservative defaults for fields the upstream payload omitted, and a fresh
// last_synced stamp. Adapters call it on every event they return.
func Normalize(e model.NormalizedEvent, now time.Time) model.NormalizedEvent {
	e.ID = model.EventID(e.Provider, e.ProviderEventID)
	if e.Title == "" {
		e.Title = "Untitled Event"
	}
	if e.Status == "" {
		e.Status = model.EventStatusConfirmed
	}
	if e.CalendarID == "" {
		e.CalendarID = "default"
	}
	if e.Participants == nil {
		e.Participants = []model.Participant{}
	}
	for i := range e.Participants {
		if e.Participants[i].ResponseStatus == "" {
			e.Participants[i].ResponseStatus = model.ResponseNeedsAction
		}
	}
	// Organizers attend their own events unless the payload says otherwise.
	if e.Organizer != nil && e.Organizer.ResponseStatus == "" {
		e.Organizer.ResponseStatus = model.ResponseAccepted
	}

	e.StartTime = e.StartTime.UTC()
	if e.EndTime.IsZero() {
		if e.AllDay {
			e.EndTime = e.StartTime.Add(24 * time.Hour)
		} else {
			e.EndTime = e.StartTime.Add(time.Hour)
		}
	}
	e.EndTime = e.EndTime.UTC()

	if e.CreatedAt != nil {
		utc := e.CreatedAt.UTC()
		e.CreatedAt = &utc
	}
	if e.UpdatedAt != nil {
		utc := e.UpdatedAt.UTC()
		e.UpdatedAt = &utc
	}
	e.LastSynced = now.UTC()
	return e
}
