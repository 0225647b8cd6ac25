package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/veldra/calhub/internal/model"
)

func TestRegistryRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("carrier_pigeon", NewMemory(model.ProviderICS)); err == nil {
		t.Error("expected error registering unknown kind")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(model.ProviderGoogle, NewMemory(model.ProviderGoogle)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(model.ProviderGoogle, NewMemory(model.ProviderGoogle)); err == nil {
		t.Error("expected error registering duplicate kind")
	}
}

func TestRegistryGetUnregistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(model.ProviderCalDAV); err == nil {
		t.Error("expected error for unregistered kind")
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if !IsTransient(Transient(base)) {
		t.Error("Transient wrap should classify as transient")
	}
	if IsTransient(Fatal(base)) {
		t.Error("Fatal wrap should not classify as transient")
	}
	if !IsFatal(Fatal(base)) {
		t.Error("Fatal wrap should classify as fatal")
	}
	if !IsFatal(base) {
		t.Error("unclassified error should default to fatal")
	}
	if IsFatal(ErrCursorExpired) {
		t.Error("cursor expiry is its own class, not fatal")
	}
	if IsFatal(fmt.Errorf("fetch: %w", ErrCursorExpired)) {
		t.Error("wrapped cursor expiry should still not be fatal")
	}
	if !errors.Is(fmt.Errorf("fetch: %w", ErrCursorExpired), ErrCursorExpired) {
		t.Error("ErrCursorExpired should survive wrapping")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.FixedZone("PST", -8*3600))

	e := Normalize(model.NormalizedEvent{
		Provider:        model.ProviderGoogle,
		ProviderEventID: "ev1",
		StartTime:       start,
		Organizer:       &model.Participant{Email: "host@example.com"},
		Participants:    []model.Participant{{Email: "guest@example.com"}},
	}, now)

	if e.ID != "google_ev1" {
		t.Errorf("id = %q, want %q", e.ID, "google_ev1")
	}
	if e.Title != "Untitled Event" {
		t.Errorf("title = %q, want default", e.Title)
	}
	if e.Status != model.EventStatusConfirmed {
		t.Errorf("status = %q, want confirmed", e.Status)
	}
	if e.CalendarID != "default" {
		t.Errorf("calendar_id = %q, want default", e.CalendarID)
	}
	if loc := e.StartTime.Location(); loc != time.UTC {
		t.Errorf("start location = %v, want UTC", loc)
	}
	if want := e.StartTime.Add(time.Hour); !e.EndTime.Equal(want) {
		t.Errorf("end = %v, want start+1h %v", e.EndTime, want)
	}
	if e.Organizer.ResponseStatus != model.ResponseAccepted {
		t.Errorf("organizer response = %q, want accepted", e.Organizer.ResponseStatus)
	}
	if e.Participants[0].ResponseStatus != model.ResponseNeedsAction {
		t.Errorf("participant response = %q, want needs_action", e.Participants[0].ResponseStatus)
	}
	if !e.LastSynced.Equal(now) {
		t.Errorf("last_synced = %v, want %v", e.LastSynced, now)
	}
}

func TestNormalizeAllDayEnd(t *testing.T) {
	now := time.Now()
	start := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	e := Normalize(model.NormalizedEvent{
		Provider:        model.ProviderICS,
		ProviderEventID: "d1",
		Title:           "Holiday",
		StartTime:       start,
		AllDay:          true,
	}, now)
	if want := start.Add(24 * time.Hour); !e.EndTime.Equal(want) {
		t.Errorf("all-day end = %v, want %v", e.EndTime, want)
	}
}

func TestMemoryIncrementalFetch(t *testing.T) {
	m := NewMemory(model.ProviderGoogle)
	m.Seed("work", model.NormalizedEvent{ProviderEventID: "a", Title: "A"})
	ctx := context.Background()

	first, err := m.FetchIncremental(ctx, nil, "work", "", Window{})
	if err != nil {
		t.Fatalf("full fetch: %v", err)
	}
	if !first.Full {
		t.Error("fetch without cursor should be full")
	}
	if len(first.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(first.Events))
	}
	if first.NextCursor == "" {
		t.Fatal("expected a cursor")
	}

	// Nothing changed, so the delta is empty.
	delta, err := m.FetchIncremental(ctx, nil, "work", first.NextCursor, Window{})
	if err != nil {
		t.Fatalf("delta fetch: %v", err)
	}
	if delta.Full {
		t.Error("fetch with cursor should be a delta")
	}
	if len(delta.Events) != 0 {
		t.Errorf("unchanged delta events = %d, want 0", len(delta.Events))
	}

	m.Put("work", model.NormalizedEvent{ProviderEventID: "b", Title: "B"})
	delta, err = m.FetchIncremental(ctx, nil, "work", first.NextCursor, Window{})
	if err != nil {
		t.Fatalf("delta fetch after put: %v", err)
	}
	if len(delta.Events) != 1 || delta.Events[0].ProviderEventID != "b" {
		t.Errorf("delta = %+v, want just event b", delta.Events)
	}
	if delta.NextCursor == first.NextCursor {
		t.Error("cursor should advance after changes")
	}
}

func TestMemoryCursorExpiry(t *testing.T) {
	m := NewMemory(model.ProviderGoogle)
	m.Seed("work", model.NormalizedEvent{ProviderEventID: "a", Title: "A"})
	ctx := context.Background()

	first, err := m.FetchIncremental(ctx, nil, "work", "", Window{})
	if err != nil {
		t.Fatalf("full fetch: %v", err)
	}

	m.ExpireCursors("work")
	_, err = m.FetchIncremental(ctx, nil, "work", first.NextCursor, Window{})
	if !errors.Is(err, ErrCursorExpired) {
		t.Fatalf("err = %v, want ErrCursorExpired", err)
	}

	// A cleared cursor recovers with a full fetch.
	again, err := m.FetchIncremental(ctx, nil, "work", "", Window{})
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again.Events) != 1 {
		t.Errorf("refetch events = %d, want 1", len(again.Events))
	}
}

func TestMemoryFailNext(t *testing.T) {
	m := NewMemory(model.ProviderGoogle)
	m.Seed("work", model.NormalizedEvent{ProviderEventID: "a", Title: "A"})
	m.FailNext("work", Transient(errors.New("throttled")))
	ctx := context.Background()

	_, err := m.FetchIncremental(ctx, nil, "work", "", Window{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}

	res, err := m.FetchIncremental(ctx, nil, "work", "", Window{})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(res.Events) != 1 {
		t.Errorf("events = %d, want 1", len(res.Events))
	}
}
