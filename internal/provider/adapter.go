// Package provider defines the contract between the sync coordinator and
// calendar backends. Concrete network adapters (Google, Microsoft, CalDAV)
// live outside this module and register themselves against a Registry; this
// package ships the interface, the error taxonomy, and an in-memory adapter.
package provider

import (
	"context"
	"time"

	"github.com/veldra/calhub/internal/model"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Credentials are opaque to the coordinator. Each adapter documents the keys
// it expects; the coordinator only stores and forwards them.
type Credentials map[string]any

type CalendarInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
	Primary  bool   `json:"primary,omitempty"`
}

// Window bounds a full fetch when no cursor is available.
type Window struct {
	Start time.Time
	End   time.Time
}

type FetchResult struct {
	Events     []model.NormalizedEvent
	NextCursor string
	// Full marks a complete window fetch rather than a delta. The caller
	// treats the result as authoritative for the window either way; deletes
	// are never inferred from absence.
	Full bool
}

type ApplyResult struct {
	EventID string
	Created bool
}

// Adapter is one calendar backend. Implementations normalize events before
// returning them and classify failures with the errors in this package.
//
// FetchIncremental must tolerate an absent or stale cursor: absent means
// fetch the window, stale-but-usable means delta since the cursor, and an
// unusable cursor must surface ErrCursorExpired so the caller can clear it
// and refetch exactly once.
type Adapter interface {
	ListCalendars(ctx context.Context, creds Credentials) ([]CalendarInfo, error)
	FetchIncremental(ctx context.Context, creds Credentials, calendarID, cursor string, window Window) (FetchResult, error)
	Apply(ctx context.Context, creds Credentials, calendarID string, event model.NormalizedEvent, op Op) (ApplyResult, error)
}
