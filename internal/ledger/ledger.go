// Package ledger records what the orchestrator has written to the
// destination calendar. The orchestrator consults it to decide between
// create and update, and to apply last-writer-wins against the upstream
// updated_at. Rows are never aged out; absence upstream never deletes.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Entry is one synced event. EventID is the normalized event ID; UpdatedAt
// is the upstream updated_at observed at write time, nil when the provider
// did not supply one.
type Entry struct {
	CalendarID         string
	EventID            string
	Provider           model.ProviderKind
	DestinationEventID string
	UpdatedAt          *time.Time
	LastSynced         time.Time
	WrittenAt          time.Time
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(calendarID, eventID string) (*Entry, error) {
	var e Entry
	var provider string
	var updatedAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT calendar_id, event_id, provider, destination_event_id, updated_at, last_synced, written_at
		 FROM sync_ledger WHERE calendar_id = ? AND event_id = ?`,
		calendarID, eventID,
	).Scan(&e.CalendarID, &e.EventID, &provider, &e.DestinationEventID, &updatedAt, &e.LastSynced, &e.WrittenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger entry: %w", err)
	}

	e.Provider = model.ProviderKind(provider)
	if updatedAt.Valid {
		e.UpdatedAt = &updatedAt.Time
	}
	return &e, nil
}

func (s *Store) Upsert(e *Entry) error {
	var updatedAt sql.NullTime
	if e.UpdatedAt != nil {
		updatedAt = sql.NullTime{Time: e.UpdatedAt.UTC(), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO sync_ledger (calendar_id, event_id, provider, destination_event_id, updated_at, last_synced, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (calendar_id, event_id) DO UPDATE SET
		   destination_event_id = excluded.destination_event_id,
		   updated_at = excluded.updated_at,
		   last_synced = excluded.last_synced,
		   written_at = excluded.written_at`,
		e.CalendarID, e.EventID, string(e.Provider), e.DestinationEventID,
		updatedAt, e.LastSynced.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(calendarID, eventID string) error {
	_, err := s.db.Exec(
		"DELETE FROM sync_ledger WHERE calendar_id = ? AND event_id = ?",
		calendarID, eventID,
	)
	if err != nil {
		return fmt.Errorf("delete ledger entry: %w", err)
	}
	return nil
}

func (s *Store) CountByCalendar(calendarID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sync_ledger WHERE calendar_id = ?",
		calendarID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// CountByProvider breaks the ledger down by originating provider, for the
// stats endpoint.
func (s *Store) CountByProvider(calendarID string) (map[model.ProviderKind]int, error) {
	rows, err := s.db.Query(
		"SELECT provider, COUNT(*) FROM sync_ledger WHERE calendar_id = ? GROUP BY provider",
		calendarID,
	)
	if err != nil {
		return nil, fmt.Errorf("count ledger by provider: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ProviderKind]int)
	for rows.Next() {
		var provider string
		var n int
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, fmt.Errorf("scan ledger count: %w", err)
		}
		counts[model.ProviderKind(provider)] = n
	}
	return counts, rows.Err()
}
