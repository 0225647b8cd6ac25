package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Memory is an in-process adapter used by tests and local development. It
// implements real cursor semantics: every mutation bumps a per-calendar
// generation, fetches return a cursor naming the generation they saw, and
// ExpireCursors invalidates everything issued so far.
type Memory struct {
	mu        sync.Mutex
	kind      model.ProviderKind
	calendars map[string]*memCalendar
	applied   map[string]model.NormalizedEvent
	failNext  map[string][]error
	failApply map[string][]error
	now       func() time.Time
}

type memCalendar struct {
	info   CalendarInfo
	gen    int
	floor  int
	events map[string]stampedEvent
}

type stampedEvent struct {
	event model.NormalizedEvent
	gen   int
}

func NewMemory(kind model.ProviderKind) *Memory {
	return &Memory{
		kind:      kind,
		calendars: make(map[string]*memCalendar),
		applied:   make(map[string]model.NormalizedEvent),
		failNext:  make(map[string][]error),
		failApply: make(map[string][]error),
		now:       time.Now,
	}
}

// SetNow overrides the clock used to stamp last_synced on fetched events.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed replaces the contents of a calendar, creating it if needed. Every
// seeded event lands in a new generation, so holders of older cursors see
// them as changes.
func (m *Memory) Seed(calendarID string, events ...model.NormalizedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.calendar(calendarID)
	c.gen++
	c.events = make(map[string]stampedEvent, len(events))
	for _, e := range events {
		e.Provider = m.kind
		c.events[e.ProviderEventID] = stampedEvent{event: e, gen: c.gen}
	}
}

// Put upserts one event into a calendar in its own generation.
func (m *Memory) Put(calendarID string, e model.NormalizedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.calendar(calendarID)
	c.gen++
	e.Provider = m.kind
	c.events[e.ProviderEventID] = stampedEvent{event: e, gen: c.gen}
}

// ExpireCursors invalidates every cursor issued for the calendar so far.
// The next fetch with any of them returns ErrCursorExpired.
func (m *Memory) ExpireCursors(calendarID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.calendar(calendarID)
	c.gen++
	c.floor = c.gen
}

// FailNext queues an error returned by the next fetch of the calendar.
// Queued errors are consumed in order before any real fetch logic runs.
func (m *Memory) FailNext(calendarID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[calendarID] = append(m.failNext[calendarID], err)
}

// FailNextApply queues an error returned by the next Apply to the calendar.
func (m *Memory) FailNextApply(calendarID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failApply[calendarID] = append(m.failApply[calendarID], err)
}

func (m *Memory) calendar(id string) *memCalendar {
	c, ok := m.calendars[id]
	if !ok {
		c = &memCalendar{
			info:   CalendarInfo{ID: id, Name: id},
			events: make(map[string]stampedEvent),
		}
		m.calendars[id] = c
	}
	return c
}

func (m *Memory) ListCalendars(ctx context.Context, creds Credentials) ([]CalendarInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]CalendarInfo, 0, len(m.calendars))
	for _, c := range m.calendars {
		infos = append(infos, c.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (m *Memory) FetchIncremental(ctx context.Context, creds Credentials, calendarID, cursor string, window Window) (FetchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if errs := m.failNext[calendarID]; len(errs) > 0 {
		err := errs[0]
		m.failNext[calendarID] = errs[1:]
		return FetchResult{}, err
	}

	c, ok := m.calendars[calendarID]
	if !ok {
		return FetchResult{}, Fatal(fmt.Errorf("calendar %q not found", calendarID))
	}

	since := -1
	full := true
	if cursor != "" {
		n, err := parseCursor(cursor)
		if err != nil || n < c.floor {
			return FetchResult{}, ErrCursorExpired
		}
		since = n
		full = false
	}

	now := m.now()
	var events []model.NormalizedEvent
	for _, se := range c.events {
		if se.gen <= since {
			continue
		}
		e := se.event
		e.CalendarID = calendarID
		events = append(events, Normalize(e, now))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })

	return FetchResult{
		Events:     events,
		NextCursor: fmt.Sprintf("mem-%d", c.gen),
		Full:       full,
	}, nil
}

func (m *Memory) Apply(ctx context.Context, creds Credentials, calendarID string, event model.NormalizedEvent, op Op) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if errs := m.failApply[calendarID]; len(errs) > 0 {
		err := errs[0]
		m.failApply[calendarID] = errs[1:]
		return ApplyResult{}, err
	}

	key := calendarID + "/" + event.ID
	_, existed := m.applied[key]
	switch op {
	case OpDelete:
		delete(m.applied, key)
		return ApplyResult{EventID: event.ID}, nil
	case OpCreate, OpUpdate:
		m.applied[key] = event
		return ApplyResult{EventID: event.ID, Created: !existed}, nil
	default:
		return ApplyResult{}, Fatal(fmt.Errorf("unsupported op %q", op))
	}
}

// Applied returns the events written to a calendar via Apply, sorted by ID.
func (m *Memory) Applied(calendarID string) []model.NormalizedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := calendarID + "/"
	var events []model.NormalizedEvent
	for key, e := range m.applied {
		if strings.HasPrefix(key, prefix) {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

func parseCursor(cursor string) (int, error) {
	rest, ok := strings.CutPrefix(cursor, "mem-")
	if !ok {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return strconv.Atoi(rest)
}
