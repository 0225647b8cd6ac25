package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/recurrence"
)

// ICSCollector reads exported .ics files from a directory. It parses the
// standard format rather than scraping any calendar application, so it works
// with whatever writes exports into the directory.
type ICSCollector struct {
	dir          string
	provider     model.ProviderKind
	calendarID   string
	calendarName string
	logger       *slog.Logger
}

func NewICSCollector(cfg CollectorConfig, logger *slog.Logger) *ICSCollector {
	return &ICSCollector{
		dir:          cfg.Dir,
		provider:     model.ProviderKind(cfg.Provider),
		calendarID:   cfg.CalendarID,
		calendarName: cfg.CalendarName,
		logger:       logger,
	}
}

func (c *ICSCollector) Name() string { return "ics:" + c.dir }

// Collect walks the directory and parses every .ics file. A file that fails
// to parse is logged and skipped; the snapshot still reflects the rest.
// Duplicate UIDs across files collapse to the last one read.
func (c *ICSCollector) Collect(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
	byUID := make(map[string]model.NormalizedEvent)

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".ics") {
			return nil
		}
		if err := c.collectFile(path, from, to, byUID); err != nil {
			c.logger.Warn("skipping unreadable ics file", "file", path, "error", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk ics directory: %w", err)
	}

	events := make([]model.NormalizedEvent, 0, len(byUID))
	for _, e := range byUID {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ProviderEventID < events[j].ProviderEventID
	})
	return events, nil
}

func (c *ICSCollector) collectFile(path string, from, to time.Time, byUID map[string]model.NormalizedEvent) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := ical.NewDecoder(f)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode calendar: %w", err)
		}
		for _, ve := range cal.Events() {
			event, ok := c.convert(ve)
			if !ok {
				continue
			}
			if !c.inWindow(event, from, to) {
				continue
			}
			byUID[event.ProviderEventID] = event
		}
	}
}

// convert maps one VEVENT onto the normalized shape. Events without a UID or
// start time cannot be identified or placed, so they are dropped.
func (c *ICSCollector) convert(ve ical.Event) (model.NormalizedEvent, bool) {
	uid, _ := ve.Props.Text(ical.PropUID)
	if uid == "" {
		return model.NormalizedEvent{}, false
	}
	start, err := ve.DateTimeStart(time.UTC)
	if err != nil || start.IsZero() {
		return model.NormalizedEvent{}, false
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		end = time.Time{}
	}

	summary, _ := ve.Props.Text(ical.PropSummary)
	description, _ := ve.Props.Text(ical.PropDescription)
	location, _ := ve.Props.Text(ical.PropLocation)

	event := model.NormalizedEvent{
		ID:              model.EventID(c.provider, uid),
		Provider:        c.provider,
		ProviderEventID: uid,
		Title:           summary,
		Description:     description,
		Location:        location,
		StartTime:       start.UTC(),
		CalendarID:      c.calendarID,
		CalendarName:    c.calendarName,
		Status:          icsStatus(ve),
		Participants:    icsAttendees(ve),
		Organizer:       icsOrganizer(ve),
	}
	if !end.IsZero() {
		event.EndTime = end.UTC()
	}
	if prop := ve.Props.Get(ical.PropDateTimeStart); prop != nil && prop.ValueType() == ical.ValueDate {
		event.AllDay = true
	}
	if prop := ve.Props.Get(ical.PropRecurrenceRule); prop != nil {
		event.Recurring = true
		event.RecurrencePattern = prop.Value
	}
	if event.Title == "" {
		event.Title = "Untitled Event"
	}
	return event, true
}

// inWindow decides window membership. A recurring series counts when any
// occurrence lands in the window, not just its literal first span.
func (c *ICSCollector) inWindow(e model.NormalizedEvent, from, to time.Time) bool {
	end := e.EndTime
	if end.IsZero() {
		end = e.StartTime
	}
	if e.Recurring && e.RecurrencePattern != "" {
		rule, err := recurrence.Parse(e.RecurrencePattern)
		if err == nil {
			return recurrence.OccursWithin(rule, e.StartTime, end, from, to)
		}
		c.logger.Debug("unparseable recurrence rule, using literal span",
			"event", e.ProviderEventID, "rule", e.RecurrencePattern)
	}
	return !end.Before(from) && !e.StartTime.After(to)
}

func icsStatus(ve ical.Event) model.EventStatus {
	text, _ := ve.Props.Text(ical.PropStatus)
	switch strings.ToUpper(text) {
	case "TENTATIVE":
		return model.EventStatusTentative
	case "CANCELLED":
		return model.EventStatusCancelled
	default:
		return model.EventStatusConfirmed
	}
}

func icsOrganizer(ve ical.Event) *model.Participant {
	prop := ve.Props.Get(ical.PropOrganizer)
	if prop == nil {
		return nil
	}
	return &model.Participant{
		Email:          strings.TrimPrefix(prop.Value, "mailto:"),
		Name:           prop.Params.Get(ical.ParamCommonName),
		ResponseStatus: model.ResponseAccepted,
	}
}

func icsAttendees(ve ical.Event) []model.Participant {
	props := ve.Props.Values(ical.PropAttendee)
	if len(props) == 0 {
		return nil
	}
	participants := make([]model.Participant, 0, len(props))
	for _, prop := range props {
		participants = append(participants, model.Participant{
			Email:          strings.TrimPrefix(prop.Value, "mailto:"),
			Name:           prop.Params.Get(ical.ParamCommonName),
			ResponseStatus: icsPartStat(prop.Params.Get(ical.ParamParticipationStatus)),
		})
	}
	return participants
}

func icsPartStat(partStat string) model.ResponseStatus {
	switch strings.ToUpper(partStat) {
	case "ACCEPTED":
		return model.ResponseAccepted
	case "DECLINED":
		return model.ResponseDeclined
	case "TENTATIVE":
		return model.ResponseTentative
	default:
		return model.ResponseNeedsAction
	}
}
