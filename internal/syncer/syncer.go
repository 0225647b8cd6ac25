// Package syncer runs unified sync passes: fan out over every enabled
// source calendar, merge the fetched events, and apply them to the
// destination calendar through its adapter. A pass isolates failures per
// calendar; one broken source never aborts the others.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/veldra/calhub/internal/ledger"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/store"
)

var (
	// ErrBusy reports that a pass is already running. Passes are
	// single-flight; callers try again later.
	ErrBusy = errors.New("sync pass already running")

	ErrNoConfiguration = errors.New("no sync configuration")
	ErrNoDestination   = errors.New("no destination configured")
	ErrUnknownSource   = errors.New("source not found or disabled")
)

type Config struct {
	// Concurrency bounds the number of calendars fetched at once.
	Concurrency int
	// FetchTimeout bounds one calendar fetch including its retries.
	FetchTimeout time.Duration
	// RetryAttempts and RetryBase shape the backoff applied to transient
	// adapter failures.
	RetryAttempts uint64
	RetryBase     time.Duration
}

type Syncer struct {
	cfg      Config
	store    store.Store
	registry *provider.Registry
	ledger   *ledger.Store
	logger   *slog.Logger
	running  atomic.Bool
	notify   func(*model.SyncResult)
}

func New(cfg Config, st store.Store, registry *provider.Registry, led *ledger.Store, logger *slog.Logger) *Syncer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Syncer{
		cfg:      cfg,
		store:    st,
		registry: registry,
		ledger:   led,
		logger:   logger,
	}
}

// SetNotify installs a hook invoked with every completed pass result.
func (s *Syncer) SetNotify(fn func(*model.SyncResult)) {
	s.notify = fn
}

// Running reports whether a pass is currently executing.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

type taskKey struct {
	sourceID   string
	calendarID string
}

type taskResult struct {
	res        model.CalendarResult
	events     []model.NormalizedEvent
	nextCursor string
	advance    bool
}

// Run executes one sync pass. trigger labels the result; sourceID restricts
// the pass to a single source when non-empty. Partial failure is reported
// inside the returned result, not as an error.
func (s *Syncer) Run(ctx context.Context, trigger, sourceID string) (*model.SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)

	cfg, err := s.store.LoadConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg == nil {
		return nil, ErrNoConfiguration
	}
	if cfg.Destination == nil {
		return nil, ErrNoDestination
	}
	destAdapter, err := s.registry.Get(cfg.Destination.Provider)
	if err != nil {
		return nil, fmt.Errorf("destination adapter: %w", err)
	}

	sources := selectSources(cfg, sourceID)
	if sourceID != "" && len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	result := &model.SyncResult{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}

	taskResults := s.fanOut(ctx, sources)

	// Merge: last observation wins per event ID, then deterministic order.
	merged := make(map[string]model.NormalizedEvent)
	origin := make(map[string]taskKey)
	for _, tr := range taskResults {
		result.Calendars = append(result.Calendars, tr.res)
		if tr.res.Failed() {
			result.Failed++
			continue
		}
		result.Succeeded++
		key := taskKey{tr.res.SourceID, tr.res.CalendarID}
		for _, e := range tr.events {
			if prev, ok := merged[e.ID]; ok && prev.LastSynced.After(e.LastSynced) {
				continue
			}
			merged[e.ID] = e
			origin[e.ID] = key
		}
	}
	result.EventsMerged = len(merged)

	events := make([]model.NormalizedEvent, 0, len(merged))
	for _, e := range merged {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})

	// Apply to the destination. A calendar whose events fail to land keeps
	// its old cursor so the next pass refetches them.
	applyFailed := make(map[taskKey]bool)
	var applyErrs error
	for _, e := range events {
		written, err := s.applyEvent(ctx, destAdapter, cfg.Destination, e)
		if err != nil {
			applyFailed[origin[e.ID]] = true
			applyErrs = multierr.Append(applyErrs, fmt.Errorf("apply %s: %w", e.ID, err))
			continue
		}
		if written {
			result.EventsWritten++
		}
	}

	s.advanceCursors(ctx, cfg, taskResults, applyFailed, result.StartedAt)

	result.CompletedAt = time.Now().UTC()
	s.persistResult(ctx, trigger, sourceID, result)

	if result.Failed > 0 || applyErrs != nil {
		s.logger.Error("sync pass completed with failures",
			"trigger", trigger,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"merged", result.EventsMerged,
			"written", result.EventsWritten,
			"error", applyErrs)
	} else {
		s.logger.Info("sync pass completed",
			"trigger", trigger,
			"succeeded", result.Succeeded,
			"merged", result.EventsMerged,
			"written", result.EventsWritten)
	}

	if s.notify != nil {
		s.notify(result)
	}
	return result, nil
}

func selectSources(cfg *model.SyncConfiguration, sourceID string) []model.Source {
	var sources []model.Source
	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		if sourceID != "" && src.ID != sourceID {
			continue
		}
		sources = append(sources, src)
	}
	return sources
}

func (s *Syncer) fanOut(ctx context.Context, sources []model.Source) []taskResult {
	var mu sync.Mutex
	var results []taskResult

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, src := range sources {
		if src.AgentID != "" {
			src := src
			g.Go(func() error {
				tr := s.collectAgentEvents(ctx, src)
				mu.Lock()
				results = append(results, tr)
				mu.Unlock()
				return nil
			})
			continue
		}
		for _, calendarID := range src.CalendarIDs {
			src, calendarID := src, calendarID
			g.Go(func() error {
				tr := s.fetchCalendar(ctx, src, calendarID)
				mu.Lock()
				results = append(results, tr)
				mu.Unlock()
				return nil
			})
		}
	}
	// Tasks record failures in their results and never return errors.
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].res.SourceID != results[j].res.SourceID {
			return results[i].res.SourceID < results[j].res.SourceID
		}
		return results[i].res.CalendarID < results[j].res.CalendarID
	})
	return results
}

func (s *Syncer) fetchCalendar(ctx context.Context, src model.Source, calendarID string) taskResult {
	tr := taskResult{res: model.CalendarResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		Provider:   src.Provider,
		CalendarID: calendarID,
	}}

	adapter, err := s.registry.Get(src.Provider)
	if err != nil {
		tr.res.Error = err.Error()
		return tr
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	now := time.Now().UTC()
	window := provider.Window{
		Start: now.Add(-24 * time.Hour),
		End:   now.AddDate(0, 0, src.Window()),
	}

	cursor := src.Cursor(calendarID)
	res, err := s.fetchWithRetry(ctx, adapter, src, calendarID, cursor, window)
	if errors.Is(err, provider.ErrCursorExpired) {
		// Clear the cursor and refetch the window once. A second expiry is
		// a plain failure.
		s.logger.Warn("sync cursor expired, refetching window",
			"source", src.ID, "calendar", calendarID)
		tr.res.CursorReset = true
		res, err = s.fetchWithRetry(ctx, adapter, src, calendarID, "", window)
	}
	if err != nil {
		tr.res.Error = err.Error()
		return tr
	}

	tr.events = res.Events
	tr.nextCursor = res.NextCursor
	tr.advance = true
	tr.res.Events = len(res.Events)
	return tr
}

func (s *Syncer) collectAgentEvents(ctx context.Context, src model.Source) taskResult {
	tr := taskResult{res: model.CalendarResult{
		SourceID:   src.ID,
		SourceName: src.Name,
		Provider:   src.Provider,
		CalendarID: "agent:" + src.AgentID,
	}}

	events, err := s.store.LoadAgentEvents(ctx, src.AgentID)
	if err != nil {
		tr.res.Error = err.Error()
		return tr
	}
	tr.events = events
	tr.res.Events = len(events)
	return tr
}

func (s *Syncer) fetchWithRetry(ctx context.Context, adapter provider.Adapter, src model.Source, calendarID, cursor string, window provider.Window) (provider.FetchResult, error) {
	var out provider.FetchResult
	backoff := retry.WithMaxRetries(s.cfg.RetryAttempts, retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := adapter.FetchIncremental(ctx, provider.Credentials(src.Credentials), calendarID, cursor, window)
		if err != nil {
			if provider.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Syncer) applyWithRetry(ctx context.Context, adapter provider.Adapter, dest *model.Destination, e model.NormalizedEvent, op provider.Op) (provider.ApplyResult, error) {
	var out provider.ApplyResult
	backoff := retry.WithMaxRetries(s.cfg.RetryAttempts, retry.NewExponential(s.cfg.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := adapter.Apply(ctx, provider.Credentials(dest.Credentials), dest.CalendarID, e, op)
		if err != nil {
			if provider.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// applyEvent reconciles one merged event against the destination: create
// when unknown, update when the upstream edit is newer than the recorded
// sync, delete only on an explicit cancelled status. Absence from a fetch
// never deletes anything.
func (s *Syncer) applyEvent(ctx context.Context, adapter provider.Adapter, dest *model.Destination, e model.NormalizedEvent) (bool, error) {
	entry, err := s.ledger.Get(dest.CalendarID, e.ID)
	if err != nil {
		return false, err
	}

	if e.Status == model.EventStatusCancelled {
		if entry == nil {
			return false, nil
		}
		if _, err := s.applyWithRetry(ctx, adapter, dest, e, provider.OpDelete); err != nil {
			return false, err
		}
		if err := s.ledger.Delete(dest.CalendarID, e.ID); err != nil {
			return false, err
		}
		return true, nil
	}

	op := provider.OpCreate
	if entry != nil {
		if e.UpdatedAt == nil || !e.UpdatedAt.After(entry.LastSynced) {
			return false, nil
		}
		op = provider.OpUpdate
	}

	res, err := s.applyWithRetry(ctx, adapter, dest, e, op)
	if err != nil {
		return false, err
	}
	return true, s.ledger.Upsert(&ledger.Entry{
		CalendarID:         dest.CalendarID,
		EventID:            e.ID,
		Provider:           e.Provider,
		DestinationEventID: res.EventID,
		UpdatedAt:          e.UpdatedAt,
		LastSynced:         e.LastSynced,
	})
}

// advanceCursors persists new cursors for calendars whose fetch succeeded
// and whose events all landed, then stamps last_sync_at per source.
func (s *Syncer) advanceCursors(ctx context.Context, cfg *model.SyncConfiguration, taskResults []taskResult, applyFailed map[taskKey]bool, started time.Time) {
	changed := false
	for _, tr := range taskResults {
		src := cfg.SourceByID(tr.res.SourceID)
		if src == nil {
			continue
		}
		if !tr.res.Failed() {
			at := started
			src.LastSyncAt = &at
			changed = true
		}
		key := taskKey{tr.res.SourceID, tr.res.CalendarID}
		if !tr.advance || tr.res.Failed() || applyFailed[key] {
			continue
		}
		if src.Cursor(tr.res.CalendarID) != tr.nextCursor {
			src.SetCursor(tr.res.CalendarID, tr.nextCursor)
			changed = true
		}
	}
	if !changed {
		return
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveConfiguration(ctx, cfg); err != nil {
		s.logger.Error("save configuration after pass", "error", err)
	}
}

func (s *Syncer) persistResult(ctx context.Context, trigger, sourceID string, result *model.SyncResult) {
	var err error
	if trigger == model.TriggerSource && sourceID != "" {
		err = s.store.SaveSourceResult(ctx, sourceID, result)
	} else {
		err = s.store.SaveResult(ctx, result)
	}
	if err != nil {
		s.logger.Error("save sync result", "error", err)
	}
}
