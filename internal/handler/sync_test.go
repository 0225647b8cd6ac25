package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/veldra/calhub/internal/coordinator"
	"github.com/veldra/calhub/internal/database"
	"github.com/veldra/calhub/internal/ledger"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/store"
	"github.com/veldra/calhub/internal/syncer"
)

type syncHandlerEnv struct {
	store       store.Store
	coordinator *coordinator.Coordinator
	google      *provider.Memory
	mux         *http.ServeMux
}

func newSyncEnv(t *testing.T) *syncHandlerEnv {
	t.Helper()

	fs, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open ledger db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := provider.NewRegistry()
	google := provider.NewMemory(model.ProviderGoogle)
	dest := provider.NewMemory(model.ProviderApple)
	if err := registry.Register(model.ProviderGoogle, google); err != nil {
		t.Fatalf("register google: %v", err)
	}
	if err := registry.Register(model.ProviderApple, dest); err != nil {
		t.Fatalf("register apple: %v", err)
	}

	led := ledger.New(db)
	sy := syncer.New(syncer.Config{RetryBase: time.Millisecond}, fs, registry, led, discardLogger())
	coord := coordinator.New(coordinator.Config{}, fs, discardLogger())
	h := NewSyncHandler(sy, coord, fs, led, discardLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/run", h.Run)
	mux.HandleFunc("POST /api/sync/run/{id}", h.RunSource)
	mux.HandleFunc("GET /api/sync/results/latest", h.LatestResult)
	mux.HandleFunc("GET /api/sync/history", h.History)
	mux.HandleFunc("GET /api/sync/sources/{id}/results", h.SourceResults)
	mux.HandleFunc("GET /api/sync/events", h.Events)
	mux.HandleFunc("GET /api/sync/stats", h.Stats)

	return &syncHandlerEnv{store: fs, coordinator: coord, google: google, mux: mux}
}

func (e *syncHandlerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *syncHandlerEnv) seedConfig(t *testing.T) {
	t.Helper()
	cfg := &model.SyncConfiguration{
		Destination: &model.Destination{Provider: model.ProviderApple, CalendarID: "family"},
		Sources: []model.Source{{
			ID:          "g1",
			Name:        "google work",
			Provider:    model.ProviderGoogle,
			CalendarIDs: []string{"work"},
			Enabled:     true,
		}},
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveConfiguration(context.Background(), cfg); err != nil {
		t.Fatalf("seed configuration: %v", err)
	}
}

func TestSyncRunWithoutConfiguration(t *testing.T) {
	env := newSyncEnv(t)

	rec := env.do(t, "POST", "/api/sync/run", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestSyncRunEndpoint(t *testing.T) {
	env := newSyncEnv(t)
	env.seedConfig(t)

	start := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)
	env.google.Seed("work",
		model.NormalizedEvent{ProviderEventID: "ev1", Title: "Planning", StartTime: start, EndTime: start.Add(time.Hour), CalendarID: "work"},
		model.NormalizedEvent{ProviderEventID: "ev2", Title: "Review", StartTime: start.Add(2 * time.Hour), EndTime: start.Add(3 * time.Hour), CalendarID: "work"},
	)

	rec := env.do(t, "POST", "/api/sync/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var result model.SyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Trigger != model.TriggerManual {
		t.Errorf("trigger = %q, want %q", result.Trigger, model.TriggerManual)
	}
	if result.Succeeded != 1 || result.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d, want 1/0", result.Succeeded, result.Failed)
	}
	if result.EventsWritten != 2 {
		t.Errorf("events written = %d, want 2", result.EventsWritten)
	}

	rec = env.do(t, "GET", "/api/sync/results/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d, want %d", rec.Code, http.StatusOK)
	}
	var latest model.SyncResult
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	if latest.ID != result.ID {
		t.Errorf("latest ID = %q, want %q", latest.ID, result.ID)
	}
}

func TestSyncRunUnknownSource(t *testing.T) {
	env := newSyncEnv(t)
	env.seedConfig(t)

	rec := env.do(t, "POST", "/api/sync/run/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestSyncSourceResults(t *testing.T) {
	env := newSyncEnv(t)
	env.seedConfig(t)
	env.google.Seed("work", model.NormalizedEvent{
		ProviderEventID: "ev1", Title: "Planning",
		StartTime:  time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC),
		CalendarID: "work",
	})

	rec := env.do(t, "GET", "/api/sync/sources/g1/results", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before any run = %d, want %d", rec.Code, http.StatusNotFound)
	}

	if rec = env.do(t, "POST", "/api/sync/run/g1", nil); rec.Code != http.StatusOK {
		t.Fatalf("run status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/sync/sources/g1/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp struct {
		Latest  *model.SyncResult  `json:"latest"`
		History []model.SyncResult `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Latest == nil {
		t.Fatal("latest result missing after source run")
	}
	if len(resp.History) != 1 {
		t.Errorf("history length = %d, want 1", len(resp.History))
	}
}

func TestSyncLatestResultEmpty(t *testing.T) {
	env := newSyncEnv(t)

	rec := env.do(t, "GET", "/api/sync/results/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSyncHistoryLimit(t *testing.T) {
	env := newSyncEnv(t)

	rec := env.do(t, "GET", "/api/sync/history?limit=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = env.do(t, "GET", "/api/sync/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Equal(bytes.TrimSpace(rec.Body.Bytes()), []byte("[]")) {
		t.Errorf("empty history should encode as [], got %s", rec.Body.String())
	}
}

func TestSyncEventsFilter(t *testing.T) {
	env := newSyncEnv(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)
	if _, err := env.coordinator.Register(ctx, coordinator.RegisterRequest{ID: "a1", Name: "one"}); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if _, err := env.coordinator.Register(ctx, coordinator.RegisterRequest{ID: "a2", Name: "two"}); err != nil {
		t.Fatalf("register a2: %v", err)
	}
	if _, _, err := env.coordinator.Import(ctx, "a1", []model.NormalizedEvent{
		{Provider: model.ProviderApple, ProviderEventID: "x1", Title: "One", StartTime: start},
	}); err != nil {
		t.Fatalf("import a1: %v", err)
	}
	if _, _, err := env.coordinator.Import(ctx, "a2", []model.NormalizedEvent{
		{Provider: model.ProviderApple, ProviderEventID: "x2", Title: "Two", StartTime: start},
		{Provider: model.ProviderApple, ProviderEventID: "x3", Title: "Three", StartTime: start},
	}); err != nil {
		t.Fatalf("import a2: %v", err)
	}

	rec := env.do(t, "GET", "/api/sync/events?agent_id=a2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var events []model.NormalizedEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("filtered events = %d, want 2", len(events))
	}

	rec = env.do(t, "GET", "/api/sync/events", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode merged events: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("merged events = %d, want 3", len(events))
	}
}

func TestSyncStats(t *testing.T) {
	env := newSyncEnv(t)

	rec := env.do(t, "GET", "/api/sync/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp struct {
		Agents      model.AgentStats `json:"agents"`
		SyncRunning bool             `json:"sync_running"`
		Store       string           `json:"store"`
		Destination *struct {
			CalendarID  string         `json:"calendar_id"`
			EventsTotal int            `json:"events_total"`
			ByKind      map[string]int `json:"events_by_kind"`
		} `json:"destination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.SyncRunning {
		t.Error("sync_running = true with no pass in flight")
	}
	if resp.Store != "file" {
		t.Errorf("store = %q, want file", resp.Store)
	}
	if resp.Destination != nil {
		t.Error("destination block should be absent before configuration")
	}

	// After a pass, the stats carry ledger totals for the destination.
	env.seedConfig(t)
	env.google.Seed("work", model.NormalizedEvent{
		ProviderEventID: "ev1", Title: "Planning",
		StartTime:  time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC),
		CalendarID: "work",
	})
	if rec = env.do(t, "POST", "/api/sync/run", nil); rec.Code != http.StatusOK {
		t.Fatalf("run status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/sync/stats", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats after run: %v", err)
	}
	if resp.Destination == nil {
		t.Fatal("destination block missing after a pass")
	}
	if resp.Destination.CalendarID != "family" {
		t.Errorf("destination calendar = %q, want family", resp.Destination.CalendarID)
	}
	if resp.Destination.EventsTotal != 1 {
		t.Errorf("destination events = %d, want 1", resp.Destination.EventsTotal)
	}
	if resp.Destination.ByKind["google"] != 1 {
		t.Errorf("events by kind = %v, want google:1", resp.Destination.ByKind)
	}
}
