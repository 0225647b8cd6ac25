package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/veldra/calhub/internal/model"
)

func setupFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	return fs
}

func TestFileConfigurationRoundTrip(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()

	got, err := fs.LoadConfiguration(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if got != nil {
		t.Fatalf("fresh store config = %+v, want nil", got)
	}

	cfg := &model.SyncConfiguration{
		Destination: &model.Destination{Provider: model.ProviderGoogle, CalendarID: "primary"},
		Sources: []model.Source{{
			ID: "src1", Name: "Work", Provider: model.ProviderMicrosoft,
			CalendarIDs: []string{"cal1"}, Enabled: true,
		}},
		UpdatedAt: time.Now().UTC(),
	}
	if err := fs.SaveConfiguration(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err = fs.LoadConfiguration(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected configuration")
	}
	if got.Destination.CalendarID != "primary" {
		t.Errorf("destination calendar = %q, want %q", got.Destination.CalendarID, "primary")
	}
	if len(got.Sources) != 1 || got.Sources[0].ID != "src1" {
		t.Errorf("sources = %+v, want one src1", got.Sources)
	}
}

func TestFileAgentLifecycle(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()

	agent := &model.AgentRecord{
		ID: "agent-1", Name: "office-mac", Environment: "macos",
		Status: model.AgentStatusRegistered, RegisteredAt: time.Now().UTC(),
	}
	if err := fs.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("save agent: %v", err)
	}

	got, err := fs.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil || got.Name != "office-mac" {
		t.Fatalf("agent = %+v, want office-mac", got)
	}

	missing, err := fs.GetAgent(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing agent = %+v, want nil", missing)
	}

	fs.SaveAgent(ctx, &model.AgentRecord{ID: "agent-2", Name: "office-pc"})
	fs.SaveAgentEvents(ctx, "agent-1", []model.NormalizedEvent{{ID: "ics_a", Title: "A"}})

	agents, err := fs.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(agents))
	}
	if agents[0].ID != "agent-1" || agents[1].ID != "agent-2" {
		t.Errorf("agent order = %s, %s", agents[0].ID, agents[1].ID)
	}

	if err := fs.DeleteAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	agents, _ = fs.ListAgents(ctx)
	if len(agents) != 1 {
		t.Errorf("agents after delete = %d, want 1", len(agents))
	}
	events, _ := fs.LoadAgentEvents(ctx, "agent-1")
	if len(events) != 0 {
		t.Errorf("events after delete = %d, want 0", len(events))
	}
}

func TestFileAgentEventsReplace(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()

	first := []model.NormalizedEvent{
		{ID: "apple_1", Title: "One"},
		{ID: "apple_2", Title: "Two"},
	}
	if err := fs.SaveAgentEvents(ctx, "agent-1", first); err != nil {
		t.Fatalf("save events: %v", err)
	}

	second := []model.NormalizedEvent{{ID: "apple_3", Title: "Three"}}
	if err := fs.SaveAgentEvents(ctx, "agent-1", second); err != nil {
		t.Fatalf("replace events: %v", err)
	}

	got, err := fs.LoadAgentEvents(ctx, "agent-1")
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(got) != 1 || got[0].ID != "apple_3" {
		t.Errorf("events = %+v, want just apple_3", got)
	}
}

func TestFileResultHistoryTrim(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < HistoryLimit+10; i++ {
		res := &model.SyncResult{
			ID:        fmt.Sprintf("r%d", i),
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := fs.SaveResult(ctx, res); err != nil {
			t.Fatalf("save result %d: %v", i, err)
		}
	}

	latest, err := fs.LatestResult(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != fmt.Sprintf("r%d", HistoryLimit+9) {
		t.Errorf("latest = %s, want r%d", latest.ID, HistoryLimit+9)
	}

	history, err := fs.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != HistoryLimit {
		t.Fatalf("history len = %d, want %d", len(history), HistoryLimit)
	}
	if history[0].ID != latest.ID {
		t.Errorf("history head = %s, want latest %s", history[0].ID, latest.ID)
	}

	limited, _ := fs.History(ctx, 5)
	if len(limited) != 5 {
		t.Errorf("limited history len = %d, want 5", len(limited))
	}
}

func TestFileSourceResultTrim(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < SourceHistoryLimit+5; i++ {
		res := &model.SyncResult{
			ID:        fmt.Sprintf("s%d", i),
			Trigger:   model.TriggerSource,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := fs.SaveSourceResult(ctx, "src1", res); err != nil {
			t.Fatalf("save source result %d: %v", i, err)
		}
	}

	latest, err := fs.LatestSourceResult(ctx, "src1")
	if err != nil {
		t.Fatalf("latest source: %v", err)
	}
	if latest.ID != fmt.Sprintf("s%d", SourceHistoryLimit+4) {
		t.Errorf("latest = %s, want s%d", latest.ID, SourceHistoryLimit+4)
	}

	history, err := fs.SourceHistory(ctx, "src1", 0)
	if err != nil {
		t.Fatalf("source history: %v", err)
	}
	if len(history) != SourceHistoryLimit {
		t.Errorf("source history len = %d, want %d", len(history), SourceHistoryLimit)
	}

	// Per-source results never leak into the global history.
	global, _ := fs.History(ctx, 0)
	if len(global) != 0 {
		t.Errorf("global history len = %d, want 0", len(global))
	}
}

func TestFileUpdateQueue(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()

	u1 := &model.PendingUpdate{
		ID: "u1", AgentID: "agent-1", Type: model.UpdateTypeSyncConfig,
		Payload:   map[string]any{"interval_minutes": float64(10)},
		CreatedAt: time.Now().UTC(),
	}
	u2 := &model.PendingUpdate{
		ID: "u2", AgentID: "agent-1", Type: model.UpdateTypeCalendarMetadata,
		CreatedAt: time.Now().UTC().Add(time.Second),
	}
	if err := fs.EnqueueUpdate(ctx, u1); err != nil {
		t.Fatalf("enqueue u1: %v", err)
	}
	if err := fs.EnqueueUpdate(ctx, u2); err != nil {
		t.Fatalf("enqueue u2: %v", err)
	}

	pending, err := fs.PendingUpdates(ctx, "agent-1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "u1" || pending[1].ID != "u2" {
		t.Errorf("pending order = %s, %s, want u1, u2", pending[0].ID, pending[1].ID)
	}

	// Reading pending must not clear the queue.
	pending, _ = fs.PendingUpdates(ctx, "agent-1")
	if len(pending) != 2 {
		t.Fatalf("pending after re-read = %d, want 2", len(pending))
	}

	acked, err := fs.AckUpdate(ctx, "agent-1", "u1")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !acked {
		t.Error("expected first ack to report true")
	}

	pending, _ = fs.PendingUpdates(ctx, "agent-1")
	if len(pending) != 1 || pending[0].ID != "u2" {
		t.Errorf("pending after ack = %+v, want just u2", pending)
	}

	// Duplicate ack is a no-op.
	acked, err = fs.AckUpdate(ctx, "agent-1", "u1")
	if err != nil {
		t.Fatalf("duplicate ack: %v", err)
	}
	if acked {
		t.Error("duplicate ack should report false")
	}

	processed, err := fs.ProcessedUpdates(ctx, "agent-1")
	if err != nil {
		t.Fatalf("processed: %v", err)
	}
	if len(processed) != 1 || processed[0].ID != "u1" {
		t.Fatalf("processed = %+v, want just u1", processed)
	}
	if processed[0].ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
}

func TestFileAckUnknownUpdate(t *testing.T) {
	fs := setupFileStore(t)

	acked, err := fs.AckUpdate(context.Background(), "agent-1", "ghost")
	if err != nil {
		t.Fatalf("ack unknown: %v", err)
	}
	if acked {
		t.Error("unknown update ack should report false")
	}
}

func TestFileRejectsUnsafeIdentifiers(t *testing.T) {
	fs := setupFileStore(t)
	ctx := context.Background()

	if _, err := fs.GetAgent(ctx, "../etc/passwd"); err == nil {
		t.Error("expected error for path traversal in agent id")
	}
	if err := fs.SaveAgentEvents(ctx, "a/b", nil); err == nil {
		t.Error("expected error for separator in agent id")
	}
	if _, err := fs.LatestSourceResult(ctx, ".."); err == nil {
		t.Error("expected error for dot-dot source id")
	}
}
