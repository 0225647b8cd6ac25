package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/veldra/calhub/internal/coordinator"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type agentEnv struct {
	coordinator *coordinator.Coordinator
	mux         *http.ServeMux
}

func newAgentEnv(t *testing.T) *agentEnv {
	t.Helper()

	fs, err := store.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	coord := coordinator.New(coordinator.Config{}, fs, discardLogger())
	h := NewAgentHandler(coord, discardLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/agents/register", h.Register)
	mux.HandleFunc("POST /api/sync/agents/{id}/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/sync/agents/{id}/import", h.Import)
	mux.HandleFunc("GET /api/sync/agents/{id}/updates", h.Updates)
	mux.HandleFunc("POST /api/sync/agents/{id}/updates/{update_id}/ack", h.Ack)
	mux.HandleFunc("GET /api/sync/agents", h.List)
	mux.HandleFunc("DELETE /api/sync/agents/{id}", h.Delete)
	mux.HandleFunc("POST /api/sync/push", h.Push)

	return &agentEnv{coordinator: coord, mux: mux}
}

func (e *agentEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
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

func TestAgentRegisterEndpoint(t *testing.T) {
	env := newAgentEnv(t)

	rec := env.do(t, "POST", "/api/sync/agents/register", coordinator.RegisterRequest{
		Name:        "office-mac",
		Environment: "darwin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var agent model.AgentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if agent.ID == "" {
		t.Error("agent ID not assigned")
	}
	if agent.Name != "office-mac" {
		t.Errorf("name = %q, want office-mac", agent.Name)
	}
	if agent.Status != model.AgentStatusRegistered {
		t.Errorf("status = %q, want %q", agent.Status, model.AgentStatusRegistered)
	}
}

func TestAgentRegisterTrimsName(t *testing.T) {
	env := newAgentEnv(t)

	rec := env.do(t, "POST", "/api/sync/agents/register", map[string]string{"name": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAgentRegisterBadJSON(t *testing.T) {
	env := newAgentEnv(t)

	req := httptest.NewRequest("POST", "/api/sync/agents/register", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestAgentHeartbeatAutoRegisters(t *testing.T) {
	env := newAgentEnv(t)

	rec := env.do(t, "POST", "/api/sync/agents/drifter/heartbeat", coordinator.HeartbeatRequest{
		Timestamp: time.Now().UTC(),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp coordinator.HeartbeatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Agent == nil || resp.Agent.ID != "drifter" {
		t.Fatalf("agent = %+v, want ID drifter", resp.Agent)
	}
	// Agents iterate the pending list without a nil check.
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"pending_updates":[]`)) {
		t.Errorf("pending_updates should encode as an empty array, body %s", rec.Body.String())
	}
}

func TestAgentImportEndpoint(t *testing.T) {
	env := newAgentEnv(t)
	env.do(t, "POST", "/api/sync/agents/register", coordinator.RegisterRequest{ID: "imp-1", Name: "importer"})

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	events := []model.NormalizedEvent{
		{Provider: model.ProviderApple, ProviderEventID: "e1", Title: "Standup", StartTime: start, EndTime: start.Add(30 * time.Minute), CalendarID: "work"},
		{Provider: model.ProviderApple, ProviderEventID: "e2", Title: "Lunch", StartTime: start.Add(3 * time.Hour), CalendarID: "work"},
		{Provider: model.ProviderApple, Title: "No provider event ID", StartTime: start},
	}
	rec := env.do(t, "POST", "/api/sync/agents/imp-1/import", map[string]any{"events": events})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["imported"] != 2 || resp["skipped"] != 1 {
		t.Errorf("imported/skipped = %d/%d, want 2/1", resp["imported"], resp["skipped"])
	}
}

func TestAgentImportUnknownAgent(t *testing.T) {
	env := newAgentEnv(t)

	rec := env.do(t, "POST", "/api/sync/agents/ghost/import", map[string]any{"events": []model.NormalizedEvent{}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAgentUpdateAckFlow(t *testing.T) {
	env := newAgentEnv(t)
	env.do(t, "POST", "/api/sync/agents/register", coordinator.RegisterRequest{ID: "u1", Name: "updater"})

	rec := env.do(t, "POST", "/api/sync/push", coordinator.PushRequest{
		Type:         model.UpdateTypeSyncConfig,
		TargetAgents: []string{"u1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/sync/agents/u1/updates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("updates status = %d, want %d", rec.Code, http.StatusOK)
	}
	var updates []model.PendingUpdate
	if err := json.Unmarshal(rec.Body.Bytes(), &updates); err != nil {
		t.Fatalf("decode updates: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d pending updates, want 1", len(updates))
	}

	ackPath := "/api/sync/agents/u1/updates/" + updates[0].ID + "/ack"
	rec = env.do(t, "POST", ackPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, want %d", rec.Code, http.StatusOK)
	}
	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Acknowledged {
		t.Error("first ack should report acknowledged=true")
	}

	// Acking twice is a no-op, not an error.
	rec = env.do(t, "POST", ackPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second ack status = %d, want %d", rec.Code, http.StatusOK)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode second ack: %v", err)
	}
	if ack.Acknowledged {
		t.Error("second ack should report acknowledged=false")
	}
}

func TestAgentPushUnknownType(t *testing.T) {
	env := newAgentEnv(t)

	rec := env.do(t, "POST", "/api/sync/push", coordinator.PushRequest{Type: "reboot_everything"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestAgentDeleteGuard(t *testing.T) {
	env := newAgentEnv(t)
	env.do(t, "POST", "/api/sync/agents/register", coordinator.RegisterRequest{ID: "d1", Name: "doomed"})
	env.do(t, "POST", "/api/sync/agents/d1/heartbeat", coordinator.HeartbeatRequest{Timestamp: time.Now().UTC()})

	rec := env.do(t, "DELETE", "/api/sync/agents/d1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = env.do(t, "DELETE", "/api/sync/agents/d1?force=true", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("forced delete status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = env.do(t, "GET", "/api/sync/agents", nil)
	var agents []model.AgentRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("got %d agents after delete, want 0", len(agents))
	}
}
