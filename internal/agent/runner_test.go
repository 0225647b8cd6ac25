package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veldra/calhub/internal/model"
)

type collectorFunc func(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error)

func (f collectorFunc) Name() string { return "fake" }

func (f collectorFunc) Collect(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
	return f(ctx, from, to)
}

// fakeHub is a minimal in-test server speaking the agent protocol. It
// assigns IDs on register, redelivers queued updates on every heartbeat and
// drops them once acknowledged.
type fakeHub struct {
	srv *httptest.Server

	mu         sync.Mutex
	registers  []RegisterRequest
	heartbeats []HeartbeatRequest
	acked      []string
	updates    []model.PendingUpdate
	rejectBeat int
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync/agents/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.registers = append(h.registers, req)
		h.mu.Unlock()
		id := req.ID
		if id == "" {
			id = "agent-300"
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.AgentRecord{ID: id, Name: req.Name, Status: model.AgentStatusRegistered})
	})
	mux.HandleFunc("POST /api/sync/agents/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.rejectBeat > 0 {
			h.rejectBeat--
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown agent"})
			return
		}
		var req HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.heartbeats = append(h.heartbeats, req)
		json.NewEncoder(w).Encode(HeartbeatResponse{
			Status:         "ok",
			Agent:          &model.AgentRecord{ID: r.PathValue("id"), Status: model.AgentStatusActive},
			PendingUpdates: h.updates,
		})
	})
	mux.HandleFunc("POST /api/sync/agents/{id}/updates/{updateID}/ack", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		updateID := r.PathValue("updateID")
		h.acked = append(h.acked, updateID)
		kept := h.updates[:0]
		for _, u := range h.updates {
			if u.ID != updateID {
				kept = append(kept, u)
			}
		}
		h.updates = kept
		json.NewEncoder(w).Encode(map[string]bool{"acknowledged": true})
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func newTestRunner(t *testing.T, hub *fakeHub, collect collectorFunc) (*Runner, *State) {
	t.Helper()
	cfg := &Config{
		ServerURL:       hub.srv.URL,
		Name:            "den-mini",
		Environment:     "darwin",
		IntervalSeconds: 300,
		WindowDays:      30,
		StateFile:       filepath.Join(t.TempDir(), "state.json"),
	}
	st := &State{}
	r := NewRunner(cfg, NewClient(cfg.ServerURL), collect, st,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, st
}

func oneEvent() []model.NormalizedEvent {
	return []model.NormalizedEvent{{
		ID:              "ics_uid-1",
		Provider:        model.ProviderICS,
		ProviderEventID: "uid-1",
		CalendarID:      "local",
		Title:           "Dentist",
		StartTime:       time.Now().UTC().Add(2 * time.Hour),
	}}
}

func TestRunnerRegistersOnFirstPass(t *testing.T) {
	hub := newFakeHub(t)
	r, st := newTestRunner(t, hub, func(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
		return oneEvent(), nil
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(hub.registers) != 1 {
		t.Fatalf("registers = %d, want 1", len(hub.registers))
	}
	if hub.registers[0].ID != "" || hub.registers[0].Name != "den-mini" {
		t.Errorf("register request = %+v", hub.registers[0])
	}
	if st.AgentID != "agent-300" {
		t.Errorf("agent id = %q, want server-assigned agent-300", st.AgentID)
	}
	if len(hub.heartbeats) != 1 {
		t.Fatalf("heartbeats = %d, want 1", len(hub.heartbeats))
	}
	if st.LastHeartbeat == nil {
		t.Error("last heartbeat not recorded in state")
	}

	persisted, err := LoadState(r.cfg.StateFile)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if persisted.AgentID != "agent-300" {
		t.Errorf("persisted agent id = %q", persisted.AgentID)
	}
}

func TestRunnerDeliversSnapshotAndAcks(t *testing.T) {
	hub := newFakeHub(t)
	hub.updates = []model.PendingUpdate{{
		ID:      "upd-1",
		Type:    model.UpdateTypeSyncConfig,
		Payload: map[string]any{"interval_seconds": float64(600)},
	}}
	r, st := newTestRunner(t, hub, func(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
		return oneEvent(), nil
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	beat := hub.heartbeats[0]
	if beat.Events == nil || len(*beat.Events) != 1 {
		t.Fatalf("heartbeat events = %v, want snapshot of 1", beat.Events)
	}
	if len(hub.acked) != 1 || hub.acked[0] != "upd-1" {
		t.Errorf("acked = %v, want [upd-1]", hub.acked)
	}
	if got := st.SyncConfig["interval_seconds"]; got != float64(600) {
		t.Errorf("merged sync config = %v, want 600", got)
	}
	if len(hub.updates) != 0 {
		t.Errorf("server still holds %d updates after ack", len(hub.updates))
	}
}

func TestRunnerCollectFailureStillHeartbeats(t *testing.T) {
	hub := newFakeHub(t)
	r, _ := newTestRunner(t, hub, func(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
		return nil, errors.New("calendar export locked")
	})

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(hub.heartbeats) != 1 {
		t.Fatalf("heartbeats = %d, want 1", len(hub.heartbeats))
	}
	if hub.heartbeats[0].Events != nil {
		t.Error("failed collect should not send an events snapshot")
	}
	if hub.heartbeats[0].Status != string(model.AgentStatusActive) {
		t.Errorf("status = %q, want active", hub.heartbeats[0].Status)
	}
}

func TestRunnerReRegistersWhenServerForgets(t *testing.T) {
	hub := newFakeHub(t)
	hub.rejectBeat = 1
	r, st := newTestRunner(t, hub, func(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error) {
		return oneEvent(), nil
	})
	st.AgentID = "ghost-7"

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(hub.registers) != 1 {
		t.Fatalf("registers = %d, want 1 re-registration", len(hub.registers))
	}
	if hub.registers[0].ID != "ghost-7" {
		t.Errorf("re-register reused id %q, want ghost-7", hub.registers[0].ID)
	}
	if st.AgentID != "ghost-7" {
		t.Errorf("agent id after re-register = %q", st.AgentID)
	}
	if len(hub.heartbeats) != 1 {
		t.Errorf("successful heartbeats = %d, want 1", len(hub.heartbeats))
	}
}
