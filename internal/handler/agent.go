package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veldra/calhub/internal/coordinator"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/store"
	"github.com/veldra/calhub/internal/syncer"
)

// AgentHandler serves the agent protocol plus the admin views over the
// fleet. Agents poll these endpoints; nothing here calls an agent back.
type AgentHandler struct {
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
}

func NewAgentHandler(c *coordinator.Coordinator, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{coordinator: c, logger: logger}
}

func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)

	agent, err := h.coordinator.Register(r.Context(), req)
	if err != nil {
		respondError(w, h.logger, err, "failed to register agent")
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req coordinator.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	resp, err := h.coordinator.Heartbeat(r.Context(), agentID, req)
	if err != nil {
		respondError(w, h.logger, err, "failed to process heartbeat")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AgentHandler) Import(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req struct {
		Events []model.NormalizedEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	imported, skipped, err := h.coordinator.Import(r.Context(), agentID, req.Events)
	if err != nil {
		respondError(w, h.logger, err, "failed to import events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

func (h *AgentHandler) Updates(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	updates, err := h.coordinator.PendingForAgent(r.Context(), agentID)
	if err != nil {
		respondError(w, h.logger, err, "failed to load pending updates")
		return
	}
	if updates == nil {
		updates = []model.PendingUpdate{}
	}
	writeJSON(w, http.StatusOK, updates)
}

func (h *AgentHandler) Ack(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	updateID := r.PathValue("update_id")

	acked, err := h.coordinator.Ack(r.Context(), agentID, updateID)
	if err != nil {
		respondError(w, h.logger, err, "failed to acknowledge update")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "acknowledged": acked})
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.coordinator.ListAgents(r.Context())
	if err != nil {
		respondError(w, h.logger, err, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []model.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.coordinator.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, h.logger, err, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	if err := h.coordinator.DeleteAgent(r.Context(), r.PathValue("id"), force); err != nil {
		respondError(w, h.logger, err, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AgentHandler) Push(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	queued, err := h.coordinator.Push(r.Context(), req)
	if err != nil && len(queued) == 0 {
		respondError(w, h.logger, err, "failed to push update")
		return
	}
	resp := map[string]any{"queued": len(queued), "updates": queued}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors onto HTTP statuses. Anything unmapped is
// logged and reported as a 500 with the caller's message, never the raw
// error.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error, msg string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.Is(err, coordinator.ErrUnknownAgent):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
	case errors.Is(err, coordinator.ErrAgentActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "agent was active recently, retry with force=true"})
	case errors.Is(err, syncer.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a sync pass is already running"})
	case errors.Is(err, syncer.ErrUnknownSource):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not found or disabled"})
	case errors.Is(err, syncer.ErrNoConfiguration), errors.Is(err, syncer.ErrNoDestination):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "state store unavailable"})
	default:
		logger.Error(msg, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
	}
}
