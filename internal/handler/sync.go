package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/veldra/calhub/internal/coordinator"
	"github.com/veldra/calhub/internal/ledger"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/store"
	"github.com/veldra/calhub/internal/syncer"
)

// SyncHandler exposes sync passes and their results. Runs are synchronous:
// the response is the completed pass, and a second run while one is in
// flight gets a conflict.
type SyncHandler struct {
	syncer      *syncer.Syncer
	coordinator *coordinator.Coordinator
	store       store.Store
	ledger      *ledger.Store
	logger      *slog.Logger
}

func NewSyncHandler(sy *syncer.Syncer, c *coordinator.Coordinator, st store.Store, led *ledger.Store, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{syncer: sy, coordinator: c, store: st, ledger: led, logger: logger}
}

func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	result, err := h.syncer.Run(r.Context(), model.TriggerManual, "")
	if err != nil {
		respondError(w, h.logger, err, "sync pass failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) RunSource(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")

	result, err := h.syncer.Run(r.Context(), model.TriggerSource, sourceID)
	if err != nil {
		respondError(w, h.logger, err, "sync pass failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) LatestResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.LatestResult(r.Context())
	if err != nil {
		respondError(w, h.logger, err, "failed to load latest result")
		return
	}
	if result == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sync has completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := store.HistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	history, err := h.store.History(r.Context(), limit)
	if err != nil {
		respondError(w, h.logger, err, "failed to load history")
		return
	}
	if history == nil {
		history = []model.SyncResult{}
	}
	writeJSON(w, http.StatusOK, history)
}

// SourceResults returns the per-source view: the latest source-triggered
// pass plus its recent history.
func (h *SyncHandler) SourceResults(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")

	latest, err := h.store.LatestSourceResult(r.Context(), sourceID)
	if err != nil {
		respondError(w, h.logger, err, "failed to load source result")
		return
	}
	history, err := h.store.SourceHistory(r.Context(), sourceID, store.SourceHistoryLimit)
	if err != nil {
		respondError(w, h.logger, err, "failed to load source history")
		return
	}
	if latest == nil && len(history) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no results for that source"})
		return
	}
	if history == nil {
		history = []model.SyncResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"latest": latest, "history": history})
}

func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = r.URL.Query().Get("agentId")
	}

	events, err := h.coordinator.Events(r.Context(), agentID)
	if err != nil {
		respondError(w, h.logger, err, "failed to load events")
		return
	}
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.coordinator.Stats(r.Context())
	if err != nil {
		respondError(w, h.logger, err, "failed to aggregate stats")
		return
	}
	resp := map[string]any{
		"agents":       stats,
		"sync_running": h.syncer.Running(),
		"store":        h.store.Name(),
	}
	if dest := h.destinationStats(r); dest != nil {
		resp["destination"] = dest
	}
	writeJSON(w, http.StatusOK, resp)
}

// destinationStats summarizes the ledger for the configured destination.
// Stats never fail wholesale over it; trouble here just drops the block.
func (h *SyncHandler) destinationStats(r *http.Request) map[string]any {
	cfg, err := h.store.LoadConfiguration(r.Context())
	if err != nil || cfg == nil || cfg.Destination == nil {
		return nil
	}
	total, err := h.ledger.CountByCalendar(cfg.Destination.CalendarID)
	if err != nil {
		h.logger.Warn("count ledger entries", "error", err)
		return nil
	}
	byKind, err := h.ledger.CountByProvider(cfg.Destination.CalendarID)
	if err != nil {
		h.logger.Warn("count ledger entries by provider", "error", err)
		return nil
	}
	return map[string]any{
		"calendar_id":    cfg.Destination.CalendarID,
		"events_total":   total,
		"events_by_kind": byKind,
	}
}
