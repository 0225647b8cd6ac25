package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/store"
)

// ConfigHandler manages the sync configuration document: the destination,
// the source list, and per-source settings.
type ConfigHandler struct {
	store    store.Store
	registry *provider.Registry
	logger   *slog.Logger
}

func NewConfigHandler(st store.Store, registry *provider.Registry, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{store: st, registry: registry, logger: logger}
}

func (h *ConfigHandler) loadOrInit(r *http.Request) (*model.SyncConfiguration, error) {
	cfg, err := h.store.LoadConfiguration(r.Context())
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &model.SyncConfiguration{}
	}
	if cfg.Sources == nil {
		cfg.Sources = []model.Source{}
	}
	return cfg, nil
}

func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Update replaces the whole configuration document. Sync cursors are not
// part of the admin surface: sources keep their stored cursors and last
// sync times across a config write so a reconfigure never forces a
// wholesale refetch.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var incoming model.SyncConfiguration
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	existing, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}

	for i := range incoming.Sources {
		src := &incoming.Sources[i]
		if src.ID == "" {
			src.ID = uuid.NewString()
		}
		if err := validateSource(src); err != nil {
			respondError(w, h.logger, err, "invalid source")
			return
		}
		carryOverSyncState(src, existing.SourceByID(src.ID))
	}
	if incoming.Destination != nil {
		if err := validateDestination(incoming.Destination); err != nil {
			respondError(w, h.logger, err, "invalid destination")
			return
		}
	}
	if incoming.Sources == nil {
		incoming.Sources = []model.Source{}
	}
	// Agent registration owns the agent list.
	incoming.Agents = existing.Agents
	incoming.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveConfiguration(r.Context(), &incoming); err != nil {
		respondError(w, h.logger, err, "failed to save configuration")
		return
	}
	h.logger.Info("configuration updated", "sources", len(incoming.Sources))
	writeJSON(w, http.StatusOK, &incoming)
}

func (h *ConfigHandler) UpdateDestination(w http.ResponseWriter, r *http.Request) {
	var dest model.Destination
	if err := json.NewDecoder(r.Body).Decode(&dest); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := validateDestination(&dest); err != nil {
		respondError(w, h.logger, err, "invalid destination")
		return
	}

	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	cfg.Destination = &dest
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveConfiguration(r.Context(), cfg); err != nil {
		respondError(w, h.logger, err, "failed to save configuration")
		return
	}
	h.logger.Info("destination updated",
		"provider", dest.Provider, "calendar", dest.CalendarID)
	writeJSON(w, http.StatusOK, &dest)
}

func (h *ConfigHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg.Sources)
}

type sourceRequest struct {
	Name        string             `json:"name"`
	Provider    model.ProviderKind `json:"provider"`
	CalendarIDs []string           `json:"calendar_ids"`
	Credentials map[string]any     `json:"credentials"`
	Enabled     *bool              `json:"enabled"`
	AgentID     string             `json:"agent_id"`
	WindowDays  int                `json:"window_days"`
}

func (h *ConfigHandler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	src := model.Source{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Provider:    req.Provider,
		CalendarIDs: req.CalendarIDs,
		Credentials: req.Credentials,
		Enabled:     true,
		AgentID:     req.AgentID,
		WindowDays:  req.WindowDays,
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if err := validateSource(&src); err != nil {
		respondError(w, h.logger, err, "invalid source")
		return
	}

	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	cfg.Sources = append(cfg.Sources, src)
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveConfiguration(r.Context(), cfg); err != nil {
		respondError(w, h.logger, err, "failed to save configuration")
		return
	}
	h.logger.Info("source created",
		"source", src.ID, "name", src.Name, "provider", src.Provider)
	writeJSON(w, http.StatusCreated, &src)
}

func (h *ConfigHandler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	src := cfg.SourceByID(r.PathValue("id"))
	if src == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not found"})
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	src.Name = strings.TrimSpace(req.Name)
	src.Provider = req.Provider
	src.CalendarIDs = req.CalendarIDs
	src.AgentID = req.AgentID
	src.WindowDays = req.WindowDays
	if req.Credentials != nil {
		src.Credentials = req.Credentials
	}
	if req.Enabled != nil {
		src.Enabled = *req.Enabled
	}
	if err := validateSource(src); err != nil {
		respondError(w, h.logger, err, "invalid source")
		return
	}
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveConfiguration(r.Context(), cfg); err != nil {
		respondError(w, h.logger, err, "failed to save configuration")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *ConfigHandler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}

	id := r.PathValue("id")
	kept := cfg.Sources[:0]
	for _, src := range cfg.Sources {
		if src.ID != id {
			kept = append(kept, src)
		}
	}
	if len(kept) == len(cfg.Sources) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not found"})
		return
	}
	cfg.Sources = kept
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.store.SaveConfiguration(r.Context(), cfg); err != nil {
		respondError(w, h.logger, err, "failed to save configuration")
		return
	}
	h.logger.Info("source deleted", "source", id)
	w.WriteHeader(http.StatusNoContent)
}

// SourceCalendars asks the source's provider for its calendar list, so an
// admin can pick calendar IDs without leaving the API.
func (h *ConfigHandler) SourceCalendars(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loadOrInit(r)
	if err != nil {
		respondError(w, h.logger, err, "failed to load configuration")
		return
	}
	src := cfg.SourceByID(r.PathValue("id"))
	if src == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "source not found"})
		return
	}
	if src.AgentID != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent-fed sources have no upstream calendars"})
		return
	}

	adapter, err := h.registry.Get(src.Provider)
	if err != nil {
		respondError(w, h.logger, err, "failed to resolve provider")
		return
	}
	calendars, err := adapter.ListCalendars(r.Context(), provider.Credentials(src.Credentials))
	if err != nil {
		h.logger.Warn("list upstream calendars",
			"source", src.ID, "provider", src.Provider, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "provider listing failed: " + err.Error()})
		return
	}
	if calendars == nil {
		calendars = []provider.CalendarInfo{}
	}
	writeJSON(w, http.StatusOK, calendars)
}

func validateSource(src *model.Source) error {
	if src.Name == "" {
		return &model.ValidationError{Field: "name", Reason: "required"}
	}
	if !src.Provider.Valid() {
		return &model.ValidationError{Field: "provider", Reason: "unknown provider kind"}
	}
	if src.AgentID == "" && len(src.CalendarIDs) == 0 {
		return &model.ValidationError{Field: "calendar_ids", Reason: "required unless agent_id is set"}
	}
	if src.WindowDays < 0 {
		return &model.ValidationError{Field: "window_days", Reason: "must not be negative"}
	}
	return nil
}

func validateDestination(dest *model.Destination) error {
	if !dest.Provider.Valid() {
		return &model.ValidationError{Field: "provider", Reason: "unknown provider kind"}
	}
	if dest.CalendarID == "" {
		return &model.ValidationError{Field: "calendar_id", Reason: "required"}
	}
	return nil
}

// carryOverSyncState keeps cursors and sync times across admin writes when
// the client did not send replacements.
func carryOverSyncState(src, prev *model.Source) {
	if prev == nil {
		return
	}
	if src.SyncTokens == nil {
		src.SyncTokens = prev.SyncTokens
	}
	if src.LastSyncAt == nil {
		src.LastSyncAt = prev.LastSyncAt
	}
}
