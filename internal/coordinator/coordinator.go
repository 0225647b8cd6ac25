// Package coordinator tracks remote agents and their update queues. Agents
// live behind NAT or on isolated desktops, so every exchange is initiated by
// the agent: register, then heartbeat on an interval. The server side only
// queues work for the next heartbeat to pick up.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/store"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentActive guards deletes: an agent that heartbeated recently is
	// probably still alive, so removing it needs force.
	ErrAgentActive = errors.New("agent recently active")
)

type Config struct {
	// InactiveAfter is how long an agent can stay silent before the cleanup
	// pass marks it inactive.
	InactiveAfter time.Duration
	// RecentWindow is the activity window that blocks unforced deletes.
	RecentWindow time.Duration
	// CleanupInterval paces the background cleanup loop.
	CleanupInterval time.Duration
}

type Coordinator struct {
	cfg    Config
	store  store.Store
	logger *slog.Logger
	notify func(action string, agent *model.AgentRecord)

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, st store.Store, logger *slog.Logger) *Coordinator {
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 30 * 24 * time.Hour
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	return &Coordinator{cfg: cfg, store: st, logger: logger}
}

// SetNotify installs a hook invoked on agent lifecycle changes. action is
// one of "registered", "heartbeat", "deleted".
func (c *Coordinator) SetNotify(fn func(action string, agent *model.AgentRecord)) {
	c.notify = fn
}

func (c *Coordinator) emit(action string, agent *model.AgentRecord) {
	if c.notify != nil {
		c.notify(action, agent)
	}
}

type RegisterRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Environment  string   `json:"environment"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Register creates or refreshes an agent record. Re-registering an existing
// agent keeps its registration time and resets its status; the next
// heartbeat promotes it back to active.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (*model.AgentRecord, error) {
	if req.Name == "" {
		return nil, &model.ValidationError{Field: "name", Reason: "required"}
	}
	now := time.Now().UTC()

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	agent, err := c.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		agent = &model.AgentRecord{ID: id, RegisteredAt: now}
	}
	agent.Name = req.Name
	agent.Environment = req.Environment
	agent.Capabilities = req.Capabilities
	agent.Status = model.AgentStatusRegistered
	agent.LastSeenAt = now

	if err := c.store.SaveAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	c.rememberAgent(ctx, id)

	c.logger.Info("agent registered",
		"agent", agent.ID, "name", agent.Name, "environment", agent.Environment)
	c.emit("registered", agent)
	return agent, nil
}

// rememberAgent mirrors the agent ID into the configuration document. The
// per-agent record stays authoritative; the mirror only feeds the config
// view and is best effort.
func (c *Coordinator) rememberAgent(ctx context.Context, id string) {
	cfg, err := c.store.LoadConfiguration(ctx)
	if err != nil {
		return
	}
	if cfg == nil {
		cfg = &model.SyncConfiguration{}
	}
	for _, known := range cfg.Agents {
		if known == id {
			return
		}
	}
	cfg.Agents = append(cfg.Agents, id)
	cfg.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
		c.logger.Warn("mirror agent into configuration", "agent", id, "error", err)
	}
}

func (c *Coordinator) forgetAgent(ctx context.Context, id string) {
	cfg, err := c.store.LoadConfiguration(ctx)
	if err != nil || cfg == nil {
		return
	}
	kept := cfg.Agents[:0]
	for _, known := range cfg.Agents {
		if known != id {
			kept = append(kept, known)
		}
	}
	if len(kept) == len(cfg.Agents) {
		return
	}
	cfg.Agents = kept
	cfg.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveConfiguration(ctx, cfg); err != nil {
		c.logger.Warn("remove agent from configuration", "agent", id, "error", err)
	}
}

type HeartbeatRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
	// Events is the agent's full snapshot. nil leaves the stored snapshot
	// alone; an empty slice replaces it with nothing.
	Events *[]model.NormalizedEvent `json:"events,omitempty"`
}

type HeartbeatResponse struct {
	Status         string                `json:"status"`
	Agent          *model.AgentRecord    `json:"agent"`
	PendingUpdates []model.PendingUpdate `json:"pending_updates"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Heartbeat is the agent liveness path. Unknown agents are registered on
// the spot so a wiped server never strands a fleet. The exchange never
// fails wholesale because one side effect failed: snapshot trouble turns
// into a warning and the pending updates still go out.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	now := time.Now().UTC()

	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		agent = &model.AgentRecord{
			ID:           agentID,
			Name:         agentID,
			Status:       model.AgentStatusRegistered,
			RegisteredAt: now,
		}
		c.rememberAgent(ctx, agentID)
		c.logger.Info("agent auto-registered on heartbeat", "agent", agentID)
	}

	resp := &HeartbeatResponse{Status: "ok"}

	if req.Events != nil {
		if err := c.store.SaveAgentEvents(ctx, agentID, *req.Events); err != nil {
			c.logger.Error("save agent snapshot", "agent", agentID, "error", err)
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("snapshot not saved: %v", err))
		} else {
			agent.EventCount = len(*req.Events)
		}
	}

	agent.Status = model.AgentStatusActive
	agent.LastSeenAt = now
	if err := c.store.SaveAgent(ctx, agent); err != nil {
		c.logger.Error("save agent record", "agent", agentID, "error", err)
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("record not saved: %v", err))
	}

	pending, err := c.store.PendingUpdates(ctx, agentID)
	if err != nil {
		c.logger.Error("load pending updates", "agent", agentID, "error", err)
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("pending updates unavailable: %v", err))
		pending = []model.PendingUpdate{}
	}
	resp.Agent = agent
	resp.PendingUpdates = pending

	c.logger.Debug("heartbeat",
		"agent", agentID, "events", agent.EventCount, "pending", len(pending))
	c.emit("heartbeat", agent)
	return resp, nil
}

// Import validates and stores an event batch as the agent's snapshot.
// Events missing their provider identity or title are skipped and counted,
// never fatal.
func (c *Coordinator) Import(ctx context.Context, agentID string, events []model.NormalizedEvent) (imported, skipped int, err error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, 0, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return 0, 0, ErrUnknownAgent
	}

	now := time.Now().UTC()
	accepted := make([]model.NormalizedEvent, 0, len(events))
	for _, e := range events {
		if e.ProviderEventID == "" || e.Title == "" || !e.Provider.Valid() {
			skipped++
			continue
		}
		normalized := provider.Normalize(e, now)
		if err := normalized.Validate(); err != nil {
			skipped++
			continue
		}
		accepted = append(accepted, normalized)
	}

	if err := c.store.SaveAgentEvents(ctx, agentID, accepted); err != nil {
		return 0, 0, fmt.Errorf("save agent snapshot: %w", err)
	}

	agent.EventCount = len(accepted)
	agent.LastSeenAt = now
	if agent.Status != model.AgentStatusActive {
		agent.Status = model.AgentStatusActive
	}
	if err := c.store.SaveAgent(ctx, agent); err != nil {
		return 0, 0, fmt.Errorf("save agent record: %w", err)
	}

	c.logger.Info("agent events imported",
		"agent", agentID, "imported", len(accepted), "skipped", skipped)
	return len(accepted), skipped, nil
}

func (c *Coordinator) PendingForAgent(ctx context.Context, agentID string) ([]model.PendingUpdate, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}
	return c.store.PendingUpdates(ctx, agentID)
}

// Ack marks one update processed. Acking an update twice, or one that
// already expired, is a no-op.
func (c *Coordinator) Ack(ctx context.Context, agentID, updateID string) (bool, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return false, ErrUnknownAgent
	}
	acked, err := c.store.AckUpdate(ctx, agentID, updateID)
	if err != nil {
		return false, fmt.Errorf("ack update: %w", err)
	}
	if acked {
		c.logger.Debug("update acknowledged", "agent", agentID, "update", updateID)
	}
	return acked, nil
}

type PushRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	TargetAgents []string       `json:"target_agents,omitempty"`
}

// Push queues an update for delivery. With explicit targets the update is
// queued even for agents not seen yet; a broadcast goes to every known
// agent.
func (c *Coordinator) Push(ctx context.Context, req PushRequest) ([]model.PendingUpdate, error) {
	if !model.ValidUpdateType(req.Type) {
		return nil, &model.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown update type %q", req.Type)}
	}

	targets := req.TargetAgents
	if len(targets) == 0 {
		agents, err := c.store.ListAgents(ctx)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		for _, agent := range agents {
			targets = append(targets, agent.ID)
		}
	}

	now := time.Now().UTC()
	var queued []model.PendingUpdate
	var errs error
	for _, agentID := range targets {
		update := model.PendingUpdate{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Type:      req.Type,
			Payload:   req.Payload,
			CreatedAt: now,
		}
		if err := c.store.EnqueueUpdate(ctx, &update); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("queue for %s: %w", agentID, err))
			continue
		}
		queued = append(queued, update)
	}
	if errs != nil && len(queued) == 0 {
		return nil, errs
	}
	if errs != nil {
		c.logger.Warn("push partially queued", "queued", len(queued), "error", errs)
	} else {
		c.logger.Info("update pushed", "type", req.Type, "agents", len(queued))
	}
	return queued, errs
}

func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (*model.AgentRecord, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrUnknownAgent
	}
	return agent, nil
}

func (c *Coordinator) ListAgents(ctx context.Context) ([]model.AgentRecord, error) {
	return c.store.ListAgents(ctx)
}

// DeleteAgent removes an agent and everything queued for it. Unforced
// deletes refuse agents that heartbeated within the recent window.
func (c *Coordinator) DeleteAgent(ctx context.Context, agentID string, force bool) error {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return ErrUnknownAgent
	}
	if !force && agent.Status == model.AgentStatusActive &&
		time.Since(agent.LastSeenAt) < c.cfg.RecentWindow {
		return ErrAgentActive
	}
	if err := c.store.DeleteAgent(ctx, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	c.forgetAgent(ctx, agentID)
	c.logger.Info("agent deleted", "agent", agentID, "forced", force)
	c.emit("deleted", agent)
	return nil
}

// Events returns stored snapshot events, for one agent or merged across the
// fleet, ordered by start time.
func (c *Coordinator) Events(ctx context.Context, agentID string) ([]model.NormalizedEvent, error) {
	var agentIDs []string
	if agentID != "" {
		if _, err := c.GetAgent(ctx, agentID); err != nil {
			return nil, err
		}
		agentIDs = []string{agentID}
	} else {
		agents, err := c.store.ListAgents(ctx)
		if err != nil {
			return nil, err
		}
		for _, agent := range agents {
			agentIDs = append(agentIDs, agent.ID)
		}
	}

	merged := make(map[string]model.NormalizedEvent)
	for _, id := range agentIDs {
		events, err := c.store.LoadAgentEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if prev, ok := merged[e.ID]; ok && prev.LastSynced.After(e.LastSynced) {
				continue
			}
			merged[e.ID] = e
		}
	}

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
	return events, nil
}

// Stats aggregates fleet totals for the dashboard.
func (c *Coordinator) Stats(ctx context.Context) (*model.AgentStats, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	stats := &model.AgentStats{
		EventsByAgent: make(map[string]int),
		EventsByKind:  make(map[model.ProviderKind]int),
	}
	stats.Agents = len(agents)
	for _, agent := range agents {
		if agent.Status == model.AgentStatusActive {
			stats.ActiveAgents++
		}
		events, err := c.store.LoadAgentEvents(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		stats.EventsByAgent[agent.ID] = len(events)
		stats.TotalEvents += len(events)
		for _, e := range events {
			stats.EventsByKind[e.Provider]++
		}
		pending, err := c.store.PendingUpdates(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		stats.PendingUpdates += len(pending)
	}
	return stats, nil
}

// CleanupStale downgrades agents that have been silent past the inactivity
// threshold. It returns how many records changed.
func (c *Coordinator) CleanupStale(ctx context.Context) (int, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	now := time.Now().UTC()
	changed := 0
	for i := range agents {
		agent := agents[i]
		if agent.Status == model.AgentStatusInactive {
			continue
		}
		if now.Sub(agent.LastSeenAt) < c.cfg.InactiveAfter {
			continue
		}
		agent.Status = model.AgentStatusInactive
		if err := c.store.SaveAgent(ctx, &agent); err != nil {
			c.logger.Error("mark agent inactive", "agent", agent.ID, "error", err)
			continue
		}
		c.logger.Info("agent marked inactive",
			"agent", agent.ID, "last_seen", agent.LastSeenAt)
		changed++
	}
	return changed, nil
}

// Start launches the background cleanup loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.CleanupStale(ctx); err != nil {
					c.logger.Error("agent cleanup", "error", err)
				}
			}
		}
	}()
}

// Stop waits for the cleanup loop to exit.
func (c *Coordinator) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	done := c.done
	c.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
