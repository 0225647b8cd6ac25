package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Runner drives the agent loop: collect a snapshot, heartbeat it to the
// server, apply whatever updates came back, acknowledge them. One loop per
// process; each pass is single-flight by construction.
type Runner struct {
	cfg       *Config
	client    *Client
	collector Collector
	state     *State
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(cfg *Config, client *Client, collector Collector, state *State, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		client:    client,
		collector: collector,
		state:     state,
		logger:    logger,
	}
}

// Register ensures the agent has a server-side identity, reusing the stored
// ID so a restarted agent keeps its record.
func (r *Runner) Register(ctx context.Context) error {
	agent, err := r.client.Register(ctx, RegisterRequest{
		ID:           r.state.AgentID,
		Name:         r.cfg.Name,
		Environment:  r.cfg.Environment,
		Capabilities: r.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	r.state.AgentID = agent.ID
	if err := r.state.Save(r.cfg.StateFile); err != nil {
		return fmt.Errorf("persist agent id: %w", err)
	}
	r.logger.Info("registered with server", "agent_id", agent.ID, "status", agent.Status)
	return nil
}

// RunOnce performs one full pass. A collector failure degrades to a
// heartbeat without a snapshot so the server still sees the agent alive.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r.state.AgentID == "" {
		if err := r.Register(ctx); err != nil {
			return fmt.Errorf("initial registration: %w", err)
		}
	}

	now := time.Now().UTC()
	req := HeartbeatRequest{Timestamp: now, Status: string(model.AgentStatusActive)}

	events, err := r.collector.Collect(ctx, now.Add(-24*time.Hour), now.AddDate(0, 0, r.cfg.WindowDays))
	if err != nil {
		r.logger.Warn("collect failed, heartbeating without snapshot",
			"collector", r.collector.Name(), "error", err)
	} else {
		req.Events = &events
	}

	resp, err := r.client.Heartbeat(ctx, r.state.AgentID, req)
	if errors.Is(err, ErrNotRegistered) {
		// The server lost us. Re-register under the same ID and retry.
		if err := r.Register(ctx); err != nil {
			return fmt.Errorf("re-registration: %w", err)
		}
		resp, err = r.client.Heartbeat(ctx, r.state.AgentID, req)
	}
	if err != nil {
		return err
	}

	for _, warning := range resp.Warnings {
		r.logger.Warn("server warning", "warning", warning)
	}
	if req.Events != nil {
		r.logger.Info("snapshot delivered", "events", len(events), "pending_updates", len(resp.PendingUpdates))
	}

	for _, update := range resp.PendingUpdates {
		if err := r.applyUpdate(ctx, update); err != nil {
			// Leave it unacknowledged; the server redelivers next beat.
			r.logger.Error("apply update", "update", update.ID, "type", update.Type, "error", err)
			continue
		}
		if err := r.client.Ack(ctx, r.state.AgentID, update.ID); err != nil {
			r.logger.Warn("acknowledge update", "update", update.ID, "error", err)
		}
	}

	r.state.LastHeartbeat = &now
	if err := r.state.Save(r.cfg.StateFile); err != nil {
		r.logger.Warn("persist state", "error", err)
	}
	return nil
}

// applyUpdate dispatches one pending update. Applying the same update twice
// must be safe; the server only stops redelivery on acknowledgment.
func (r *Runner) applyUpdate(ctx context.Context, update model.PendingUpdate) error {
	switch update.Type {
	case model.UpdateTypeSyncConfig:
		r.state.MergeSyncConfig(update.Payload)
		return r.state.Save(r.cfg.StateFile)
	default:
		if h, ok := r.collector.(UpdateHandler); ok {
			return h.HandleUpdate(ctx, update)
		}
		r.logger.Info("acknowledging unsupported update type",
			"type", update.Type, "update", update.ID)
		return nil
	}
}

// Start begins the heartbeat loop. The first pass runs immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval())
		defer ticker.Stop()

		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("agent pass failed", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.logger.Error("agent pass failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("agent loop started", "interval", r.cfg.Interval(), "collector", r.collector.Name())
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}
