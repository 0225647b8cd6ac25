package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Scheduler runs a full sync pass on a fixed interval.
type Scheduler struct {
	mu       sync.RWMutex
	syncer   *Syncer
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(s *Syncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		syncer:   s,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("sync scheduler started", "interval", s.interval)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.syncer.Run(ctx, model.TriggerScheduled, "")
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		s.logger.Warn("skipping scheduled sync, previous pass still running")
	case errors.Is(err, ErrNoConfiguration), errors.Is(err, ErrNoDestination):
		s.logger.Debug("skipping scheduled sync", "reason", err)
	default:
		s.logger.Error("scheduled sync failed", "error", err)
	}
}
