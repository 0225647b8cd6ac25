package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// Collector produces the agent's full event snapshot for a time window.
// Collectors are snapshot-based: every Collect reports everything currently
// visible, and the server treats it as a replacement.
type Collector interface {
	Name() string
	Collect(ctx context.Context, from, to time.Time) ([]model.NormalizedEvent, error)
}

// UpdateHandler is implemented by collectors that can act on pushed
// updates. Collectors without it get log-and-acknowledge behavior.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update model.PendingUpdate) error
}

func NewCollector(cfg CollectorConfig, logger *slog.Logger) (Collector, error) {
	switch cfg.Kind {
	case "ics":
		return NewICSCollector(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown collector kind %q", cfg.Kind)
	}
}
