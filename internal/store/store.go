// Package store persists coordinator state. Two backends implement the same
// contract: a Redis-backed store for normal operation and a local file store
// the coordinator degrades to when Redis is unconfigured or unreachable.
// Atomicity is per key only; callers never get cross-key transactions.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// ErrUnavailable reports that the backing store cannot be reached. At
// startup this triggers the file fallback; mid-run it surfaces to callers.
var ErrUnavailable = errors.New("state store unavailable")

// Retention bounds shared by both backends.
const (
	HistoryLimit       = 100
	SourceHistoryLimit = 50
	EventsTTL          = 24 * time.Hour
	UpdatesTTL         = 7 * 24 * time.Hour
	ProcessedTTL       = 30 * 24 * time.Hour
)

// Store is the durable state contract. Loads of absent documents return
// (nil, nil); list loads return empty slices.
type Store interface {
	Name() string
	Ping(ctx context.Context) error
	Close() error

	SaveConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	LoadConfiguration(ctx context.Context) (*model.SyncConfiguration, error)

	SaveAgent(ctx context.Context, agent *model.AgentRecord) error
	GetAgent(ctx context.Context, agentID string) (*model.AgentRecord, error)
	ListAgents(ctx context.Context) ([]model.AgentRecord, error)
	DeleteAgent(ctx context.Context, agentID string) error

	SaveAgentEvents(ctx context.Context, agentID string, events []model.NormalizedEvent) error
	LoadAgentEvents(ctx context.Context, agentID string) ([]model.NormalizedEvent, error)

	SaveResult(ctx context.Context, res *model.SyncResult) error
	LatestResult(ctx context.Context) (*model.SyncResult, error)
	History(ctx context.Context, limit int) ([]model.SyncResult, error)

	SaveSourceResult(ctx context.Context, sourceID string, res *model.SyncResult) error
	LatestSourceResult(ctx context.Context, sourceID string) (*model.SyncResult, error)
	SourceHistory(ctx context.Context, sourceID string, limit int) ([]model.SyncResult, error)

	EnqueueUpdate(ctx context.Context, update *model.PendingUpdate) error
	PendingUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error)
	AckUpdate(ctx context.Context, agentID, updateID string) (bool, error)
	ProcessedUpdates(ctx context.Context, agentID string) ([]model.PendingUpdate, error)
}

// Options selects and configures a backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Root          string
}

// Open picks the backend: Redis when an address is configured and reachable,
// otherwise the file store rooted at Options.Root. A Redis that is down at
// startup is a degrade, not a crash.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if opts.RedisAddr != "" {
		rs, err := OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err == nil {
			logger.Info("state store ready", "backend", "redis", "addr", opts.RedisAddr)
			return rs, nil
		}
		logger.Warn("redis unavailable, falling back to file store",
			"addr", opts.RedisAddr, "root", opts.Root, "error", err)
	}
	fs, err := OpenFile(opts.Root)
	if err != nil {
		return nil, err
	}
	logger.Info("state store ready", "backend", "file", "root", opts.Root)
	return fs, nil
}
