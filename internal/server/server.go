package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/veldra/calhub/internal/backup"
	"github.com/veldra/calhub/internal/coordinator"
	"github.com/veldra/calhub/internal/handler"
	"github.com/veldra/calhub/internal/ledger"
	"github.com/veldra/calhub/internal/middleware"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/store"
	"github.com/veldra/calhub/internal/syncer"
	ws "github.com/veldra/calhub/internal/websocket"
)

// Config carries the wiring main resolves from the environment.
type Config struct {
	APIKey       string
	SyncInterval time.Duration
	Syncer       syncer.Config
	Coordinator  coordinator.Config
	Backup       backup.Config
}

type Server struct {
	st            store.Store
	hub           *ws.Hub
	agentH        *handler.AgentHandler
	configH       *handler.ConfigHandler
	syncH         *handler.SyncHandler
	backupH       *handler.BackupHandler
	syncer        *syncer.Syncer
	scheduler     *syncer.Scheduler
	coordinator   *coordinator.Coordinator
	backupManager *backup.Manager
	rateLimiter   *middleware.RateLimiter
	apiKey        string
	logger        *slog.Logger
}

func New(cfg Config, st store.Store, db *sql.DB, registry *provider.Registry, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	led := ledger.New(db)

	sy := syncer.New(cfg.Syncer, st, registry, led, logger.With("component", "syncer"))
	sy.SetNotify(func(res *model.SyncResult) {
		hub.Broadcast(ws.NewMessage("sync", "completed", res.ID, map[string]any{
			"trigger":        res.Trigger,
			"succeeded":      res.Succeeded,
			"failed":         res.Failed,
			"events_written": res.EventsWritten,
		}))
	})

	sched := syncer.NewScheduler(sy, cfg.SyncInterval, logger.With("component", "scheduler"))

	coord := coordinator.New(cfg.Coordinator, st, logger.With("component", "coordinator"))
	coord.SetNotify(func(action string, agent *model.AgentRecord) {
		hub.Broadcast(ws.NewMessage("agent", action, agent.ID, map[string]any{
			"name":        agent.Name,
			"event_count": agent.EventCount,
		}))
	})

	backupMgr := backup.NewManager(cfg.Backup, db, func(s backup.Status) {
		hub.Broadcast(ws.Message{
			Type:   "backup_status",
			Entity: "backup",
			Action: string(s.State),
			Extra: map[string]any{
				"in_progress": s.InProgress,
				"error":       s.Error,
			},
		})
	}, logger.With("component", "backup"))

	return &Server{
		st:            st,
		hub:           hub,
		agentH:        handler.NewAgentHandler(coord, logger.With("component", "agent_handler")),
		configH:       handler.NewConfigHandler(st, registry, logger.With("component", "config_handler")),
		syncH:         handler.NewSyncHandler(sy, coord, st, led, logger.With("component", "sync_handler")),
		backupH:       handler.NewBackupHandler(backupMgr, logger.With("component", "backup_handler")),
		syncer:        sy,
		scheduler:     sched,
		coordinator:   coord,
		backupManager: backupMgr,
		rateLimiter:   middleware.NewRateLimiter(),
		apiKey:        cfg.APIKey,
		logger:        logger,
	}
}

// Syncer returns the sync orchestrator.
func (s *Server) Syncer() *syncer.Syncer {
	return s.syncer
}

// Scheduler returns the sync scheduler for lifecycle management.
func (s *Server) Scheduler() *syncer.Scheduler {
	return s.scheduler
}

// Coordinator returns the agent coordinator for lifecycle management.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Agent protocol routes. Agents authenticate by ID; the register
	// endpoint is rate limited to keep LAN scanners from filling the store.
	outerMux.HandleFunc("POST /api/sync/agents/register", s.rateLimitedHandler(s.agentH.Register))
	outerMux.HandleFunc("POST /api/sync/agents/{id}/heartbeat", s.agentH.Heartbeat)
	outerMux.HandleFunc("POST /api/sync/agents/{id}/import", s.agentH.Import)
	outerMux.HandleFunc("GET /api/sync/agents/{id}/updates", s.agentH.Updates)
	outerMux.HandleFunc("POST /api/sync/agents/{id}/updates/{update_id}/ack", s.agentH.Ack)

	outerMux.HandleFunc("GET /healthz", s.healthHandler)
	outerMux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub))

	// Admin routes, wrapped with the API key middleware.
	adminMux := http.NewServeMux()
	s.registerAdminRoutes(adminMux)

	keyMiddleware := middleware.RequireKey(s.apiKey)
	outerMux.Handle("/", keyMiddleware(adminMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.st.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "store": s.st.Name()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "store": s.st.Name()})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	// Configuration
	mux.HandleFunc("GET /api/sync/config", s.configH.Get)
	mux.HandleFunc("PUT /api/sync/config", s.configH.Update)
	mux.HandleFunc("PUT /api/sync/config/destination", s.configH.UpdateDestination)

	// Sources
	mux.HandleFunc("GET /api/sync/sources", s.configH.ListSources)
	mux.HandleFunc("POST /api/sync/sources", s.configH.CreateSource)
	mux.HandleFunc("PUT /api/sync/sources/{id}", s.configH.UpdateSource)
	mux.HandleFunc("DELETE /api/sync/sources/{id}", s.configH.DeleteSource)
	mux.HandleFunc("GET /api/sync/sources/{id}/calendars", s.configH.SourceCalendars)
	mux.HandleFunc("GET /api/sync/sources/{id}/results", s.syncH.SourceResults)

	// Agents (admin view; the agent protocol itself is on the outer mux)
	mux.HandleFunc("GET /api/sync/agents", s.agentH.List)
	mux.HandleFunc("GET /api/sync/agents/{id}", s.agentH.Get)
	mux.HandleFunc("DELETE /api/sync/agents/{id}", s.agentH.Delete)
	mux.HandleFunc("POST /api/sync/push", s.agentH.Push)

	// Sync runs
	mux.HandleFunc("POST /api/sync/run", s.syncH.Run)
	mux.HandleFunc("POST /api/sync/run/{id}", s.syncH.RunSource)
	mux.HandleFunc("GET /api/sync/results/latest", s.syncH.LatestResult)
	mux.HandleFunc("GET /api/sync/history", s.syncH.History)
	mux.HandleFunc("GET /api/sync/events", s.syncH.Events)
	mux.HandleFunc("GET /api/sync/stats", s.syncH.Stats)

	// Backup
	mux.HandleFunc("POST /api/backup/run", s.backupH.Run)
	mux.HandleFunc("GET /api/backup/status", s.backupH.Status)
	mux.HandleFunc("GET /api/backup/history", s.backupH.History)
	mux.HandleFunc("POST /api/backup/restore", s.backupH.Restore)
}
