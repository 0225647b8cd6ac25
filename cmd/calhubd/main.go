package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veldra/calhub/internal/backup"
	"github.com/veldra/calhub/internal/config"
	"github.com/veldra/calhub/internal/database"
	"github.com/veldra/calhub/internal/logging"
	"github.com/veldra/calhub/internal/model"
	"github.com/veldra/calhub/internal/provider"
	"github.com/veldra/calhub/internal/server"
	"github.com/veldra/calhub/internal/store"
	"github.com/veldra/calhub/internal/syncer"
)

func main() {
	godotenv.Load()

	cfg := config.Parse()
	logger := logging.Setup(cfg.LogLevel)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open ledger database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Root:          cfg.StateRoot,
	}, logger)
	if err != nil {
		slog.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// In-memory adapters back every kind until a deployment registers real
	// ones. Agent-fed sources bypass the registry entirely.
	registry := provider.NewRegistry()
	for _, kind := range []model.ProviderKind{
		model.ProviderGoogle, model.ProviderMicrosoft, model.ProviderApple,
		model.ProviderExchange, model.ProviderCalDAV, model.ProviderICS,
	} {
		if err := registry.Register(kind, provider.NewMemory(kind)); err != nil {
			slog.Error("failed to register provider", "kind", kind, "error", err)
			os.Exit(1)
		}
	}

	// The backup bundles the file store only when state actually lives there.
	stateRoot := ""
	if st.Name() == "file" {
		stateRoot = cfg.StateRoot
	}

	srv := server.New(server.Config{
		APIKey:       cfg.APIKey,
		SyncInterval: cfg.SyncInterval,
		Syncer: syncer.Config{
			Concurrency:  cfg.SyncConcurrency,
			FetchTimeout: cfg.FetchTimeout,
		},
		Backup: backup.Config{
			S3: backup.S3Config{
				Endpoint:  cfg.S3Endpoint,
				Bucket:    cfg.S3Bucket,
				Region:    cfg.S3Region,
				AccessKey: cfg.S3AccessKey,
				SecretKey: cfg.S3SecretKey,
				Prefix:    cfg.S3Prefix,
			},
			DBPath:        cfg.DBPath,
			StateRoot:     stateRoot,
			Passphrase:    cfg.BackupPassphrase,
			Interval:      cfg.BackupInterval,
			RetentionDays: cfg.BackupRetentionDays,
		},
	}, st, db, registry, logger)

	srv.Scheduler().Start(ctx)
	srv.Coordinator().Start(ctx)
	srv.BackupManager().Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("calhub starting", "addr", ":"+cfg.Port, "store", st.Name())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	srv.Scheduler().Stop()
	srv.Coordinator().Stop()
	srv.BackupManager().Stop()
}
