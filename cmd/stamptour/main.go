package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/stamptour/internal/archive"
	"github.com/dukerupert/stamptour/internal/config"
	"github.com/dukerupert/stamptour/internal/database"
	"github.com/dukerupert/stamptour/internal/gateway"
	"github.com/dukerupert/stamptour/internal/logging"
	"github.com/dukerupert/stamptour/internal/server"
	"github.com/dukerupert/stamptour/internal/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ledger, closer, err := openLedger(cfg, logger)
	if err != nil {
		logger.Error("failed to open ledger", "ledger", cfg.Ledger, "error", err)
		os.Exit(1)
	}
	defer closer.Close()

	adminHash, err := gateway.HashAdminKey(cfg.AdminKey, bcrypt.DefaultCost)
	if err != nil {
		logger.Error("failed to hash admin key", "error", err)
		os.Exit(1)
	}
	if adminHash == nil {
		logger.Warn("STAMPTOUR_ADMIN_KEY not set, ledger reset is disabled")
	}

	srv, err := server.New(server.Config{
		Gateway: gateway.Config{
			Table:          cfg.Table,
			RequiredFields: cfg.RequiredFields,
			MaxStamps:      cfg.Booths,
			AdminKeyHash:   adminHash,
		},
		Archiver:       newArchiver(cfg, logger),
		AllowedOrigins: cfg.AllowedOrigins,
		RegisterLimit:  cfg.RegisterLimit,
		TrustedProxies: cfg.TrustedProxies,
	}, ledger, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if err := srv.RefreshQuota(bgCtx); err != nil {
		logger.Warn("initial quota read failed", "error", err)
	}
	go srv.RateLimiter().Run(bgCtx, 5*time.Minute)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("stamptour listening", "port", cfg.Port, "ledger", cfg.Ledger, "tiers", cfg.Table.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func openLedger(cfg config.Config, logger *slog.Logger) (gateway.Ledger, io.Closer, error) {
	switch cfg.Ledger {
	case config.LedgerRedis:
		rs, err := store.NewRedisSubmissionStore(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("redis ledger: writes from separate instances are not serialized against each other",
			"addr", cfg.Redis.Addr)
		return rs, rs, nil
	default:
		db, err := database.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return store.NewSubmissionStore(db), db, nil
	}
}

func newArchiver(cfg config.Config, logger *slog.Logger) gateway.Archiver {
	switch {
	case cfg.S3.Enabled():
		logger.Info("archiving to s3 before reset", "bucket", cfg.S3.Bucket, "sealed", cfg.ArchivePassphrase != "")
		return archive.NewS3Archiver(cfg.S3, cfg.ArchivePassphrase)
	case cfg.ArchiveDir != "":
		logger.Info("archiving to directory before reset", "dir", cfg.ArchiveDir, "sealed", cfg.ArchivePassphrase != "")
		return archive.NewDirArchiver(cfg.ArchiveDir, cfg.ArchivePassphrase)
	}
	return nil
}
