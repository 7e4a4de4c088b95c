package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/inletworks/inlet/internal/adapters/fswatch"
	"github.com/inletworks/inlet/internal/adapters/ipc"
	"github.com/inletworks/inlet/internal/adapters/stream"
	"github.com/inletworks/inlet/internal/adapters/webhook"
	"github.com/inletworks/inlet/internal/config"
	"github.com/inletworks/inlet/internal/credentials"
	"github.com/inletworks/inlet/internal/logging"
	"github.com/inletworks/inlet/internal/messaging"
	"github.com/inletworks/inlet/internal/models"
	"github.com/inletworks/inlet/internal/pipeline"
	"github.com/inletworks/inlet/internal/ratelimit"
	"github.com/inletworks/inlet/internal/server"
	"github.com/inletworks/inlet/internal/storage"
	"github.com/inletworks/inlet/internal/threat"
	"github.com/inletworks/inlet/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runServe(cfg)
	},
}

func runServe(cfg *config.Config) error {
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("inlet"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage backend
	var repo storage.Repository
	switch cfg.Database.Type {
	case "postgres":
		connString := cfg.Database.Postgres.ConnString()
		if err := runMigrations(connString); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		pg, err := storage.NewPostgresRepository(ctx, connString)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		repo = pg
		logger.Info("using postgres storage",
			"host", cfg.Database.Postgres.Host,
			"database", cfg.Database.Postgres.Database)
	case "memory":
		repo = storage.NewMemoryRepository()
		logger.Warn("using in-memory storage, records are lost on restart")
	default:
		return fmt.Errorf("unknown database type %q", cfg.Database.Type)
	}
	defer repo.Close()

	// Credential manager shares the postgres pool when available
	var credStore credentials.Store
	if pg, ok := repo.(*storage.PostgresRepository); ok {
		credStore = credentials.NewPostgresStore(pg.Pool())
	} else {
		credStore = credentials.NewMemoryStore()
	}
	manager := credentials.NewManager(credStore, logger, cfg.Credentials.BcryptCost, cfg.Credentials.RotateAge)

	// Rate limiter
	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	// Threat engine and validator
	engine, err := buildThreatEngine(cfg, logger)
	if err != nil {
		return err
	}
	v := validator.New(validator.Options{
		MaxPayloadBytes:     cfg.Ingestion.MaxPayloadBytes,
		AllowedContentTypes: cfg.Ingestion.AllowedContentTypes,
		MaxDepth:            cfg.Ingestion.MaxDepth,
		MaxKeys:             cfg.Ingestion.MaxKeys,
		ScanHeaders:         true,
	}, engine)

	writer := storage.NewWriter(repo, logger)
	p := pipeline.New(manager, limiter, v, writer, logger, cfg.RateLimit.EscalationThreshold)

	// Adapters
	wh := webhook.NewHandler(p, repo, writer, logger, cfg.Ingestion.MaxPayloadBytes)
	sh := stream.NewHandler(p, logger, cfg.Ingestion.MaxPayloadBytes, cfg.Stream.IdleTimeout, cfg.Stream.PingInterval)
	router := server.NewRouter(wh, sh)

	errCh := make(chan error, 4)

	if cfg.Socket.Enabled {
		mux := http.NewServeMux()
		sockHandler := wh.ForChannel(models.ChannelSocket)
		mux.HandleFunc("/v1/notifications", sockHandler.HandleNotifications)
		mux.HandleFunc("/v1/notifications/", sockHandler.HandleNotificationByID)
		sock := ipc.New(cfg.Socket.Path, mux, logger)
		go func() {
			if err := sock.Run(ctx); err != nil {
				errCh <- fmt.Errorf("socket listener: %w", err)
			}
		}()
		logger.Info("socket listener enabled", "path", cfg.Socket.Path)
	}

	if cfg.Watcher.Enabled {
		watcher := fswatch.New(cfg.Watcher.Dir, p, logger, cfg.Watcher.APIKey,
			cfg.Watcher.BatchLimit, cfg.Watcher.FileTimeout)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				errCh <- fmt.Errorf("drop directory watcher: %w", err)
			}
		}()
		logger.Info("drop directory watcher enabled", "dir", cfg.Watcher.Dir)
	}

	if cfg.Sync.Enabled {
		if !cfg.NATS.Enabled {
			return errors.New("sync.enabled requires nats.enabled")
		}
		nc, err := messaging.Connect(cfg.NATS.URL, "inlet")
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
		transport := storage.NewNATSTransport(nc, cfg.Sync.Subject, cfg.Sync.AckTimeout)
		syncer := storage.NewSyncer(repo, transport, logger, cfg.Sync.Interval, cfg.Sync.BatchSize)
		if cfg.Sync.AnnounceSubject != "" {
			syncer = syncer.WithAnnouncer(nc, cfg.Sync.AnnounceSubject)
		}
		go syncer.Run(ctx)
		logger.Info("change sync enabled", "subject", cfg.Sync.Subject)
	}

	gc := storage.NewGC(repo, logger,
		cfg.Retention.SweepInterval, cfg.Retention.AppliedChanges, cfg.Retention.SoftDeleted)
	go gc.Run(ctx)
	go purgeExpiredCredentials(ctx, manager, logger, cfg.Retention.SweepInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("fatal component error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// purgeExpiredCredentials removes credentials whose expiry has passed, on
// the same cadence as the storage retention sweep.
func purgeExpiredCredentials(ctx context.Context, m *credentials.Manager, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.PurgeExpired(ctx, time.Now())
			if err != nil {
				logger.ErrorContext(ctx, "purge expired credentials", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "purged expired credentials", "count", n)
			}
		}
	}
}

func runMigrations(connString string) error {
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func buildLimiter(cfg *config.Config, logger *logging.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled")
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.Redis.Enabled {
		rl, err := ratelimit.NewRedisLimiter(cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("using redis rate limiter", "requests", cfg.RateLimit.Requests, "window", cfg.RateLimit.Window)
		return rl, nil
	}
	logger.Info("using in-memory rate limiter", "requests", cfg.RateLimit.Requests, "window", cfg.RateLimit.Window)
	return ratelimit.NewMemoryLimiter(
		cfg.RateLimit.Requests, cfg.RateLimit.Window,
		cfg.RateLimit.IdleTTL, cfg.RateLimit.SweepInterval), nil
}

func buildThreatEngine(cfg *config.Config, logger *logging.Logger) (*threat.Engine, error) {
	sigs := threat.DefaultSignatures()
	if cfg.Threat.SignaturesFile != "" {
		loaded, err := threat.LoadFile(cfg.Threat.SignaturesFile)
		if err != nil {
			return nil, fmt.Errorf("load threat signatures: %w", err)
		}
		sigs = loaded
		logger.Info("loaded threat signatures", "file", cfg.Threat.SignaturesFile, "count", len(sigs))
	}
	engine, err := threat.New(cfg.Threat.BlockScore, sigs)
	if err != nil {
		return nil, fmt.Errorf("compile threat signatures: %w", err)
	}
	return engine, nil
}
