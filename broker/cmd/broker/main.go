package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/autonlabs/inbox-broker/broker/internal/config"
	"github.com/autonlabs/inbox-broker/broker/internal/handlers"
	"github.com/autonlabs/inbox-broker/broker/internal/hub"
	"github.com/autonlabs/inbox-broker/broker/internal/query"
	"github.com/autonlabs/inbox-broker/broker/internal/ratelimit"
	"github.com/autonlabs/inbox-broker/broker/internal/repository"
	"github.com/autonlabs/inbox-broker/broker/internal/server"
	"github.com/autonlabs/inbox-broker/broker/internal/service"
	"github.com/autonlabs/inbox-broker/broker/internal/usage"
	"github.com/autonlabs/inbox-broker/common/logging"
	"github.com/autonlabs/inbox-broker/common/messaging"
	natsclient "github.com/autonlabs/inbox-broker/common/messaging/nats"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("inbox-broker"))
	logging.SetDefault(logger)

	slog.Info("Starting inbox broker",
		slog.Int("port", cfg.Server.Port),
		slog.String("database", cfg.Database.Type),
		slog.String("log_level", cfg.Logging.Level),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer repo.Close()

	// Rate limiting (optional)
	limiter, err := ratelimit.NewRedisRateLimiter(
		cfg.Redis.URL,
		cfg.Ingestion.RateLimitRequests,
		cfg.Ingestion.RateLimitWindow,
		!cfg.Ingestion.RateLimitEnabled,
	)
	if err != nil {
		slog.Error("Failed to initialize rate limiter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer limiter.Close()
	if cfg.Ingestion.RateLimitEnabled {
		slog.Info("Ingest rate limiting enabled",
			slog.Int("requests", cfg.Ingestion.RateLimitRequests),
			slog.Duration("window", cfg.Ingestion.RateLimitWindow),
		)
	}

	fanout := hub.New(cfg.Subscribe.BufferSize, logger.Logger)
	deps := service.Dependencies{
		Repo:    repo,
		Hub:     fanout,
		Limiter: limiter,
		Logger:  logger.Logger,
	}

	// Per-inbox usage statistics (optional)
	var usageCollector *usage.Collector
	if cfg.Usage.Enabled {
		instanceID := cfg.Usage.InstanceID
		if instanceID == "" {
			instanceID, _ = os.Hostname()
		}
		usageClient, err := usage.NewClient(cfg.Redis.URL, instanceID)
		if err != nil {
			slog.Error("Failed to initialize usage statistics", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer usageClient.Close()
		usageCollector = usage.NewCollector(usageClient, cfg.Usage.FlushInterval, logger.Logger)
		deps.Usage = usageCollector
		slog.Info("Usage statistics enabled", slog.String("instance_id", instanceID))
	}

	// Multi-instance fan-out over NATS (optional)
	var bus messaging.Client
	if cfg.NATS.Enabled {
		nc, err := natsclient.NewClient(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       cfg.NATS.Timeout,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			Token:         cfg.NATS.Token,
		}, logger.Logger)
		if err != nil {
			slog.Error("Failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bus = nc

		relay := hub.NewRelay(fanout, bus, logger.Logger)
		if err := relay.Start(); err != nil {
			slog.Error("Failed to start relay", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer relay.Stop()
		deps.Broadcaster = relay
		slog.Info("NATS relay enabled", slog.String("url", cfg.NATS.URL))
	}

	inboxService := service.NewInboxService(deps, service.Options{
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Limits: query.Limits{
			Default:     cfg.Query.DefaultLimit,
			Interactive: cfg.Query.InteractiveLimit,
			Max:         cfg.Query.MaxLimit,
		},
		RateLimitFailOpen: cfg.Ingestion.RateLimitFailOpen,
	})

	// Initialize HTTP handlers
	router := server.NewRouter(server.Handlers{
		Inbox: handlers.NewInboxHandler(inboxService, cfg.Ingestion.MaxBodyBytes, logger.Logger),
		Stream: handlers.NewStreamHandler(inboxService, handlers.StreamConfig{
			HeartbeatInterval: cfg.Subscribe.HeartbeatInterval,
			IdleTimeout:       cfg.Subscribe.IdleTimeout,
			AllowedOrigins:    cfg.CORS.AllowedOrigins,
		}, logger.Logger),
		Health: handlers.NewHealthHandler(repo, bus),
	}, server.DefaultCORS(cfg.CORS.AllowedOrigins), logger.Logger)

	// Create server with config values
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Inbox broker listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Live streams never finish on their own; end them first so Shutdown can drain.
	fanout.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}

	if usageCollector != nil {
		usageCollector.Stop()
	}

	if bus != nil {
		if err := bus.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", slog.String("error", err.Error()))
		}
	}

	slog.Info("Server exited")
}

// openRepository connects the configured store, migrating PostgreSQL to the
// latest schema first.
func openRepository(cfg *config.Config) (repository.Repository, error) {
	if cfg.Database.Type != "postgres" {
		slog.Warn("Using in-memory repository (development only)")
		return repository.NewInMemoryRepository(), nil
	}

	pg := cfg.Database.Postgres
	connString := pg.ConnString()

	slog.Info("Running database migrations", slog.String("source", cfg.Database.MigrationsPath))
	m, err := migrate.New(cfg.Database.MigrationsPath, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("Could not get migration version", slog.String("error", err.Error()))
	} else {
		slog.Info("Database migration complete",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
	}

	slog.Info("Connecting to PostgreSQL",
		slog.String("host", pg.Host),
		slog.Int("port", pg.Port),
		slog.String("database", pg.Database),
	)
	pool := repository.DefaultPoolConfig()
	if pg.MaxConns > 0 {
		pool.MaxConns = pg.MaxConns
	}
	if pg.MinConns > 0 {
		pool.MinConns = pg.MinConns
	}
	return repository.NewPostgresRepository(context.Background(), connString, pool)
}
