// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/clock/system"
	"github.com/JakeFAU/stopsearch-ingest/internal/config"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/logging"
	"github.com/JakeFAU/stopsearch-ingest/internal/metrics"
	"github.com/JakeFAU/stopsearch-ingest/internal/orchestrator"
	"github.com/JakeFAU/stopsearch-ingest/internal/police"
	"github.com/JakeFAU/stopsearch-ingest/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/stopsearch-ingest/internal/publisher/memory"
	pubgcp "github.com/JakeFAU/stopsearch-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/gcs"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/local"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/memory"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/noop"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry     ingest.Registry
	orchestrator *orchestrator.Orchestrator

	pool         *pgxpool.Pool
	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry exposes the period registry for the query API.
func (a *App) Registry() ingest.Registry { return a.registry }

// Orchestrator exposes the run coordinator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orchestrator }

// New creates and initializes an App from the configuration. It is the
// central point for service initialization and fails fast when a critical
// service cannot be built.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger.Info("Initializing application services")
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	retry := ingest.NewRetryPolicyWith(
		cfg.Retry.MaxAttemptsRateLimited,
		cfg.Retry.MaxAttemptsTransient,
		cfg.BackoffInitial(),
		cfg.BackoffMax(),
	)
	fetcher := police.NewClient(police.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.APITimeout(),
		UserAgent: cfg.API.UserAgent,
	}, limiter, retry, logger)

	var writer ingest.RecordWriter
	var quarantine ingest.QuarantineStore
	switch cfg.DB.Provider {
	case "postgres":
		logger.Info("Connecting to PostgreSQL")
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse database dsn: %w", err)
		}
		if cfg.DB.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.DB.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.registry = postgres.NewRegistry(pool)
		store, err := postgres.NewRecordStore(pool, postgres.RecordStoreConfig{Table: cfg.DB.RecordsTable}, logger)
		if err != nil {
			return nil, fmt.Errorf("build record store: %w", err)
		}
		writer = store
		quarantine = postgres.NewQuarantineStore(pool)
	case "memory":
		logger.Info("Using in-memory stores, data will not survive the process")
		a.registry = memory.NewRegistry()
		writer = memory.NewRecordStore()
		quarantine = memory.NewQuarantineStore()
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.DB.Provider)
	}

	var archiver ingest.Archiver
	switch cfg.Archive.Provider {
	case "gcs":
		logger.Info("Archiving raw payloads to GCS", zap.String("bucket", cfg.Archive.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build storage client: %w", err)
		}
		a.gcsClient = client
		archiver, err = gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs archive: %w", err)
		}
	case "local":
		logger.Info("Archiving raw payloads locally", zap.String("dir", cfg.Archive.LocalDir))
		archiver, err = local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local archive: %w", err)
		}
	case "none":
		logger.Info("Raw payload archive disabled")
		archiver = noop.New()
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Archive.Provider)
	}

	var publisher ingest.Publisher
	switch cfg.Events.Provider {
	case "pubsub":
		logger.Info("Publishing events to Pub/Sub", zap.String("project", cfg.Events.ProjectID))
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		a.pubsubClient = client
		publisher = pubgcp.New(client)
	case "memory":
		publisher = pubmemory.New()
	case "none":
		logger.Info("Event publishing disabled")
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}

	a.orchestrator = orchestrator.New(
		orchestrator.Config{
			Forces:        cfg.Ingest.Forces,
			HorizonMonths: cfg.Ingest.HorizonMonths,
			Concurrency:   cfg.Ingest.Concurrency,
			ArchivePrefix: cfg.Archive.Prefix,
			RunTopic:      cfg.Events.RunTopic,
			FailureTopic:  cfg.Events.FailureTopic,
		},
		a.registry, writer, quarantine, fetcher, archiver, publisher, system.New(), logger,
	)

	// Claims stranded by a crashed run become Failed again before any new
	// work starts.
	reclaimed, err := a.registry.ReclaimStale(ctx, cfg.StaleClaimAge())
	if err != nil {
		return nil, fmt.Errorf("reclaim stale claims: %w", err)
	}
	if reclaimed > 0 {
		logger.Warn("Reclaimed stale period claims", zap.Int("count", reclaimed))
	}

	logger.Info("Application services initialized")
	return a, nil
}

// Close gracefully shuts down all services in the App container. It is
// called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.logger.Info("Shutting down application services")
	if a.pool != nil {
		a.pool.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("Error closing pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("Error closing storage client", zap.Error(err))
		}
	}
	// Best effort; stderr sync failures on shutdown are expected on some
	// platforms.
	_ = a.logger.Sync()
}
