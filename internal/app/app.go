package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/anvilhq/anvil/internal/audit"
	"github.com/anvilhq/anvil/internal/config"
	"github.com/anvilhq/anvil/internal/httpserver"
	"github.com/anvilhq/anvil/internal/platform"
	"github.com/anvilhq/anvil/internal/seed"
	"github.com/anvilhq/anvil/internal/telemetry"
	"github.com/anvilhq/anvil/internal/version"
	"github.com/anvilhq/anvil/pkg/agreement"
	"github.com/anvilhq/anvil/pkg/export"
	"github.com/anvilhq/anvil/pkg/policy"
	"github.com/anvilhq/anvil/pkg/queue"
	"github.com/anvilhq/anvil/pkg/reclaimer"
	"github.com/anvilhq/anvil/pkg/redaction"
	"github.com/anvilhq/anvil/pkg/retention"
	"github.com/anvilhq/anvil/pkg/sampleprovider"
	"github.com/anvilhq/anvil/pkg/schema"
	"github.com/anvilhq/anvil/pkg/storage/pgstore"
	"github.com/anvilhq/anvil/pkg/tenant"
)

// RegistryRefreshInterval is the cadence NewCoordinator's Registry is
// meant to be run on.
const RegistryRefreshInterval = 30 * time.Second

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting anvil", "mode", cfg.Mode)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "anvil", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	export.AnvilVersion = version.Version

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	case "export":
		return runExport(ctx, cfg, db)
	case "seed":
		return seed.Run(ctx, db, cfg.DatabaseURL, cfg.MigrationsTenantDir, logger, []byte(cfg.PseudonymSecret))
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	metricsReg := telemetry.NewRegistry()
	srv := httpserver.NewServer(logger, db, rdb, metricsReg, cfg.CORSAllowedOrigins)

	// Keep the dispatch coordinator's policy/schema caches warm so that
	// whatever transport mounts dispatch_next/submit_label/skip on top of
	// this process (§1: this module ships no domain HTTP routes) sees an
	// already-populated Registry rather than an empty one on first call.
	if cfg.SampleProviderURL != "" {
		_, registry, err := NewCoordinator(ctx, cfg, logger, db, rdb)
		if err != nil {
			return err
		}
		go registry.Run(ctx, RegistryRefreshInterval)
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// NewCoordinator builds a queue.Coordinator wired to pgstore and the
// Remote sample provider (circuit breaker + LRU fallback) behind a
// Redis-backed cache proxy, plus a Registry that keeps the Coordinator's
// policy/schema maps refreshed from storage. This is what a deployment
// embedding Anvil's dispatch/submit/skip operations behind its own
// transport (this module ships none — see internal/httpserver) would
// construct and keep running alongside its own server.
func NewCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*queue.Coordinator, *queue.Registry, error) {
	store := pgstore.New(db)

	remote, err := sampleprovider.NewRemote(http.DefaultClient, cfg.SampleProviderURL, sampleprovider.RemoteConfig{
		FailureThreshold: cfg.SampleProviderFailureThresh,
		OpenDuration:     time.Duration(cfg.SampleProviderOpenSeconds) * time.Second,
		CacheSize:        cfg.SampleProviderCacheSize,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating remote sample provider: %w", err)
	}

	var provider sampleprovider.Provider = remote
	ttl := time.Duration(cfg.SampleProviderCacheTTLSeconds) * time.Second
	provider = sampleprovider.NewCachedProxy(provider, rdb, ttl, logger)

	auditWriter := audit.NewWriter(store, logger)
	auditWriter.Start(ctx)

	coord := &queue.Coordinator{
		Store:     store,
		Samples:   provider,
		Policies:  map[uuid.UUID]policy.Composed{},
		Schemas:   map[uuid.UUID]schema.Definition{},
		Telemetry: telemetry.SlogEventer{Logger: logger},
		Audit:     auditWriter,
		Logger:    logger,
	}

	reg := &queue.Registry{
		Store:       store,
		Logger:      logger,
		Coordinator: coord,
		Tenants: func(ctx context.Context) ([]uuid.UUID, error) {
			return tenant.ListIDs(ctx, db)
		},
	}

	return coord, reg, nil
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	logger.Info("worker started")

	store := pgstore.New(db)

	reclaimInterval := time.Duration(cfg.ReclaimIntervalSeconds) * time.Second
	retentionInterval := time.Duration(cfg.RetentionIntervalSeconds) * time.Second
	agreementInterval := time.Duration(cfg.AgreementBatchIntervalSeconds) * time.Second

	done := make(chan struct{}, 3)
	go func() {
		runReclaimLoop(ctx, db, store, logger, reclaimInterval)
		done <- struct{}{}
	}()
	go func() {
		runRetentionLoop(ctx, db, store, logger, retentionInterval)
		done <- struct{}{}
	}()
	go func() {
		runAgreementLoop(ctx, db, store, logger, agreementInterval)
		done <- struct{}{}
	}()

	<-ctx.Done()
	<-done
	<-done
	<-done
	return nil
}

func runReclaimLoop(ctx context.Context, db *pgxpool.Pool, store *pgstore.Store, logger *slog.Logger, interval time.Duration) {
	sweep := func() {
		tenants, err := tenant.ListIDs(ctx, db)
		if err != nil {
			logger.Error("reclaimer: listing tenants failed", "error", err)
			return
		}
		for _, tenantID := range tenants {
			queues, err := store.ListQueues(ctx, tenantID)
			if err != nil {
				logger.Error("reclaimer: listing queues failed", "tenant_id", tenantID, "error", err)
				continue
			}
			policies := make(map[uuid.UUID]policy.RequeuePolicy, len(queues))
			for _, q := range queues {
				policies[q.ID] = policy.DefaultRequeuePolicy()
			}

			sweeper := &reclaimer.Sweeper{Store: store, Policies: policies, Logger: logger}
			result, err := sweeper.Sweep(ctx, tenantID)
			if err != nil {
				logger.Error("reclaimer: sweep failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if result.Expired > 0 || result.Requeued > 0 || result.Archived > 0 {
				logger.Info("reclaimer: swept tenant", "tenant_id", tenantID,
					"expired", result.Expired, "requeued", result.Requeued, "archived", result.Archived)
			}
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func runRetentionLoop(ctx context.Context, db *pgxpool.Pool, store *pgstore.Store, logger *slog.Logger, interval time.Duration) {
	sweeper := &retention.Sweeper{Store: store, Logger: logger}

	sweep := func() {
		tenants, err := tenant.ListIDs(ctx, db)
		if err != nil {
			logger.Error("retention: listing tenants failed", "error", err)
			return
		}
		for _, tenantID := range tenants {
			queues, err := store.ListQueues(ctx, tenantID)
			if err != nil {
				logger.Error("retention: listing queues failed", "tenant_id", tenantID, "error", err)
				continue
			}
			for _, q := range queues {
				sv, err := store.GetSchemaVersion(ctx, tenantID, q.SchemaVersionID)
				if err != nil {
					continue
				}
				var def schema.Definition
				if err := json.Unmarshal(sv.DefinitionJSON, &def); err != nil {
					continue
				}
				result, err := sweeper.Sweep(ctx, tenantID, q.ID, def)
				if err != nil {
					logger.Error("retention: sweep failed", "queue_id", q.ID, "error", err)
					continue
				}
				if result.FieldsExpired > 0 {
					logger.Info("retention: expired fields", "queue_id", q.ID,
						"labels_scanned", result.LabelsScanned, "fields_expired", result.FieldsExpired)
				}
			}
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// runAgreementLoop drives §4.8's Batch mode: on each tick it rescans every
// queue's current schema definition and overwrites the AgreementMetric
// cache from scratch. It is the only agreement recompute this module runs
// on its own: nothing here calls Coordinator.RecomputeAgreement after a
// submit_label.
func runAgreementLoop(ctx context.Context, db *pgxpool.Pool, store *pgstore.Store, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	recomputer := &agreement.Recomputer{Store: store, Logger: logger}

	sweep := func() {
		tenants, err := tenant.ListIDs(ctx, db)
		if err != nil {
			logger.Error("agreement: listing tenants failed", "error", err)
			return
		}
		for _, tenantID := range tenants {
			queues, err := store.ListQueues(ctx, tenantID)
			if err != nil {
				logger.Error("agreement: listing queues failed", "tenant_id", tenantID, "error", err)
				continue
			}
			for _, q := range queues {
				sv, err := store.GetSchemaVersion(ctx, tenantID, q.SchemaVersionID)
				if err != nil {
					continue
				}
				var def schema.Definition
				if err := json.Unmarshal(sv.DefinitionJSON, &def); err != nil {
					continue
				}
				if _, err := recomputer.Recompute(ctx, tenantID, q.ID, def); err != nil {
					logger.Error("agreement: batch recompute failed", "queue_id", q.ID, "error", err)
				}
			}
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func runExport(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) error {
	tenantID, err := uuid.Parse(cfg.ExportTenantID)
	if err != nil {
		return fmt.Errorf("parsing ANVIL_EXPORT_TENANT_ID: %w", err)
	}
	queueID, err := uuid.Parse(cfg.ExportQueueID)
	if err != nil {
		return fmt.Errorf("parsing ANVIL_EXPORT_QUEUE_ID: %w", err)
	}

	store := pgstore.New(db)

	var schemaVersionID uuid.UUID
	if cfg.ExportSchemaVersionID != "" {
		schemaVersionID, err = uuid.Parse(cfg.ExportSchemaVersionID)
		if err != nil {
			return fmt.Errorf("parsing ANVIL_EXPORT_SCHEMA_VERSION_ID: %w", err)
		}
	} else {
		q, err := store.GetQueue(ctx, tenantID, queueID)
		if err != nil {
			return fmt.Errorf("resolving queue's current schema version: %w", err)
		}
		schemaVersionID = q.SchemaVersionID
	}

	sv, err := store.GetSchemaVersion(ctx, tenantID, schemaVersionID)
	if err != nil {
		return fmt.Errorf("loading schema version: %w", err)
	}
	var def schema.Definition
	if err := json.Unmarshal(sv.DefinitionJSON, &def); err != nil {
		return fmt.Errorf("parsing schema definition: %w", err)
	}

	engine := &export.Engine{Store: store}
	opts := export.Options{
		Tenant:          tenantID,
		QueueID:         queueID,
		SchemaVersionID: schemaVersionID,
		OutputPath:      cfg.ExportOutputPath,
		Format:          export.Format(cfg.ExportFormat),
		RedactionMode:   redaction.Mode(cfg.ExportRedactionMode),
		RedactionSalt:   []byte(cfg.RedactionSalt),
	}

	result, err := engine.Run(ctx, opts, def)
	if err != nil {
		return fmt.Errorf("running export: %w", err)
	}
	slog.Default().Info("export completed", "output_path", result.OutputPath, "row_count", result.Manifest.RowCount)
	return nil
}
