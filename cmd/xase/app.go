package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xase-labs/xase-core/pkg/artifacts"
	"github.com/xase-labs/xase-core/pkg/audit"
	"github.com/xase-labs/xase-core/pkg/bundle"
	"github.com/xase-labs/xase-core/pkg/checkpoint"
	"github.com/xase-labs/xase-core/pkg/config"
	"github.com/xase-labs/xase-core/pkg/database"
	"github.com/xase-labs/xase-core/pkg/intervention"
	"github.com/xase-labs/xase-core/pkg/kms"
	"github.com/xase-labs/xase-core/pkg/ledger"
	"github.com/xase-labs/xase-core/pkg/observability"
	"github.com/xase-labs/xase-core/pkg/queue"
	"github.com/xase-labs/xase-core/pkg/signing"
	"github.com/xase-labs/xase-core/pkg/store"
	"github.com/xase-labs/xase-core/pkg/util/resiliency"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// app is the wired service graph shared by the database-backed commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	driver database.Driver
	db     *sql.DB
	redis  redis.UniversalClient
	obs    *observability.Provider

	auditLog      audit.Logger
	auditStore    *store.AuditLogStore
	records       ledger.Store
	ledger        *ledger.Service
	bundles       bundle.Store
	checkpoints   checkpoint.Store
	interventions intervention.Store
	objects       artifacts.Store
	queue         queue.Queue
	signer        *signing.Service
	provider      kms.Provider
	builder       *bundle.Builder
	bundleSvc     *bundle.Service
	cpSvc         *checkpoint.Service
	hitlSvc       *intervention.Service
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, database.Driver, error) {
	driver := database.Driver(cfg.Driver)
	switch driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return nil, "", fmt.Errorf("unsupported database.driver %q (want postgres or sqlite)", cfg.Driver)
	}
	db, err := database.Open(ctx, driver, cfg.URL)
	if err != nil {
		return nil, "", err
	}
	return db, driver, nil
}

func migrateDB(ctx context.Context, db *sql.DB, driver database.Driver) ([]string, error) {
	return database.Migrate(ctx, db, driver)
}

// newApp opens the database, applies pending migrations and builds every
// service from cfg. The caller must Close the result.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	a.db, a.driver, err = openDB(ctx, cfg.Database)
	if err != nil {
		return a, err
	}
	if _, err = migrateDB(ctx, a.db, a.driver); err != nil {
		return a, err
	}

	a.obs, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: Version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Observability.Endpoint,
		SampleRate:     1.0,
		BatchTimeout:   observability.DefaultConfig().BatchTimeout,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		return a, fmt.Errorf("observability: %w", err)
	}

	sqlite := a.driver == database.DriverSQLite
	a.auditStore = store.NewAuditLogStore(a.db, sqlite)
	a.auditLog = audit.NewStoreLogger(a.auditStore)
	if sqlite {
		a.records = store.NewSQLiteLedgerStore(a.db)
		a.bundles = store.NewSQLiteBundleStore(a.db)
		a.checkpoints = store.NewSQLiteCheckpointStore(a.db)
		a.interventions = store.NewSQLiteInterventionStore(a.db)
	} else {
		a.records = store.NewPostgresLedgerStore(a.db)
		a.bundles = store.NewPostgresBundleStore(a.db)
		a.checkpoints = store.NewPostgresCheckpointStore(a.db)
		a.interventions = store.NewPostgresInterventionStore(a.db)
		a.queue = queue.NewPostgresQueue(a.db).WithPolicy(jobPolicy(cfg.Worker))
	}
	a.ledger = ledger.NewService(a.records,
		ledger.WithObservability(a.obs),
		ledger.WithLogger(logger.With("component", "ledger")))

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	a.provider, err = kms.NewProviderFromConfig(ctx, cfg.KMS)
	if err != nil {
		return a, err
	}
	var limiter signing.Limiter = signing.NewMemoryLimiter(cfg.Signing.RatePerHour, cfg.Signing.Burst)
	if a.redis != nil {
		limiter = signing.NewRedisLimiter(a.redis, cfg.Signing.RatePerHour, cfg.Signing.Burst)
	}
	a.signer = signing.NewService(a.provider,
		signing.WithLimiter(limiter),
		signing.WithAudit(a.auditLog),
		signing.WithGuard(resiliency.Guard{
			Policy:  resiliency.CallPolicy,
			Breaker: resiliency.NewCircuitBreaker("kms", 5, cfg.KMS.Timeout*3),
			Timeout: cfg.KMS.Timeout,
		}),
		signing.WithObservability(a.obs),
		signing.WithLogger(logger.With("component", "signing")))

	a.objects, err = artifacts.NewStoreFromConfig(ctx, cfg.Storage)
	if err != nil {
		return a, err
	}

	builderOpts := []bundle.BuilderOption{
		bundle.WithPayloads(cfg.Bundle.IncludePayloads),
		bundle.WithInterventions(a.interventions),
		bundle.WithBuilderLogger(logger.With("component", "bundle.builder")),
		bundle.WithBuilderObservability(a.obs),
	}
	if a.objects != nil {
		builderOpts = append(builderOpts, bundle.WithObjectStore(a.objects, cfg.Storage.Timeout))
	}
	a.builder = bundle.NewBuilder(a.records, a.bundles, a.signer, builderOpts...)

	bundleOpts := []bundle.Option{
		bundle.WithAudit(a.auditLog),
		bundle.WithLogger(logger.With("component", "bundle")),
	}
	if a.queue != nil {
		bundleOpts = append(bundleOpts, bundle.WithQueue(a.queue))
	}
	if a.objects != nil {
		bundleOpts = append(bundleOpts, bundle.WithDownloads(a.objects), bundle.WithExpiry(cfg.Storage.PresignTTL))
	}
	a.bundleSvc = bundle.NewService(a.bundles, a.records, a.builder, bundleOpts...)

	cpOpts := []checkpoint.Option{
		checkpoint.WithAudit(a.auditLog),
		checkpoint.WithLogger(logger.With("component", "checkpoint")),
	}
	if a.redis != nil {
		cpOpts = append(cpOpts, checkpoint.WithLocker(checkpoint.NewRedisLocker(a.redis), 0))
	}
	a.cpSvc = checkpoint.NewService(a.checkpoints, a.records, a.signer, cpOpts...)

	a.hitlSvc = intervention.NewService(a.interventions, a.records,
		intervention.WithAudit(a.auditLog),
		intervention.WithLogger(logger.With("component", "intervention")))

	return a, nil
}

func jobPolicy(cfg config.WorkerConfig) resiliency.Policy {
	p := resiliency.JobPolicy
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	return p
}

// requireQueue fails for drivers without a durable job queue.
func (a *app) requireQueue() error {
	if a.queue == nil {
		return fmt.Errorf("the job queue requires database.driver=postgres (have %s)", a.driver)
	}
	return nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.obs != nil {
		errs = append(errs, a.obs.Shutdown(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
