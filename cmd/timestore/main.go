// Package main provides the timestore dataset platform service.
//
// One process hosts the HTTP API, the queue worker pools for ingestion and
// job runs, the heartbeat watchdog, and the lifecycle scheduler. Deployments
// that want workers separated run cmd/worker alongside and drop the worker
// pools here by setting the worker counts to zero.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/apphub-io/timestore/internal/api"
	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/iam"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/lifecycle"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/query"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/runtime"
	"github.com/apphub-io/timestore/internal/sandbox"
	"github.com/apphub-io/timestore/internal/storage"
)

// Version information.
const (
	version = "0.3.0-dev"
	name    = "timestore"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting timestore service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Rate limiter shutdown is handled by server.shutdown().
	rateLimiter := middleware.NewInMemoryRateLimiter(&middleware.RateLimitConfig{
		GlobalRPS:    serverConfig.RateLimitGlobalRPS,
		PrincipalRPS: serverConfig.RateLimitUserRPS,
		AnonymousRPS: serverConfig.RateLimitAnonRPS,
	})

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", serverConfig.RateLimitGlobalRPS),
		slog.Int("user_rps", serverConfig.RateLimitUserRPS),
		slog.Int("anon_rps", serverConfig.RateLimitAnonRPS),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	meta, err := openStores(dbConn)
	if err != nil {
		logger.Error("Failed to initialize metadata stores", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Metadata stores initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	queueConfig := queue.LoadConfig()

	q, err := queue.New(queueConfig)
	if err != nil {
		logger.Error("Failed to initialize queue", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = q.Close()
	}()

	objects, err := objstore.New(objstore.LoadConfig())
	if err != nil {
		logger.Error("Failed to initialize object storage", slog.String("error", err.Error()))

		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	invalidations := datasets.NewInvalidationBus()
	manifestEngine := datasets.NewEngine(meta.manifests, newManifestCache(logger), invalidations)

	writer := ingest.NewPartitionWriter(objects)
	ingestService := ingest.NewService(meta.datasets, manifestEngine, writer, q)

	if n := config.GetEnvInt("APPHUB_INGEST_WORKERS", 4); n > 0 && !ingestService.Inline() {
		if err := ingestService.RegisterWorkers(n); err != nil {
			logger.Error("Failed to register ingest workers", slog.String("error", err.Error()))

			_ = q.Close()
			_ = dbConn.Close()
			os.Exit(1)
		}
	}

	bundleConfig := bundles.LoadConfig()
	registry := bundles.NewRegistry(meta.bundles, objects)

	bundleCache, err := bundles.NewCache(registry, bundleConfig.CacheDir, bundleConfig.CacheTTL)
	if err != nil {
		logger.Error("Failed to initialize bundle cache", slog.String("error", err.Error()))

		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	secretAudit := func(runID, jobSlug string, ref sandbox.SecretRef) {
		logger.Info("Secret resolved for job run",
			slog.String("run_id", runID),
			slog.String("job_slug", jobSlug),
			slog.String("source", ref.Source),
			slog.String("key", ref.Key),
		)
	}

	python, err := sandbox.NewPython(config.GetEnvStr("SANDBOX_WORK_DIR", "./data/sandbox"), secretAudit)
	if err != nil {
		logger.Error("Failed to initialize python sandbox", slog.String("error", err.Error()))

		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	rt := runtime.New(runtime.Deps{
		Store:        meta.jobs,
		Queue:        q,
		Registry:     registry,
		Cache:        bundleCache,
		BundleConfig: bundleConfig,
		Inproc:       sandbox.NewInproc(),
		Python:       python,
		Container:    sandbox.NewContainer(sandbox.LoadContainerPolicy()),
		SecretAudit:  secretAudit,
		Metrics:      runtime.NewMetrics(prometheus.DefaultRegisterer),
	})

	if n := config.GetEnvInt("APPHUB_JOB_WORKERS", 4); n > 0 {
		if err := rt.RegisterWorkers(n); err != nil {
			logger.Error("Failed to register job workers", slog.String("error", err.Error()))

			_ = q.Close()
			_ = dbConn.Close()
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runtime.NewWatchdog(meta.jobs, rt).Run(ctx)

	// The columnar backend is optional: without it the SQL surface and the
	// parquet export operation answer 503, everything else keeps working.
	var (
		driver  columnar.Driver
		gateway api.SQLGateway
	)

	if ch, err := columnar.NewClickHouse(columnar.LoadConfig()); err != nil {
		logger.Warn("Columnar backend unavailable, SQL surface disabled",
			slog.String("error", err.Error()))
	} else {
		driver = columnar.WithBreaker(ch)
		gateway = query.NewSQLGateway(driver).WithResolver(meta.datasets, invalidations)

		defer func() {
			_ = ch.Close()
		}()
	}

	metrics := lifecycle.NewMetrics(prometheus.DefaultRegisterer)

	lifecycleEngine := lifecycle.NewEngine(meta.lifecycle, meta.datasets, manifestEngine, writer, metrics).
		WithMigration(lifecycle.NewPostgresMigration(dbConn.DB(), meta.lifecycle, ingestService))
	if driver != nil {
		lifecycleEngine = lifecycleEngine.WithExporter(
			lifecycle.NewParquetExporter(driver, manifestEngine, writer, meta.datasets, meta.lifecycle))
	}

	operations := config.ParseCommaSeparatedList(
		config.GetEnvStr("APPHUB_LIFECYCLE_OPERATIONS", "compaction,retention"))

	scheduler, err := lifecycle.NewScheduler(lifecycleEngine, operations)
	if err != nil {
		logger.Error("Failed to initialize lifecycle scheduler", slog.String("error", err.Error()))

		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("Lifecycle scheduler started",
		slog.String("schedule", scheduler.Schedule()),
		slog.Any("operations", operations),
	)

	server := api.NewServer(serverConfig, api.Deps{
		Datasets:   meta.datasets,
		Manifests:  meta.manifests,
		Ingest:     ingestService,
		Querier:    api.NewQueryService(query.NewPlanner(meta.datasets, manifestEngine), query.NewExecutor(writer)),
		SQL:        gateway,
		Saved:      meta.saved,
		Jobs:       meta.jobs,
		Runner:     rt,
		Bundles:    registry,
		BundleRows: meta.bundles,
		Lifecycle:  lifecycleEngine,
		Schedule:   scheduler,
		Status:     meta.lifecycle,
		Metrics:    metrics,
		Filestore:  meta.filestore,
		Queue:      q,
		Columnar:   driver,
		Authorizer: iam.NewAuthorizer(iam.LoadConfig(), meta.lifecycle),
	}, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))

		cancel()
		scheduler.Stop()
		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Timestore service stopped")
}

// stores bundles the per-table metadata stores opened on one connection.
type stores struct {
	datasets  *storage.DatasetStore
	manifests *storage.ManifestStore
	jobs      *storage.JobStore
	lifecycle *storage.LifecycleStore
	bundles   *storage.BundleStore
	saved     *storage.SavedQueryStore
	filestore *storage.FilestoreNodeStore
}

func openStores(conn *storage.Connection) (*stores, error) {
	datasetStore, err := storage.NewDatasetStore(conn)
	if err != nil {
		return nil, err
	}

	manifestStore, err := storage.NewManifestStore(conn)
	if err != nil {
		return nil, err
	}

	jobStore, err := storage.NewJobStore(conn)
	if err != nil {
		return nil, err
	}

	lifecycleStore, err := storage.NewLifecycleStore(conn)
	if err != nil {
		return nil, err
	}

	bundleStore, err := storage.NewBundleStore(conn)
	if err != nil {
		return nil, err
	}

	savedStore, err := storage.NewSavedQueryStore(conn)
	if err != nil {
		return nil, err
	}

	filestoreStore, err := storage.NewFilestoreNodeStore(conn)
	if err != nil {
		return nil, err
	}

	return &stores{
		datasets:  datasetStore,
		manifests: manifestStore,
		jobs:      jobStore,
		lifecycle: lifecycleStore,
		bundles:   bundleStore,
		saved:     savedStore,
		filestore: filestoreStore,
	}, nil
}

// newManifestCache connects the Redis manifest cache when
// APPHUB_MANIFEST_CACHE_URL is set. Without it the manifest engine serves
// straight from the metadata store.
func newManifestCache(logger *slog.Logger) *datasets.ManifestCache {
	url := config.GetEnvStr("APPHUB_MANIFEST_CACHE_URL", "")
	if url == "" {
		return nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("Invalid manifest cache URL, cache disabled", slog.String("error", err.Error()))

		return nil
	}

	return datasets.NewManifestCache(redis.NewClient(opts))
}
