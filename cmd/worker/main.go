// Package main provides the standalone timestore worker process.
//
// It runs the queue consumers without the HTTP API: the ingestion worker
// pool, the job run pool with its heartbeat watchdog, the lifecycle
// scheduler, and optionally the filestore activity consumer. Deployments
// use it to scale background work independently of the API tier.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/filestore"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/lifecycle"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/runtime"
	"github.com/apphub-io/timestore/internal/sandbox"
	"github.com/apphub-io/timestore/internal/storage"
)

// Version information.
const (
	version = "0.3.0-dev"
	name    = "timestore-worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting timestore worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	datasetStore, err := storage.NewDatasetStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize dataset store", err)
	}

	manifestStore, err := storage.NewManifestStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize manifest store", err)
	}

	jobStore, err := storage.NewJobStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize job store", err)
	}

	lifecycleStore, err := storage.NewLifecycleStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize lifecycle store", err)
	}

	bundleStore, err := storage.NewBundleStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize bundle store", err)
	}

	nodeStore, err := storage.NewFilestoreNodeStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize filestore node store", err)
	}

	logger.Info("Metadata stores initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	q, err := queue.New(queue.LoadConfig())
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize queue", err)
	}

	defer func() {
		_ = q.Close()
	}()

	objects, err := objstore.New(objstore.LoadConfig())
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize object storage", err)
	}

	manifestEngine := datasets.NewEngine(manifestStore, nil, datasets.NewInvalidationBus())
	writer := ingest.NewPartitionWriter(objects)
	ingestService := ingest.NewService(datasetStore, manifestEngine, writer, q)

	if err := ingestService.RegisterWorkers(config.GetEnvInt("APPHUB_INGEST_WORKERS", 4)); err != nil {
		fatal(logger, dbConn, "Failed to register ingest workers", err)
	}

	bundleConfig := bundles.LoadConfig()
	registry := bundles.NewRegistry(bundleStore, objects)

	bundleCache, err := bundles.NewCache(registry, bundleConfig.CacheDir, bundleConfig.CacheTTL)
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize bundle cache", err)
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
		fatal(logger, dbConn, "Failed to initialize python sandbox", err)
	}

	rt := runtime.New(runtime.Deps{
		Store:        jobStore,
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

	if err := rt.RegisterWorkers(config.GetEnvInt("APPHUB_JOB_WORKERS", 4)); err != nil {
		fatal(logger, dbConn, "Failed to register job workers", err)
	}

	lifecycleEngine := lifecycle.NewEngine(lifecycleStore, datasetStore, manifestEngine, writer,
		lifecycle.NewMetrics(prometheus.DefaultRegisterer)).
		WithMigration(lifecycle.NewPostgresMigration(dbConn.DB(), lifecycleStore, ingestService))

	if ch, err := columnar.NewClickHouse(columnar.LoadConfig()); err != nil {
		logger.Warn("Columnar backend unavailable, parquet export disabled",
			slog.String("error", err.Error()))
	} else {
		lifecycleEngine = lifecycleEngine.WithExporter(lifecycle.NewParquetExporter(
			columnar.WithBreaker(ch), manifestEngine, writer, datasetStore, lifecycleStore))

		defer func() {
			_ = ch.Close()
		}()
	}

	scheduler, err := lifecycle.NewScheduler(lifecycleEngine, config.ParseCommaSeparatedList(
		config.GetEnvStr("APPHUB_LIFECYCLE_OPERATIONS", "compaction,retention")))
	if err != nil {
		fatal(logger, dbConn, "Failed to initialize lifecycle scheduler", err)
	}

	scheduler.Start()
	defer scheduler.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		runtime.NewWatchdog(jobStore, rt).Run(groupCtx)

		return nil
	})

	if config.GetEnvBool("APPHUB_FILESTORE_ENABLED", false) {
		source, err := filestore.NewSourceFromEnv()
		if err != nil {
			fatal(logger, dbConn, "Failed to initialize filestore source", err)
		}

		group.Go(func() error {
			defer source.Close()

			return filestore.NewConsumer(source, nodeStore, ingestService).Run(groupCtx)
		})

		logger.Info("Filestore activity consumer started")
	}

	logger.Info("Worker pools running")

	if err := group.Wait(); err != nil {
		logger.Error("Worker stopped with error", slog.String("error", err.Error()))

		stop()
		scheduler.Stop()
		_ = q.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Timestore worker stopped")
}

// fatal logs the init failure, closes the database, and exits. Deferred
// cleanups do not run across os.Exit, so the connection closes here.
func fatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()
	os.Exit(1)
}
