package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/iam"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/lifecycle"
	"github.com/apphub-io/timestore/internal/query"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// DatasetCatalog is the slice of the dataset store the handlers need.
	// *storage.DatasetStore satisfies it.
	DatasetCatalog interface {
		CreateDataset(ctx context.Context, ds *storage.Dataset) (*storage.Dataset, error)
		GetDataset(ctx context.Context, id string) (*storage.Dataset, error)
		GetDatasetBySlug(ctx context.Context, slug string) (*storage.Dataset, error)
		UpdateDataset(ctx context.Context, id string, ifMatch time.Time, mutate func(*storage.Dataset)) (*storage.Dataset, error)
		ArchiveDataset(ctx context.Context, id string) (*storage.Dataset, error)
		ListDatasets(ctx context.Context, cursor string, limit int) ([]*storage.Dataset, string, error)
		LatestSchemaVersion(ctx context.Context, datasetID string) (*storage.SchemaVersion, error)
		UpsertRetentionPolicy(ctx context.Context, policy *storage.RetentionPolicyRecord) error
		GetRetentionPolicy(ctx context.Context, datasetID string) (*storage.RetentionPolicyRecord, error)
	}

	// ManifestReader serves the manifest subresources of a dataset.
	// *storage.ManifestStore satisfies it.
	ManifestReader interface {
		ListPublished(ctx context.Context, datasetID string) ([]*storage.DatasetManifest, error)
		GetManifest(ctx context.Context, id string) (*storage.DatasetManifest, error)
		ListPartitions(ctx context.Context, manifestID string) ([]*storage.DatasetPartition, error)
	}

	// Ingestor is the slice of the ingestion pipeline the handlers need.
	// *ingest.Service satisfies it.
	Ingestor interface {
		Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
		Inline() bool
	}

	// DatasetQuerier plans and executes dataset queries. The planner and
	// executor pair from internal/query satisfies it through queryService.
	DatasetQuerier interface {
		Query(ctx context.Context, req *query.Request) (*query.Result, *query.Plan, error)
	}

	// SQLGateway serves the raw SQL surface. *query.SQLGateway satisfies it.
	SQLGateway interface {
		Read(ctx context.Context, statement string) (columnar.Rows, error)
		Exec(ctx context.Context, statement string) error
	}

	// SavedQueries is the saved SQL query store surface.
	// *storage.SavedQueryStore satisfies it.
	SavedQueries interface {
		Put(ctx context.Context, q *storage.SavedQuery) (*storage.SavedQuery, error)
		Get(ctx context.Context, id string) (*storage.SavedQuery, error)
		List(ctx context.Context) ([]*storage.SavedQuery, error)
		Delete(ctx context.Context, id string) error
	}

	// JobCatalog is the slice of the job store the handlers need.
	// *storage.JobStore satisfies it.
	JobCatalog interface {
		UpsertDefinition(ctx context.Context, def *storage.JobDefinition) (*storage.JobDefinition, error)
		GetDefinition(ctx context.Context, slug string) (*storage.JobDefinition, error)
		ListDefinitions(ctx context.Context, cursor string, limit int) ([]*storage.JobDefinition, string, error)
		ListRuns(ctx context.Context, slug string, limit int) ([]*storage.JobRun, error)
	}

	// JobRunner submits and cancels runs and vets definitions against host
	// policy. *runtime.Runtime satisfies it.
	JobRunner interface {
		Submit(ctx context.Context, slug string, parameters storage.JSONMap, delay time.Duration) (*storage.JobRun, error)
		Cancel(ctx context.Context, runID, reason string) (*storage.JobRun, error)
		ValidateDefinition(def *storage.JobDefinition) error
	}

	// BundleRegistry is the slice of the bundle registry the handlers need.
	// *bundles.Registry satisfies it.
	BundleRegistry interface {
		Publish(ctx context.Context, in bundles.PublishInput) (*storage.BundleVersion, error)
		Resolve(ctx context.Context, slug, version string) (*storage.BundleVersion, error)
		ListVersions(ctx context.Context, slug string) ([]*storage.BundleVersion, error)
		Deprecate(ctx context.Context, slug, version string) error
	}

	// BundleCatalog reads bundle rows. *storage.BundleStore satisfies it.
	BundleCatalog interface {
		GetBundle(ctx context.Context, slug string) (*storage.Bundle, error)
	}

	// Maintainer triggers lifecycle maintenance. *lifecycle.Engine satisfies it.
	Maintainer interface {
		Maintain(ctx context.Context, req *lifecycle.MaintenanceRequest) (*storage.LifecycleJobRun, error)
	}

	// MaintenanceSchedule exposes and adjusts the cron schedule at runtime.
	// *lifecycle.Scheduler satisfies it.
	MaintenanceSchedule interface {
		Schedule() string
		Reschedule(spec string) error
	}

	// LifecycleStatus reads recent lifecycle activity.
	LifecycleStatus interface {
		ListRecentJobRuns(ctx context.Context, datasetID string, limit int) ([]*storage.LifecycleJobRun, error)
		ListAuditLog(ctx context.Context, datasetID string, limit int) ([]*storage.LifecycleAuditLogEntry, error)
	}

	// FilestoreNodes lists last-observed filesystem node state.
	// *storage.FilestoreNodeStore satisfies it.
	FilestoreNodes interface {
		ListNodes(ctx context.Context, limit int) ([]*storage.FilestoreNode, error)
	}

	// QueueHealth is the readiness view of the queue. queue.Queue satisfies it.
	QueueHealth interface {
		Health(ctx context.Context) queue.Health
	}

	// Pinger is the readiness view of the columnar backend.
	// columnar.Driver satisfies it.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Deps carries the server's injected dependencies. Optional fields may
	// be nil; the affected endpoints then answer 503.
	Deps struct {
		Datasets   DatasetCatalog
		Manifests  ManifestReader
		Ingest     Ingestor
		Querier    DatasetQuerier
		SQL        SQLGateway
		Saved      SavedQueries
		Jobs       JobCatalog
		Runner     JobRunner
		Bundles    BundleRegistry
		BundleRows BundleCatalog
		Lifecycle  Maintainer
		Schedule   MaintenanceSchedule
		Status     LifecycleStatus
		Metrics    *lifecycle.Metrics
		Filestore  FilestoreNodes
		Queue      QueueHealth
		Columnar   Pinger
		Authorizer *iam.Authorizer
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		logger      *slog.Logger
		config      *ServerConfig
		startTime   time.Time
		deps        Deps
		rateLimiter middleware.RateLimiter
	}
)

// queryService pairs the planner and executor behind DatasetQuerier.
type queryService struct {
	planner  *query.Planner
	executor *query.Executor
}

// NewQueryService adapts a planner/executor pair to the server's querier.
func NewQueryService(planner *query.Planner, executor *query.Executor) DatasetQuerier {
	return &queryService{planner: planner, executor: executor}
}

func (q *queryService) Query(ctx context.Context, req *query.Request) (*query.Result, *query.Plan, error) {
	plan, err := q.planner.Plan(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	result, err := q.executor.Execute(ctx, plan, req)
	if err != nil {
		return nil, nil, err
	}

	return result, plan, nil
}

// NewServer creates a new HTTP server instance with structured logging and
// middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration says what, Deps says how. rateLimiter may be
// nil to disable rate limiting.
func NewServer(cfg *ServerConfig, deps Deps, rateLimiter middleware.RateLimiter) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		deps:        deps,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. Principal - resolve the IAM principal from the headers
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithPrincipal(),
		middleware.WithRateLimit(asInMemoryLimiter(rateLimiter), logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler exposes the fully wrapped handler, used by the HTTP tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func asInMemoryLimiter(limiter middleware.RateLimiter) *middleware.InMemoryRateLimiter {
	if l, ok := limiter.(*middleware.InMemoryRateLimiter); ok {
		return l
	}

	return nil
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting timestore API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if limiter := asInMemoryLimiter(s.rateLimiter); limiter != nil {
		s.logger.Info("Closing rate limiter")
		limiter.Close()
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
