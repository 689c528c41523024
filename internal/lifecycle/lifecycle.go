// Package lifecycle implements dataset maintenance: compaction of small
// partitions, retention enforcement, relational migration with watermarks,
// and columnar export. Operations run under recorded lifecycle job runs
// with an append-only audit trail.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// Operation names accepted by maintenance requests.
const (
	OpCompaction    = "compaction"
	OpRetention     = "retention"
	OpMigration     = "postgres_migration"
	OpParquetExport = "parquetExport"
)

type (
	// RunStore is the slice of the lifecycle store the engine needs.
	// *storage.LifecycleStore satisfies it.
	RunStore interface {
		CreateJobRun(ctx context.Context, run *storage.LifecycleJobRun) (*storage.LifecycleJobRun, error)
		StartJobRun(ctx context.Context, id string) (*storage.LifecycleJobRun, error)
		CompleteJobRun(ctx context.Context, id string, status storage.RunStatus, runErr *string, metadata storage.JSONMap) (*storage.LifecycleJobRun, error)
		AppendAuditLog(ctx context.Context, entry *storage.LifecycleAuditLogEntry) error
		GetWatermark(ctx context.Context, datasetID, tableName string) (*storage.MigrationWatermark, error)
		UpsertWatermark(ctx context.Context, datasetID, tableName string, ts time.Time) error
	}

	// Catalog is the slice of the dataset store the engine needs.
	Catalog interface {
		GetDataset(ctx context.Context, id string) (*storage.Dataset, error)
		GetDatasetBySlug(ctx context.Context, slug string) (*storage.Dataset, error)
		ListDatasets(ctx context.Context, cursor string, limit int) ([]*storage.Dataset, string, error)
		GetRetentionPolicy(ctx context.Context, datasetID string) (*storage.RetentionPolicyRecord, error)
		GetSchemaVersion(ctx context.Context, id string) (*storage.SchemaVersion, error)
	}

	// MaintenanceRequest asks for a set of operations over one dataset.
	MaintenanceRequest struct {
		DatasetSlug   string
		Operations    []string
		TriggerSource string // schedule | manual | retry | api
	}

	// Engine coordinates lifecycle operations.
	Engine struct {
		store    RunStore
		catalog  Catalog
		manifest *datasets.Engine
		writer   *ingest.PartitionWriter
		metrics  *Metrics
		export   *ParquetExporter
		migrate  *PostgresMigration

		compactionTargetBytes int64
		logger                *slog.Logger
	}
)

// NewEngine wires a lifecycle engine. export and migrate may be nil when the
// deployment does not enable those operations.
func NewEngine(store RunStore, catalog Catalog, manifest *datasets.Engine, writer *ingest.PartitionWriter, metrics *Metrics) *Engine {
	return &Engine{
		store:                 store,
		catalog:               catalog,
		manifest:              manifest,
		writer:                writer,
		metrics:               metrics,
		compactionTargetBytes: config.GetEnvInt64("APPHUB_COMPACTION_TARGET_BYTES", 128<<20),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// WithExporter enables the parquetExport operation.
func (e *Engine) WithExporter(exporter *ParquetExporter) *Engine {
	e.export = exporter

	return e
}

// WithMigration enables the postgres_migration operation.
func (e *Engine) WithMigration(migration *PostgresMigration) *Engine {
	e.migrate = migration

	return e
}

// Maintain runs the requested operations over a dataset under a recorded
// lifecycle job run. Operations run in request order; a failing operation
// fails the run but does not roll back completed ones.
func (e *Engine) Maintain(ctx context.Context, req *MaintenanceRequest) (*storage.LifecycleJobRun, error) {
	if len(req.Operations) == 0 {
		return nil, apperr.New(apperr.KindValidation, "maintenance requires at least one operation")
	}

	for _, op := range req.Operations {
		switch op {
		case OpCompaction, OpRetention, OpMigration, OpParquetExport:
		default:
			return nil, apperr.Newf(apperr.KindValidation, "unknown lifecycle operation %q", op)
		}
	}

	dataset, err := e.catalog.GetDatasetBySlug(ctx, req.DatasetSlug)
	if err != nil {
		return nil, err
	}

	trigger := req.TriggerSource
	if trigger == "" {
		trigger = "manual"
	}

	run, err := e.store.CreateJobRun(ctx, &storage.LifecycleJobRun{
		JobKind:       "maintenance",
		DatasetID:     &dataset.ID,
		Operations:    req.Operations,
		TriggerSource: trigger,
	})
	if err != nil {
		return nil, err
	}

	if run, err = e.store.StartJobRun(ctx, run.ID); err != nil {
		return nil, err
	}

	reports := storage.JSONMap{}

	var firstErr error

	for _, op := range req.Operations {
		started := time.Now()

		report, opErr := e.runOperation(ctx, op, dataset)
		durationMs := time.Since(started).Milliseconds()

		status := "completed"
		if opErr != nil {
			status = "failed"
			report = storage.JSONMap{"error": opErr.Error()}

			if firstErr == nil {
				firstErr = opErr
			}
		}

		reports[op] = report

		e.metrics.Record(OperationResult{
			Operation:   op,
			DatasetSlug: dataset.Slug,
			Status:      status,
			DurationMs:  durationMs,
			Detail:      report,
		})

		e.audit(ctx, dataset.ID, "lifecycle."+op+"."+status, report)
	}

	status := storage.RunSucceeded

	var errText *string

	if firstErr != nil {
		status = storage.RunFailed
		text := firstErr.Error()
		errText = &text
	}

	completed, err := e.store.CompleteJobRun(ctx, run.ID, status, errText, reports)
	if err != nil {
		return nil, err
	}

	return completed, firstErr
}

// MaintainAll sweeps every active dataset that has a retention policy,
// running the scheduled operations. Used by the cron scheduler.
func (e *Engine) MaintainAll(ctx context.Context, operations []string) {
	cursor := ""

	for {
		page, next, err := e.catalog.ListDatasets(ctx, cursor, 100)
		if err != nil {
			e.logger.Error("lifecycle sweep failed to list datasets", "error", err)

			return
		}

		for _, dataset := range page {
			if dataset.Status != "active" {
				continue
			}

			if _, err := e.Maintain(ctx, &MaintenanceRequest{
				DatasetSlug:   dataset.Slug,
				Operations:    operations,
				TriggerSource: "schedule",
			}); err != nil {
				e.logger.Warn("scheduled maintenance failed",
					"datasetSlug", dataset.Slug, "error", err)
			}
		}

		if next == "" {
			return
		}

		cursor = next
	}
}

func (e *Engine) runOperation(ctx context.Context, op string, dataset *storage.Dataset) (storage.JSONMap, error) {
	switch op {
	case OpCompaction:
		return e.compactDataset(ctx, dataset)
	case OpRetention:
		return e.applyRetention(ctx, dataset)
	case OpMigration:
		if e.migrate == nil {
			return nil, apperr.New(apperr.KindValidation, "postgres_migration is not configured")
		}

		return e.migrate.Run(ctx, dataset)
	case OpParquetExport:
		if e.export == nil {
			return nil, apperr.New(apperr.KindValidation, "parquetExport is not configured")
		}

		return e.export.Run(ctx, dataset)
	default:
		return nil, fmt.Errorf("unreachable operation %q", op)
	}
}

func (e *Engine) audit(ctx context.Context, datasetID, eventType string, payload storage.JSONMap) {
	err := e.store.AppendAuditLog(ctx, &storage.LifecycleAuditLogEntry{
		DatasetID: datasetID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		e.logger.Warn("failed to append lifecycle audit entry",
			"datasetId", datasetID, "eventType", eventType, "error", err)
	}
}
