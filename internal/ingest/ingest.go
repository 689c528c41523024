package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/storage"
)

// QueueIngest is the queue carrying deferred ingestion batches.
const QueueIngest = "ingest"

type (
	// Catalog is the slice of the dataset store the pipeline needs.
	// *storage.DatasetStore satisfies it.
	Catalog interface {
		EnsureDataset(ctx context.Context, slug, name string) (*storage.Dataset, error)
		GetDatasetBySlug(ctx context.Context, slug string) (*storage.Dataset, error)
		LatestSchemaVersion(ctx context.Context, datasetID string) (*storage.SchemaVersion, error)
		CreateSchemaVersion(ctx context.Context, datasetID string, fields []storage.SchemaField) (*storage.SchemaVersion, error)
	}

	// Request is one ingestion batch.
	Request struct {
		DatasetSlug    string                `json:"datasetSlug"`
		DatasetName    string                `json:"datasetName,omitempty"`
		Schema         []storage.SchemaField `json:"schema,omitempty"`
		PartitionKey   storage.JSONMap       `json:"partitionKey,omitempty"`
		Rows           []storage.JSONMap     `json:"rows"`
		IdempotencyKey string                `json:"idempotencyKey,omitempty"`
		Actor          *string               `json:"actor,omitempty"`
	}

	// Result reports what happened to a batch. Exactly one of Queued,
	// Deduplicated, or Partition-set applies.
	Result struct {
		Queued       bool
		JobID        string
		Deduplicated bool
		Dataset      *storage.Dataset
		Partition    *storage.DatasetPartition
		Manifest     *storage.DatasetManifest
	}

	// Service is the ingestion pipeline.
	Service struct {
		catalog Catalog
		engine  *datasets.Engine
		writer  *PartitionWriter
		queue   queue.Queue
		mode    string // inline | queued
		logger  *slog.Logger
	}

	queuedBatch struct {
		Request   Request `json:"request"`
		Signature string  `json:"signature"`
	}
)

// NewService wires the ingestion pipeline. Mode comes from
// APPHUB_INGEST_MODE: "inline" processes on the request path, "queued"
// defers to the ingest queue.
func NewService(catalog Catalog, engine *datasets.Engine, writer *PartitionWriter, q queue.Queue) *Service {
	return &Service{
		catalog: catalog,
		engine:  engine,
		writer:  writer,
		queue:   q,
		mode:    config.GetEnvStr("APPHUB_INGEST_MODE", "inline"),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Inline reports whether batches complete on the request path.
func (s *Service) Inline() bool { return s.mode != "queued" }

// Ingest accepts one batch: deduplicates on the ingestion signature, then
// either processes inline or defers to the ingest queue.
func (s *Service) Ingest(ctx context.Context, req *Request) (*Result, error) {
	if req.DatasetSlug == "" {
		return nil, apperr.New(apperr.KindValidation, "datasetSlug is required")
	}

	if len(req.Rows) == 0 {
		return nil, apperr.New(apperr.KindValidation, "rows must not be empty")
	}

	dataset, err := s.catalog.EnsureDataset(ctx, req.DatasetSlug, datasetName(req))
	if err != nil {
		return nil, err
	}

	if dataset.Status != "active" {
		return nil, apperr.Newf(apperr.KindValidation, "dataset %s is not active", dataset.Slug)
	}

	signature := Signature(req)

	if existing, err := s.dedupe(ctx, dataset.ID, signature); err != nil {
		return nil, err
	} else if existing != nil {
		return &Result{Deduplicated: true, Dataset: dataset, Partition: existing}, nil
	}

	if !s.Inline() {
		jobID, err := s.queue.Enqueue(ctx, QueueIngest,
			queuedBatch{Request: *req, Signature: signature},
			queue.EnqueueOptions{JobID: signature})
		if err != nil {
			return nil, err
		}

		return &Result{Queued: true, JobID: jobID, Dataset: dataset}, nil
	}

	return s.process(ctx, dataset, req, signature)
}

// RegisterWorkers attaches the deferred-batch handler pool to the ingest
// queue.
func (s *Service) RegisterWorkers(concurrency int) error {
	policy := storage.RetryPolicy{
		Strategy:       "exponential",
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
		MaxAttempts:    3,
	}

	return s.queue.RegisterWorker(QueueIngest, concurrency, policy,
		func(ctx context.Context, job *queue.Job) error {
			var batch queuedBatch
			if err := json.Unmarshal(job.Payload, &batch); err != nil {
				return apperr.Wrap(apperr.KindValidation, "decode ingestion batch", err)
			}

			dataset, err := s.catalog.GetDatasetBySlug(ctx, batch.Request.DatasetSlug)
			if err != nil {
				return err
			}

			if existing, err := s.dedupe(ctx, dataset.ID, batch.Signature); err != nil {
				return err
			} else if existing != nil {
				return nil
			}

			_, err = s.process(ctx, dataset, &batch.Request, batch.Signature)

			return err
		})
}

func (s *Service) process(ctx context.Context, dataset *storage.Dataset, req *Request, signature string) (*Result, error) {
	schema, err := s.resolveSchema(ctx, dataset.ID, req.Schema)
	if err != nil {
		return nil, err
	}

	batch, err := ValidateRows(schema.Fields, req.Rows)
	if err != nil {
		return nil, err
	}

	shard := datasets.ShardFor(req.PartitionKey)
	partitionID := uuid.NewString()

	file, err := s.writer.Write(ctx, dataset.Slug, shard, partitionID, batch.Rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "write partition file", err)
	}

	partition := &storage.DatasetPartition{
		DatasetID:          dataset.ID,
		PartitionKey:       req.PartitionKey,
		StorageTargetID:    storageTarget(dataset),
		FileFormat:         file.Format,
		FilePath:           file.Path,
		FileSizeBytes:      &file.Size,
		RowCount:           &file.RowCount,
		StartTime:          batch.StartTime,
		EndTime:            batch.EndTime,
		Checksum:           &file.Checksum,
		ColumnStatistics:   ComputeColumnStatistics(schema.Fields, batch.Rows),
		ColumnBloomFilters: ComputeBloomFilters(schema.Fields, batch.Rows),
		IngestionSignature: &signature,
	}

	manifest, err := s.engine.Append(ctx, &datasets.AppendRequest{
		DatasetID:       dataset.ID,
		ManifestShard:   shard,
		SchemaVersionID: &schema.ID,
		Add:             []*storage.DatasetPartition{partition},
		CreatedBy:       req.Actor,
	})
	if err != nil {
		// The orphaned file is swept later by lifecycle audit; a failed
		// publish must not leave a half-visible partition.
		if cleanupErr := s.writer.Delete(ctx, file.Path); cleanupErr != nil {
			s.logger.Warn("failed to remove orphaned partition file",
				"path", file.Path, "error", cleanupErr)
		}

		return nil, err
	}

	s.logger.Info("batch ingested",
		"datasetSlug", dataset.Slug, "shard", shard,
		"rows", file.RowCount, "bytes", file.Size, "manifestVersion", manifest.Version)

	return &Result{Dataset: dataset, Partition: partition, Manifest: manifest}, nil
}

// resolveSchema loads the dataset's current schema, creating or evolving it
// when the request carries one.
func (s *Service) resolveSchema(ctx context.Context, datasetID string, proposed []storage.SchemaField) (*storage.SchemaVersion, error) {
	current, err := s.catalog.LatestSchemaVersion(ctx, datasetID)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}

		if len(proposed) == 0 {
			return nil, apperr.New(apperr.KindValidation,
				"first ingestion into a dataset must carry a schema")
		}

		if err := datasets.ValidateFields(proposed); err != nil {
			return nil, err
		}

		return s.catalog.CreateSchemaVersion(ctx, datasetID, proposed)
	}

	if len(proposed) == 0 {
		return current, nil
	}

	changed, err := datasets.CheckEvolution(current.Fields, proposed)
	if err != nil {
		return nil, err
	}

	if !changed {
		return current, nil
	}

	return s.catalog.CreateSchemaVersion(ctx, datasetID, proposed)
}

func (s *Service) dedupe(ctx context.Context, datasetID, signature string) (*storage.DatasetPartition, error) {
	existing, err := s.engine.FindBySignature(ctx, datasetID, signature)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return existing, nil
}

// Signature derives the ingestion signature: the caller's idempotency key
// when present, else a content hash over the partition key and rows.
func Signature(req *Request) string {
	h := sha256.New()
	h.Write([]byte(req.DatasetSlug))
	h.Write([]byte{0})

	if req.IdempotencyKey != "" {
		h.Write([]byte(req.IdempotencyKey))
	} else {
		// json.Marshal sorts map keys, so the hash is content-stable.
		content, _ := json.Marshal(struct {
			PartitionKey storage.JSONMap   `json:"partitionKey"`
			Rows         []storage.JSONMap `json:"rows"`
		}{req.PartitionKey, req.Rows})
		h.Write(content)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func datasetName(req *Request) string {
	if req.DatasetName != "" {
		return req.DatasetName
	}

	return req.DatasetSlug
}

func storageTarget(dataset *storage.Dataset) string {
	if dataset.DefaultStorageTargetID != nil {
		return *dataset.DefaultStorageTargetID
	}

	return "default"
}
