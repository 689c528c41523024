package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// exportWatermarkTable is the watermark key for the columnar export.
const exportWatermarkTable = "columnar_export"

// ParquetExporter loads new partition rows into the analytics engine and
// materializes parquet artifacts from there. The export is incremental: a
// watermark on partition end time skips already-exported partitions.
type ParquetExporter struct {
	driver    columnar.Driver
	manifest  *datasets.Engine
	writer    *ingest.PartitionWriter
	catalog   Catalog
	store     RunStore
	database  string
	batchRows int
	logger    *slog.Logger
}

// NewParquetExporter wires the columnar export operation.
func NewParquetExporter(driver columnar.Driver, manifest *datasets.Engine, writer *ingest.PartitionWriter, catalog Catalog, store RunStore) *ParquetExporter {
	return &ParquetExporter{
		driver:    driver,
		manifest:  manifest,
		writer:    writer,
		catalog:   catalog,
		store:     store,
		database:  config.GetEnvStr("CLICKHOUSE_DATABASE", "timestore"),
		batchRows: config.GetEnvInt("APPHUB_EXPORT_BATCH_ROWS", 1000),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run exports every partition newer than the watermark into the analytics
// table for the dataset, then refreshes the parquet artifact.
func (x *ParquetExporter) Run(ctx context.Context, dataset *storage.Dataset) (storage.JSONMap, error) {
	shards, err := x.manifest.Shards(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	watermark := time.Time{}

	if wm, err := x.store.GetWatermark(ctx, dataset.ID, exportWatermarkTable); err == nil {
		watermark = wm.WatermarkTS
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	var (
		exportedPartitions int
		exportedRows       int64
		highWater          = watermark
		tableReady         bool
		fields             []storage.SchemaField
	)

	for _, shard := range shards {
		view, err := x.manifest.LatestView(ctx, dataset.ID, shard)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				continue
			}

			return nil, err
		}

		for _, p := range view.Partitions {
			if !p.EndTime.After(watermark) {
				continue
			}

			if !tableReady {
				fields, err = x.fieldsFor(ctx, view.Manifest)
				if err != nil {
					return nil, err
				}

				if len(fields) == 0 {
					return storage.JSONMap{"skipped": "dataset has no schema"}, nil
				}

				if err := x.ensureTable(ctx, dataset.Slug, fields); err != nil {
					return nil, err
				}

				tableReady = true
			}

			rows, err := x.writer.Read(ctx, p.FilePath)
			if err != nil {
				return nil, fmt.Errorf("read partition %s: %w", p.ID, err)
			}

			if err := x.insertRows(ctx, dataset.Slug, fields, rows); err != nil {
				return nil, err
			}

			exportedPartitions++
			exportedRows += int64(len(rows))

			if p.EndTime.After(highWater) {
				highWater = p.EndTime
			}
		}
	}

	if exportedPartitions == 0 {
		return storage.JSONMap{"skipped": "no partitions past watermark"}, nil
	}

	if err := x.writeParquet(ctx, dataset.Slug); err != nil {
		return nil, err
	}

	if err := x.store.UpsertWatermark(ctx, dataset.ID, exportWatermarkTable, highWater); err != nil {
		return nil, err
	}

	return storage.JSONMap{
		"exportedPartitions": exportedPartitions,
		"exportedRows":       exportedRows,
		"watermark":          highWater.Format(time.RFC3339Nano),
	}, nil
}

func (x *ParquetExporter) fieldsFor(ctx context.Context, manifest *storage.DatasetManifest) ([]storage.SchemaField, error) {
	if manifest.SchemaVersionID == nil {
		return nil, nil
	}

	version, err := x.catalog.GetSchemaVersion(ctx, *manifest.SchemaVersionID)
	if err != nil {
		return nil, err
	}

	return version.Fields, nil
}

func (x *ParquetExporter) ensureTable(ctx context.Context, slug string, fields []storage.SchemaField) error {
	cols := make([]string, 0, len(fields))

	for _, f := range fields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(f.Name), clickhouseType(f)))
	}

	orderBy := quoteIdent(timeFieldOf(fields))

	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s.%s (%s) ENGINE = MergeTree ORDER BY %s",
		quoteIdent(x.database), quoteIdent(exportTable(slug)),
		strings.Join(cols, ", "), orderBy)

	return x.driver.Exec(ctx, stmt)
}

func (x *ParquetExporter) insertRows(ctx context.Context, slug string, fields []storage.SchemaField, rows []storage.JSONMap) error {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = quoteIdent(f.Name)
	}

	prefix := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES ",
		quoteIdent(x.database), quoteIdent(exportTable(slug)), strings.Join(names, ", "))

	for start := 0; start < len(rows); start += x.batchRows {
		end := start + x.batchRows
		if end > len(rows) {
			end = len(rows)
		}

		var (
			placeholders []string
			args         []any
		)

		for _, row := range rows[start:end] {
			marks := make([]string, len(fields))

			for i, f := range fields {
				marks[i] = "?"
				args = append(args, exportValue(f, row[f.Name]))
			}

			placeholders = append(placeholders, "("+strings.Join(marks, ", ")+")")
		}

		if err := x.driver.Exec(ctx, prefix+strings.Join(placeholders, ", "), args...); err != nil {
			return err
		}
	}

	return nil
}

// writeParquet refreshes the server-side parquet artifact for a dataset
// from its analytics table.
func (x *ParquetExporter) writeParquet(ctx context.Context, slug string) error {
	stmt := fmt.Sprintf(
		"INSERT INTO FUNCTION file('exports/%s.parquet', 'Parquet') SELECT * FROM %s.%s",
		exportTable(slug), quoteIdent(x.database), quoteIdent(exportTable(slug)))

	return x.driver.Exec(ctx, stmt)
}

func exportTable(slug string) string {
	return "ds_" + strings.ReplaceAll(slug, "-", "_")
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

func clickhouseType(f storage.SchemaField) string {
	var base string

	switch f.Type {
	case "timestamp":
		base = "DateTime64(3)"
	case "string":
		base = "String"
	case "double":
		base = "Float64"
	case "integer":
		base = "Int64"
	case "boolean":
		base = "UInt8"
	default:
		base = "String"
	}

	if f.Nullable {
		return "Nullable(" + base + ")"
	}

	return base
}

func exportValue(f storage.SchemaField, value any) any {
	if value == nil {
		return nil
	}

	switch f.Type {
	case "timestamp":
		if s, ok := value.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return ts.UTC()
			}
		}

		return value
	case "boolean":
		if b, ok := value.(bool); ok {
			if b {
				return uint8(1)
			}

			return uint8(0)
		}

		return value
	case "integer":
		if n, ok := value.(float64); ok {
			return int64(n)
		}

		return value
	default:
		return value
	}
}

func timeFieldOf(fields []storage.SchemaField) string {
	for _, f := range fields {
		if f.Type == "timestamp" {
			return f.Name
		}
	}

	return fields[0].Name
}
