package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// migrationSpec is read from dataset metadata under the "migration" key:
//
//	{"table": "events", "timeColumn": "recorded_at", "columns": ["recorded_at", "sensor", "value"]}
type migrationSpec struct {
	Table      string
	TimeColumn string
	Columns    []string
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresMigration pulls rows out of a relational source table into the
// dataset through the ingestion pipeline. Progress is tracked with a
// watermark on the time column, so interrupted runs resume instead of
// re-reading the table.
type PostgresMigration struct {
	db        *sql.DB
	store     RunStore
	ingest    *ingest.Service
	batchSize int
	logger    *slog.Logger
}

// NewPostgresMigration wires the migration operation over a source database.
func NewPostgresMigration(db *sql.DB, store RunStore, svc *ingest.Service) *PostgresMigration {
	return &PostgresMigration{
		db:        db,
		store:     store,
		ingest:    svc,
		batchSize: config.GetEnvInt("APPHUB_MIGRATION_BATCH_SIZE", 5000),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run migrates rows newer than the watermark. Datasets without a migration
// spec in their metadata are skipped, not failed: the operation can run in
// a fleet-wide sweep.
func (m *PostgresMigration) Run(ctx context.Context, dataset *storage.Dataset) (storage.JSONMap, error) {
	spec, ok, err := specFromMetadata(dataset.Metadata)
	if err != nil {
		return nil, err
	}

	if !ok {
		return storage.JSONMap{"skipped": "no migration spec"}, nil
	}

	watermark := time.Time{}

	if wm, err := m.store.GetWatermark(ctx, dataset.ID, spec.Table); err == nil {
		watermark = wm.WatermarkTS
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	var (
		migrated int64
		batches  int
	)

	for {
		rows, last, err := m.readBatch(ctx, spec, watermark)
		if err != nil {
			return nil, err
		}

		if len(rows) == 0 {
			break
		}

		_, err = m.ingest.Ingest(ctx, &ingest.Request{
			DatasetSlug: dataset.Slug,
			Rows:        rows,
			IdempotencyKey: fmt.Sprintf("migration:%s:%s", spec.Table,
				watermark.UTC().Format(time.RFC3339Nano)),
		})
		if err != nil {
			return nil, fmt.Errorf("ingest migration batch: %w", err)
		}

		if err := m.store.UpsertWatermark(ctx, dataset.ID, spec.Table, last); err != nil {
			return nil, err
		}

		migrated += int64(len(rows))
		batches++
		watermark = last

		m.logger.Info("migration batch ingested",
			"datasetSlug", dataset.Slug, "table", spec.Table,
			"rows", len(rows), "watermark", last)

		if len(rows) < m.batchSize {
			break
		}
	}

	return storage.JSONMap{
		"table":        spec.Table,
		"migratedRows": migrated,
		"batches":      batches,
		"watermark":    watermark.UTC().Format(time.RFC3339Nano),
	}, nil
}

func (m *PostgresMigration) readBatch(ctx context.Context, spec *migrationSpec, since time.Time) ([]storage.JSONMap, time.Time, error) {
	cols := strings.Join(spec.Columns, ", ")

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT %d",
		cols, spec.Table, spec.TimeColumn, spec.TimeColumn, m.batchSize)

	rows, err := m.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read migration batch: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, time.Time{}, err
	}

	var (
		out  []storage.JSONMap
		last time.Time
	)

	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))

		for i := range values {
			targets[i] = &values[i]
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, time.Time{}, err
		}

		row := make(storage.JSONMap, len(columns))

		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])

			if col == spec.TimeColumn {
				if ts, ok := values[i].(time.Time); ok && ts.After(last) {
					last = ts
				}
			}
		}

		out = append(out, row)
	}

	return out, last, rows.Err()
}

func specFromMetadata(metadata storage.JSONMap) (*migrationSpec, bool, error) {
	raw, ok := metadata["migration"].(map[string]any)
	if !ok {
		return nil, false, nil
	}

	spec := &migrationSpec{}
	spec.Table, _ = raw["table"].(string)
	spec.TimeColumn, _ = raw["timeColumn"].(string)

	if cols, ok := raw["columns"].([]any); ok {
		for _, c := range cols {
			if name, ok := c.(string); ok {
				spec.Columns = append(spec.Columns, name)
			}
		}
	}

	if spec.Table == "" || spec.TimeColumn == "" || len(spec.Columns) == 0 {
		return nil, false, apperr.New(apperr.KindValidation,
			"migration spec requires table, timeColumn, and columns")
	}

	for _, ident := range append([]string{spec.Table, spec.TimeColumn}, spec.Columns...) {
		if !identPattern.MatchString(ident) {
			return nil, false, apperr.Newf(apperr.KindValidation,
				"migration identifier %q is not a plain identifier", ident)
		}
	}

	return spec, true, nil
}

func normalizeSQLValue(v any) any {
	switch value := v.(type) {
	case time.Time:
		return value.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(value)
	default:
		return v
	}
}
