package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
)

// DatasetStore persists datasets, schema versions, and retention policies.
//
// Dataset updates use optimistic concurrency: callers supply the updatedAt
// timestamp they read (ifMatch); a mismatch fails with kind concurrent-update
// instead of silently clobbering a concurrent writer.
type DatasetStore struct {
	conn *Connection
}

// NewDatasetStore creates a PostgreSQL-backed dataset store.
func NewDatasetStore(conn *Connection) (*DatasetStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DatasetStore{conn: conn}, nil
}

const datasetColumns = `
	id, slug, name, status, write_format, default_storage_target_id, metadata,
	created_at, updated_at
`

// CreateDataset inserts a dataset. A slug collision fails with kind duplicate.
func (s *DatasetStore) CreateDataset(ctx context.Context, ds *Dataset) (*Dataset, error) {
	if ds == nil || ds.Slug == "" {
		return nil, apperr.New(apperr.KindValidation, "dataset slug is required")
	}

	writeFormat := ds.WriteFormat
	if writeFormat == "" {
		writeFormat = "parquet"
	}

	query := `
		INSERT INTO datasets (id, slug, name, status, write_format, default_storage_target_id, metadata)
		VALUES ($1, $2, $3, 'active', $4, $5, $6)
		RETURNING ` + datasetColumns

	stored, err := scanDataset(s.conn.QueryRowContext(ctx, query,
		uuid.NewString(), ds.Slug, ds.Name, writeFormat, ds.DefaultStorageTargetID, ds.Metadata))
	if err != nil {
		return nil, translateWriteError(err, "dataset")
	}

	return stored, nil
}

// EnsureDataset resolves a dataset by slug, creating it transactionally on
// first ingestion. The insert uses ON CONFLICT DO NOTHING so two concurrent
// first-ingests converge on the same row.
func (s *DatasetStore) EnsureDataset(ctx context.Context, slug, name string) (*Dataset, error) {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO datasets (id, slug, name, status, write_format, metadata)
		VALUES ($1, $2, $3, 'active', 'parquet', '{}')
		ON CONFLICT (slug) DO NOTHING`,
		uuid.NewString(), slug, name)
	if err != nil {
		return nil, translateWriteError(err, "dataset")
	}

	return s.GetDatasetBySlug(ctx, slug)
}

// GetDatasetBySlug loads a dataset by slug.
func (s *DatasetStore) GetDatasetBySlug(ctx context.Context, slug string) (*Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE slug = $1`

	ds, err := scanDataset(s.conn.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", slug)
	}

	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	return ds, nil
}

// GetDataset loads a dataset by id.
func (s *DatasetStore) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1`

	ds, err := scanDataset(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	return ds, nil
}

// UpdateDataset applies an optimistic update guarded by ifMatch.
//
// Outcomes:
//   - updated row returned when ifMatch equals the stored updated_at
//   - kind not-found when the dataset does not exist
//   - kind concurrent-update when the timestamps differ
func (s *DatasetStore) UpdateDataset(ctx context.Context, id string, ifMatch time.Time, mutate func(*Dataset)) (*Dataset, error) {
	var updated *Dataset

	err := s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = $1 FOR UPDATE`, id)

		current, err := scanDataset(row)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.KindNotFound, "dataset %s not found", id)
		}

		if err != nil {
			return fmt.Errorf("lock dataset: %w", err)
		}

		// Compare at microsecond precision: Postgres timestamps do not keep
		// nanoseconds, and callers echo back what we previously returned.
		if !current.UpdatedAt.Truncate(time.Microsecond).Equal(ifMatch.Truncate(time.Microsecond)) {
			return apperr.Newf(apperr.KindConcurrentUpdate,
				"dataset %s was modified at %s, ifMatch was %s",
				id, current.UpdatedAt.Format(time.RFC3339Nano), ifMatch.Format(time.RFC3339Nano))
		}

		mutate(current)

		query := `
			UPDATE datasets SET
				name = $2, status = $3, write_format = $4,
				default_storage_target_id = $5, metadata = $6, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + datasetColumns

		updated, err = scanDataset(tx.QueryRowContext(ctx, query,
			id, current.Name, current.Status, current.WriteFormat,
			current.DefaultStorageTargetID, current.Metadata))
		if err != nil {
			return fmt.Errorf("update dataset: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// ArchiveDataset flips the dataset status to inactive.
func (s *DatasetStore) ArchiveDataset(ctx context.Context, id string) (*Dataset, error) {
	query := `UPDATE datasets SET status = 'inactive', updated_at = NOW() WHERE id = $1 RETURNING ` + datasetColumns

	ds, err := scanDataset(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("archive dataset: %w", err)
	}

	return ds, nil
}

// ListDatasets returns a page of datasets with a keyset cursor.
func (s *DatasetStore) ListDatasets(ctx context.Context, cursor string, limit int) ([]*Dataset, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	afterTime, afterID, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	query := `SELECT ` + datasetColumns + ` FROM datasets`
	args := []any{}

	if afterID != "" {
		query += ` WHERE (updated_at, id) < ($1, $2)`
		args = append(args, afterTime, afterID)
	}

	query += fmt.Sprintf(` ORDER BY updated_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list datasets: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	datasets := make([]*Dataset, 0, limit)

	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan dataset: %w", err)
		}

		datasets = append(datasets, ds)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate datasets: %w", err)
	}

	next := ""
	if len(datasets) > limit {
		datasets = datasets[:limit]
		last := datasets[limit-1]
		next = EncodeCursor(last.UpdatedAt, last.ID)
	}

	return datasets, next, nil
}

// CreateSchemaVersion appends an immutable schema version for a dataset.
// The version number is computed inside the transaction.
func (s *DatasetStore) CreateSchemaVersion(ctx context.Context, datasetID string, fields []SchemaField) (*SchemaVersion, error) {
	if len(fields) == 0 {
		return nil, apperr.New(apperr.KindValidation, "schema version requires at least one field")
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "schema fields are not serializable", err)
	}

	var created *SchemaVersion

	err = s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		var nextVersion int

		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM dataset_schema_versions WHERE dataset_id = $1`,
			datasetID)
		if err := row.Scan(&nextVersion); err != nil {
			return fmt.Errorf("compute schema version: %w", err)
		}

		query := `
			INSERT INTO dataset_schema_versions (id, dataset_id, version, fields)
			VALUES ($1, $2, $3, $4)
			RETURNING id, dataset_id, version, fields, created_at`

		sv, err := scanSchemaVersion(tx.QueryRowContext(ctx, query,
			uuid.NewString(), datasetID, nextVersion, fieldsJSON))
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}

		created = sv

		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// LatestSchemaVersion loads the newest schema version for a dataset, or kind
// not-found when the dataset has no schema yet.
func (s *DatasetStore) LatestSchemaVersion(ctx context.Context, datasetID string) (*SchemaVersion, error) {
	query := `
		SELECT id, dataset_id, version, fields, created_at
		FROM dataset_schema_versions
		WHERE dataset_id = $1
		ORDER BY version DESC LIMIT 1`

	sv, err := scanSchemaVersion(s.conn.QueryRowContext(ctx, query, datasetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s has no schema version", datasetID)
	}

	if err != nil {
		return nil, fmt.Errorf("load schema version: %w", err)
	}

	return sv, nil
}

// GetSchemaVersion loads a schema version by id.
func (s *DatasetStore) GetSchemaVersion(ctx context.Context, id string) (*SchemaVersion, error) {
	query := `SELECT id, dataset_id, version, fields, created_at FROM dataset_schema_versions WHERE id = $1`

	sv, err := scanSchemaVersion(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "schema version %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load schema version: %w", err)
	}

	return sv, nil
}

// UpsertRetentionPolicy stores the one-per-dataset retention policy.
func (s *DatasetStore) UpsertRetentionPolicy(ctx context.Context, policy *RetentionPolicyRecord) error {
	if policy == nil || policy.DatasetID == "" {
		return apperr.New(apperr.KindValidation, "retention policy requires a dataset")
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO dataset_retention_policies (
			dataset_id, mode, max_age_hours, max_total_bytes, delete_grace_minutes,
			cold_storage_after_hours, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dataset_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			max_age_hours = EXCLUDED.max_age_hours,
			max_total_bytes = EXCLUDED.max_total_bytes,
			delete_grace_minutes = EXCLUDED.delete_grace_minutes,
			cold_storage_after_hours = EXCLUDED.cold_storage_after_hours,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`,
		policy.DatasetID, policy.Mode, policy.MaxAgeHours, policy.MaxTotalBytes,
		policy.DeleteGraceMinutes, policy.ColdStorageAfterHrs, policy.Metadata)
	if err != nil {
		return translateWriteError(err, "retention policy")
	}

	return nil
}

// GetRetentionPolicy loads the retention policy for a dataset, or nil when
// none is configured.
func (s *DatasetStore) GetRetentionPolicy(ctx context.Context, datasetID string) (*RetentionPolicyRecord, error) {
	query := `
		SELECT dataset_id, mode, max_age_hours, max_total_bytes, delete_grace_minutes,
			cold_storage_after_hours, metadata, updated_at
		FROM dataset_retention_policies WHERE dataset_id = $1`

	var policy RetentionPolicyRecord

	row := s.conn.QueryRowContext(ctx, query, datasetID)

	err := row.Scan(&policy.DatasetID, &policy.Mode, &policy.MaxAgeHours,
		&policy.MaxTotalBytes, &policy.DeleteGraceMinutes, &policy.ColdStorageAfterHrs,
		&policy.Metadata, &policy.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load retention policy: %w", err)
	}

	return &policy, nil
}

func scanDataset(row scanner) (*Dataset, error) {
	var ds Dataset

	err := row.Scan(&ds.ID, &ds.Slug, &ds.Name, &ds.Status, &ds.WriteFormat,
		&ds.DefaultStorageTargetID, &ds.Metadata, &ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &ds, nil
}

func scanSchemaVersion(row scanner) (*SchemaVersion, error) {
	var (
		sv         SchemaVersion
		fieldsJSON []byte
	)

	if err := row.Scan(&sv.ID, &sv.DatasetID, &sv.Version, &fieldsJSON, &sv.CreatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fieldsJSON, &sv.Fields); err != nil {
		return nil, fmt.Errorf("decode schema fields: %w", err)
	}

	return &sv, nil
}
