package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
)

// ManifestStore persists dataset manifests and their partitions.
//
// The publish procedure serializes per (datasetId, manifestShard) via an
// advisory-style row lock on dataset_manifest_shards, keeping the manifest
// singleton invariant: exactly one published manifest per shard.
type ManifestStore struct {
	conn *Connection
}

// NewManifestStore creates a PostgreSQL-backed manifest store.
func NewManifestStore(conn *Connection) (*ManifestStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ManifestStore{conn: conn}, nil
}

const manifestColumns = `
	id, dataset_id, version, status, schema_version_id, parent_manifest_id,
	manifest_shard, summary, statistics, partition_count, total_rows,
	total_bytes, created_by, created_at, published_at
`

const partitionColumns = `
	id, dataset_id, manifest_id, partition_key, storage_target_id, file_format,
	file_path, file_size_bytes, row_count, start_time, end_time, checksum,
	metadata, column_statistics, column_bloom_filters, ingestion_signature,
	created_at
`

// PublishRequest carries everything needed to publish a new manifest version.
//
// With CarryFromPublished set, the partitions of the previously published
// manifest are carried into the new version. The carried set is read inside
// the publish transaction after the shard lock is held, so concurrent
// publishers cannot build on the same baseline and silently drop each
// other's partitions. RemovePartitionIDs drops named carried partitions;
// naming an id the published manifest does not own is a concurrent-update
// conflict, the caller planned against a superseded manifest.
type PublishRequest struct {
	DatasetID          string
	ManifestShard      string
	SchemaVersionID    *string
	CarryFromPublished bool
	RemovePartitionIDs []string
	Partitions         []*DatasetPartition
	Summary            JSONMap
	Statistics         JSONMap
	CreatedBy          *string
}

// PublishManifest publishes a new manifest version in one transaction:
//
//  1. Lock the (datasetId, shard) row to serialize publication.
//  2. Compute nextVersion = max(version) + 1 for the shard.
//  3. Resolve the carried partition set from the published manifest, minus
//     RemovePartitionIDs, while the lock is held.
//  4. Insert the manifest as draft with its partition rows, rejecting
//     ingestionSignature collisions within the batch.
//  5. Supersede the previously published manifest.
//  6. Flip the new manifest to published.
//
// Post-commit exactly one published manifest exists per (datasetId, shard).
func (s *ManifestStore) PublishManifest(ctx context.Context, req *PublishRequest) (*DatasetManifest, error) {
	if req == nil || req.DatasetID == "" {
		return nil, apperr.New(apperr.KindValidation, "publish request requires a dataset")
	}

	shard := req.ManifestShard
	if shard == "" {
		shard = "default"
	}

	for _, p := range req.Partitions {
		if p.StartTime.After(p.EndTime) {
			return nil, apperr.Newf(apperr.KindValidation,
				"partition %s has startTime after endTime", p.ID)
		}
	}

	var published *DatasetManifest

	err := s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		// Shard lock row: created on first publish, locked FOR UPDATE after.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dataset_manifest_shards (dataset_id, manifest_shard)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			req.DatasetID, shard)
		if err != nil {
			return fmt.Errorf("ensure shard row: %w", err)
		}

		var lockedShard string

		err = tx.QueryRowContext(ctx, `
			SELECT manifest_shard FROM dataset_manifest_shards
			WHERE dataset_id = $1 AND manifest_shard = $2 FOR UPDATE`,
			req.DatasetID, shard).Scan(&lockedShard)
		if err != nil {
			return fmt.Errorf("lock shard: %w", err)
		}

		var nextVersion int

		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM dataset_manifests
			WHERE dataset_id = $1 AND manifest_shard = $2`,
			req.DatasetID, shard).Scan(&nextVersion)
		if err != nil {
			return fmt.Errorf("compute manifest version: %w", err)
		}

		var previousID *string

		err = tx.QueryRowContext(ctx, `
			SELECT id FROM dataset_manifests
			WHERE dataset_id = $1 AND manifest_shard = $2 AND status = 'published'`,
			req.DatasetID, shard).Scan(&previousID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load previous manifest: %w", err)
		}

		partitions := req.Partitions

		if req.CarryFromPublished {
			var carried []*DatasetPartition

			if previousID != nil {
				carried, err = listPartitionsTx(ctx, tx, *previousID)
				if err != nil {
					return fmt.Errorf("load carried partitions: %w", err)
				}
			}

			kept, err := dropCarried(carried, req.RemovePartitionIDs)
			if err != nil {
				return err
			}

			// Carried rows get fresh identity under the new manifest.
			for _, p := range kept {
				p.ID = ""
				p.ManifestID = ""
			}

			partitions = append(kept, req.Partitions...)
		}

		seenSignatures := make(map[string]struct{}, len(partitions))

		for _, p := range partitions {
			if p.IngestionSignature == nil {
				continue
			}

			if _, dup := seenSignatures[*p.IngestionSignature]; dup {
				return apperr.Newf(apperr.KindDuplicate,
					"ingestion signature %s collides within the batch", *p.IngestionSignature)
			}

			seenSignatures[*p.IngestionSignature] = struct{}{}
		}

		var totalRows, totalBytes int64

		for _, p := range partitions {
			if p.RowCount != nil {
				totalRows += *p.RowCount
			}

			if p.FileSizeBytes != nil {
				totalBytes += *p.FileSizeBytes
			}
		}

		manifestID := uuid.NewString()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dataset_manifests (
				id, dataset_id, version, status, schema_version_id, parent_manifest_id,
				manifest_shard, summary, statistics, partition_count, total_rows,
				total_bytes, created_by
			) VALUES ($1, $2, $3, 'draft', $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			manifestID, req.DatasetID, nextVersion, req.SchemaVersionID, previousID,
			shard, req.Summary, req.Statistics, len(partitions), totalRows,
			totalBytes, req.CreatedBy)
		if err != nil {
			return translateWriteError(err, "dataset manifest")
		}

		for _, p := range partitions {
			id := p.ID
			if id == "" {
				id = uuid.NewString()
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO dataset_partitions (
					id, dataset_id, manifest_id, partition_key, storage_target_id,
					file_format, file_path, file_size_bytes, row_count, start_time,
					end_time, checksum, metadata, column_statistics,
					column_bloom_filters, ingestion_signature
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				id, req.DatasetID, manifestID, p.PartitionKey, p.StorageTargetID,
				p.FileFormat, p.FilePath, p.FileSizeBytes, p.RowCount, p.StartTime.UTC(),
				p.EndTime.UTC(), p.Checksum, p.Metadata, p.ColumnStatistics,
				p.ColumnBloomFilters, p.IngestionSignature)
			if err != nil {
				return translateWriteError(err, "dataset partition")
			}
		}

		if previousID != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE dataset_manifests SET status = 'superseded' WHERE id = $1`,
				*previousID)
			if err != nil {
				return fmt.Errorf("supersede manifest: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE dataset_manifests SET status = 'published', published_at = NOW()
			WHERE id = $1
			RETURNING `+manifestColumns, manifestID)

		published, err = scanManifest(row)
		if err != nil {
			return fmt.Errorf("publish manifest: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return published, nil
}

// GetLatestPublished loads the published manifest for a shard, or kind
// not-found when the shard has never published.
func (s *ManifestStore) GetLatestPublished(ctx context.Context, datasetID, shard string) (*DatasetManifest, error) {
	if shard == "" {
		shard = "default"
	}

	query := `SELECT ` + manifestColumns + ` FROM dataset_manifests
		WHERE dataset_id = $1 AND manifest_shard = $2 AND status = 'published'`

	manifest, err := scanManifest(s.conn.QueryRowContext(ctx, query, datasetID, shard))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound,
			"dataset %s shard %s has no published manifest", datasetID, shard)
	}

	if err != nil {
		return nil, fmt.Errorf("load published manifest: %w", err)
	}

	return manifest, nil
}

// ListPublished loads every published manifest of a dataset across shards.
func (s *ManifestStore) ListPublished(ctx context.Context, datasetID string) ([]*DatasetManifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM dataset_manifests
		WHERE dataset_id = $1 AND status = 'published' ORDER BY manifest_shard`

	rows, err := s.conn.QueryContext(ctx, query, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list published manifests: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var manifests []*DatasetManifest

	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}

		manifests = append(manifests, m)
	}

	return manifests, rows.Err()
}

// GetManifest loads a manifest by id.
func (s *ManifestStore) GetManifest(ctx context.Context, id string) (*DatasetManifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM dataset_manifests WHERE id = $1`

	manifest, err := scanManifest(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "manifest %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	return manifest, nil
}

// ListPartitions loads the partition rows owned by a manifest.
func (s *ManifestStore) ListPartitions(ctx context.Context, manifestID string) ([]*DatasetPartition, error) {
	query := `SELECT ` + partitionColumns + ` FROM dataset_partitions
		WHERE manifest_id = $1 ORDER BY start_time, id`

	rows, err := s.conn.QueryContext(ctx, query, manifestID)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var partitions []*DatasetPartition

	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}

		partitions = append(partitions, p)
	}

	return partitions, rows.Err()
}

// listPartitionsTx loads a manifest's partition rows inside a transaction,
// used by the publish procedure while the shard lock is held.
func listPartitionsTx(ctx context.Context, tx *sql.Tx, manifestID string) ([]*DatasetPartition, error) {
	query := `SELECT ` + partitionColumns + ` FROM dataset_partitions
		WHERE manifest_id = $1 ORDER BY start_time, id`

	rows, err := tx.QueryContext(ctx, query, manifestID)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = rows.Close()
	}()

	var partitions []*DatasetPartition

	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}

		partitions = append(partitions, p)
	}

	return partitions, rows.Err()
}

// dropCarried removes the named partitions from the carried set. Every id
// must belong to the carried set.
func dropCarried(carried []*DatasetPartition, removeIDs []string) ([]*DatasetPartition, error) {
	if len(removeIDs) == 0 {
		return carried, nil
	}

	drop := make(map[string]bool, len(removeIDs))
	for _, id := range removeIDs {
		drop[id] = false
	}

	kept := make([]*DatasetPartition, 0, len(carried))

	for _, p := range carried {
		if _, ok := drop[p.ID]; ok {
			drop[p.ID] = true

			continue
		}

		kept = append(kept, p)
	}

	for id, seen := range drop {
		if !seen {
			return nil, apperr.Newf(apperr.KindConcurrentUpdate,
				"partition %s is not in the published manifest", id)
		}
	}

	return kept, nil
}

// FindPartitionBySignature looks up a partition carrying an ingestion
// signature within the currently published manifests of a dataset. Used by the
// ingestion idempotency short-circuit.
func (s *ManifestStore) FindPartitionBySignature(ctx context.Context, datasetID, signature string) (*DatasetPartition, error) {
	query := `
		SELECT ` + partitionColumns + ` FROM dataset_partitions p
		WHERE p.dataset_id = $1 AND p.ingestion_signature = $2
		  AND EXISTS (
			SELECT 1 FROM dataset_manifests m
			WHERE m.id = p.manifest_id AND m.status = 'published'
		  )
		LIMIT 1`

	p, err := scanPartition(s.conn.QueryRowContext(ctx, query, datasetID, signature))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("find partition by signature: %w", err)
	}

	return p, nil
}

// ManifestShards returns the distinct shard names of a dataset.
func (s *ManifestStore) ManifestShards(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT manifest_shard FROM dataset_manifest_shards WHERE dataset_id = $1 ORDER BY manifest_shard`,
		datasetID)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var shards []string

	for rows.Next() {
		var shard string
		if err := rows.Scan(&shard); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}

		shards = append(shards, shard)
	}

	return shards, rows.Err()
}

// CountPublished reports the number of published manifests for a shard.
// Exists for invariant checks in tests.
func (s *ManifestStore) CountPublished(ctx context.Context, datasetID, shard string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dataset_manifests
		WHERE dataset_id = $1 AND manifest_shard = $2 AND status = 'published'`,
		datasetID, shard).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count published manifests: %w", err)
	}

	return count, nil
}

// DeletePartitionRows removes partition rows whose physical files have been
// deleted by retention. Only rows belonging to superseded manifests may be
// removed; rows referenced by the published manifest are refused.
func (s *ManifestStore) DeletePartitionRows(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var status string

			err := tx.QueryRowContext(ctx, `
				SELECT m.status FROM dataset_partitions p
				JOIN dataset_manifests m ON m.id = p.manifest_id
				WHERE p.id = $1`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}

			if err != nil {
				return fmt.Errorf("check partition manifest: %w", err)
			}

			if status == "published" {
				return apperr.Newf(apperr.KindValidation,
					"partition %s is referenced by a published manifest", id)
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dataset_partitions WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete partition row: %w", err)
			}
		}

		return nil
	})
}

func scanManifest(row scanner) (*DatasetManifest, error) {
	var m DatasetManifest

	err := row.Scan(&m.ID, &m.DatasetID, &m.Version, &m.Status, &m.SchemaVersionID,
		&m.ParentManifestID, &m.ManifestShard, &m.Summary, &m.Statistics,
		&m.PartitionCount, &m.TotalRows, &m.TotalBytes, &m.CreatedBy,
		&m.CreatedAt, &m.PublishedAt)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func scanPartition(row scanner) (*DatasetPartition, error) {
	var (
		p         DatasetPartition
		startTime time.Time
		endTime   time.Time
	)

	err := row.Scan(&p.ID, &p.DatasetID, &p.ManifestID, &p.PartitionKey,
		&p.StorageTargetID, &p.FileFormat, &p.FilePath, &p.FileSizeBytes,
		&p.RowCount, &startTime, &endTime, &p.Checksum, &p.Metadata,
		&p.ColumnStatistics, &p.ColumnBloomFilters, &p.IngestionSignature,
		&p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.StartTime = startTime.UTC()
	p.EndTime = endTime.UTC()

	return &p, nil
}
