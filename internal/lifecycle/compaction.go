package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// compactDataset merges undersized partitions shard by shard. Each merge
// rewrites the shard manifest once; old files are removed only after the
// rewrite published.
func (e *Engine) compactDataset(ctx context.Context, dataset *storage.Dataset) (storage.JSONMap, error) {
	shards, err := e.manifest.Shards(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	merged, reclaimed := 0, int64(0)

	for _, shard := range shards {
		m, bytes, err := e.compactShard(ctx, dataset, shard)
		if err != nil {
			return nil, fmt.Errorf("compact shard %s: %w", shard, err)
		}

		merged += m
		reclaimed += bytes
	}

	return storage.JSONMap{
		"shards":          len(shards),
		"mergedPartitions": merged,
		"bytesRead":        reclaimed,
	}, nil
}

func (e *Engine) compactShard(ctx context.Context, dataset *storage.Dataset, shard string) (int, int64, error) {
	view, err := e.manifest.LatestView(ctx, dataset.ID, shard)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return 0, 0, nil
		}

		return 0, 0, err
	}

	chunks := planCompaction(view.Partitions, e.compactionTargetBytes)
	if len(chunks) == 0 {
		return 0, 0, nil
	}

	fields, err := e.shardFields(ctx, view.Manifest)
	if err != nil {
		return 0, 0, err
	}

	mergedCount := 0

	var bytesRead int64

	for _, chunk := range chunks {
		n, read, err := e.mergeChunk(ctx, dataset, view.Manifest, shard, fields, chunk)
		if err != nil {
			return mergedCount, bytesRead, err
		}

		mergedCount += n
		bytesRead += read
	}

	return mergedCount, bytesRead, nil
}

// planCompaction groups undersized partitions into merge chunks bounded by
// the byte budget. Candidates order by start time; equal start times break
// by ingestion signature descending so reruns chunk deterministically with
// the newest write first.
func planCompaction(partitions []*storage.DatasetPartition, targetBytes int64) [][]*storage.DatasetPartition {
	var candidates []*storage.DatasetPartition

	for _, p := range partitions {
		if p.FileSizeBytes != nil && *p.FileSizeBytes < targetBytes {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) < 2 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].StartTime.Before(candidates[j].StartTime)
		}

		return signatureOf(candidates[i]) > signatureOf(candidates[j])
	})

	var (
		chunks  [][]*storage.DatasetPartition
		current []*storage.DatasetPartition
		size    int64
	)

	flush := func() {
		if len(current) >= 2 {
			chunks = append(chunks, current)
		}

		current, size = nil, 0
	}

	for _, p := range candidates {
		if size+*p.FileSizeBytes > targetBytes && len(current) > 0 {
			flush()
		}

		current = append(current, p)
		size += *p.FileSizeBytes
	}

	flush()

	return chunks
}

func (e *Engine) mergeChunk(ctx context.Context, dataset *storage.Dataset, manifest *storage.DatasetManifest, shard string, fields []storage.SchemaField, chunk []*storage.DatasetPartition) (int, int64, error) {
	var (
		rows      []storage.JSONMap
		removeIDs []string
		paths     []string
		bytesRead int64
	)

	sigHash := sha256.New()

	for _, p := range chunk {
		part, err := e.writer.Read(ctx, p.FilePath)
		if err != nil {
			return 0, 0, fmt.Errorf("read partition %s: %w", p.ID, err)
		}

		rows = append(rows, part...)
		removeIDs = append(removeIDs, p.ID)
		paths = append(paths, p.FilePath)
		sigHash.Write([]byte(signatureOf(p)))

		if p.FileSizeBytes != nil {
			bytesRead += *p.FileSizeBytes
		}
	}

	partitionID := uuid.NewString()

	file, err := e.writer.Write(ctx, dataset.Slug, shard, partitionID, rows)
	if err != nil {
		return 0, 0, fmt.Errorf("write merged partition: %w", err)
	}

	start, end := chunk[0].StartTime, chunk[0].EndTime

	for _, p := range chunk[1:] {
		if p.StartTime.Before(start) {
			start = p.StartTime
		}

		if p.EndTime.After(end) {
			end = p.EndTime
		}
	}

	signature := "compact-" + hex.EncodeToString(sigHash.Sum(nil))

	merged := &storage.DatasetPartition{
		DatasetID:          dataset.ID,
		PartitionKey:       chunk[0].PartitionKey,
		StorageTargetID:    chunk[0].StorageTargetID,
		FileFormat:         file.Format,
		FilePath:           file.Path,
		FileSizeBytes:      &file.Size,
		RowCount:           &file.RowCount,
		StartTime:          start,
		EndTime:            end,
		Checksum:           &file.Checksum,
		IngestionSignature: &signature,
	}

	if len(fields) > 0 {
		merged.ColumnStatistics = ingest.ComputeColumnStatistics(fields, rows)
		merged.ColumnBloomFilters = ingest.ComputeBloomFilters(fields, rows)
	}

	_, err = e.manifest.Rewrite(ctx, &datasets.RewriteRequest{
		DatasetID:       dataset.ID,
		ManifestShard:   shard,
		SchemaVersionID: manifest.SchemaVersionID,
		RemoveIDs:       removeIDs,
		Add:             []*storage.DatasetPartition{merged},
	})
	if err != nil {
		if cleanupErr := e.writer.Delete(ctx, file.Path); cleanupErr != nil {
			e.logger.Warn("failed to remove abandoned merge file",
				"path", file.Path, "error", cleanupErr)
		}

		return 0, 0, err
	}

	for _, path := range paths {
		if err := e.writer.Delete(ctx, path); err != nil {
			e.logger.Warn("failed to remove compacted partition file",
				"path", path, "error", err)
		}
	}

	return len(chunk), bytesRead, nil
}

func (e *Engine) shardFields(ctx context.Context, manifest *storage.DatasetManifest) ([]storage.SchemaField, error) {
	if manifest.SchemaVersionID == nil {
		return nil, nil
	}

	version, err := e.catalog.GetSchemaVersion(ctx, *manifest.SchemaVersionID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, nil
		}

		return nil, err
	}

	return version.Fields, nil
}

func signatureOf(p *storage.DatasetPartition) string {
	if p.IngestionSignature == nil {
		return ""
	}

	return *p.IngestionSignature
}
