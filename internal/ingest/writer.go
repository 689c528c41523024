package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/storage"
)

// PartitionFileFormat is the native write format: gzipped JSON lines.
// Columnar rewrites (parquet) are produced downstream by the lifecycle
// export through the analytics engine.
const PartitionFileFormat = "jsonl.gz"

// WrittenFile describes one partition file placed in the object store.
type WrittenFile struct {
	Path     string
	Format   string
	Size     int64
	RowCount int64
	Checksum string
}

// PartitionWriter serializes validated rows into partition files.
type PartitionWriter struct {
	objects objstore.Driver
}

// NewPartitionWriter creates a writer over an object store driver.
func NewPartitionWriter(objects objstore.Driver) *PartitionWriter {
	return &PartitionWriter{objects: objects}
}

// Write stores a batch as datasets/<slug>/<shard>/<partitionID>.jsonl.gz and
// returns the file facts for the partition row. The checksum covers the
// compressed bytes as stored.
func (w *PartitionWriter) Write(ctx context.Context, datasetSlug, shard, partitionID string, rows []storage.JSONMap) (*WrittenFile, error) {
	var buf bytes.Buffer

	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(gz)

	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode partition row: %w", err)
		}
	}

	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("flush partition file: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	path := fmt.Sprintf("datasets/%s/%s/%s.jsonl.gz", datasetSlug, shard, partitionID)
	size := int64(buf.Len())

	if err := w.objects.Put(ctx, path, bytes.NewReader(buf.Bytes()), size); err != nil {
		return nil, fmt.Errorf("store partition file: %w", err)
	}

	return &WrittenFile{
		Path:     path,
		Format:   PartitionFileFormat,
		Size:     size,
		RowCount: int64(len(rows)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Read streams a partition file back as decoded rows, used by compaction
// and the query executor.
func (w *PartitionWriter) Read(ctx context.Context, path string) ([]storage.JSONMap, error) {
	body, err := w.objects.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("open partition file: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)

	var rows []storage.JSONMap

	for dec.More() {
		var row storage.JSONMap
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode partition row: %w", err)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// Delete removes a partition file; missing files are not an error.
func (w *PartitionWriter) Delete(ctx context.Context, path string) error {
	return w.objects.Delete(ctx, path)
}
