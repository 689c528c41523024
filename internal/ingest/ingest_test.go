package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/storage"
)

func testSchema() []storage.SchemaField {
	return []storage.SchemaField{
		{Name: "ts", Type: "timestamp"},
		{Name: "sensor", Type: "string"},
		{Name: "value", Type: "double", Nullable: true},
	}
}

func testRows() []storage.JSONMap {
	return []storage.JSONMap{
		{"ts": "2026-08-24T10:00:00Z", "sensor": "a", "value": 1.5},
		{"ts": "2026-08-24T11:00:00Z", "sensor": "b", "value": 2.5},
	}
}

func TestValidateRows(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("normalizes and tracks the time range", func(t *testing.T) {
		batch, err := ValidateRows(testSchema(), []storage.JSONMap{
			{"ts": "2026-08-24T12:00:00+02:00", "sensor": "a"},
			{"ts": float64(1756029600000), "sensor": "b", "value": 3},
		})
		require.NoError(t, err)
		require.Len(t, batch.Rows, 2)
		require.Equal(t, "ts", batch.TimeField)
		require.True(t, batch.StartTime.Before(batch.EndTime))
		require.Equal(t, "2026-08-24T10:00:00Z", batch.Rows[0]["ts"])
	})

	t.Run("rejects unknown columns", func(t *testing.T) {
		_, err := ValidateRows(testSchema(), []storage.JSONMap{
			{"ts": "2026-08-24T10:00:00Z", "sensor": "a", "extra": 1},
		})
		require.Error(t, err)
		require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("rejects missing non-nullable", func(t *testing.T) {
		_, err := ValidateRows(testSchema(), []storage.JSONMap{
			{"ts": "2026-08-24T10:00:00Z"},
		})
		require.Error(t, err)
	})

	t.Run("rejects fractional integers", func(t *testing.T) {
		schema := []storage.SchemaField{
			{Name: "ts", Type: "timestamp"},
			{Name: "n", Type: "integer"},
		}

		_, err := ValidateRows(schema, []storage.JSONMap{
			{"ts": "2026-08-24T10:00:00Z", "n": 1.5},
		})
		require.Error(t, err)
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		_, err := ValidateRows(testSchema(), nil)
		require.Error(t, err)
	})
}

func TestComputeColumnStatistics(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := []storage.JSONMap{
		{"ts": "2026-08-24T10:00:00Z", "sensor": "a", "value": 1.5},
		{"ts": "2026-08-24T11:00:00Z", "sensor": "b"},
	}

	stats := ComputeColumnStatistics(testSchema(), rows)

	value, ok := stats["value"].(storage.JSONMap)
	require.True(t, ok)
	require.Equal(t, 1, value["nullCount"])
	require.Equal(t, 1.5, value["min"])

	sensor := stats["sensor"].(storage.JSONMap)
	require.Equal(t, "a", sensor["min"])
	require.Equal(t, "b", sensor["max"])
}

func TestComputeBloomFilters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	filters := ComputeBloomFilters(testSchema(), testRows())
	require.Contains(t, filters, "sensor")
	require.NotContains(t, filters, "value")

	bloom, err := datasets.DecodeBloomFilter(filters["sensor"])
	require.NoError(t, err)
	require.True(t, bloom.MightContain("a"))
	require.False(t, bloom.MightContain("definitely-absent-sensor"))
}

func TestPartitionWriterRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	driver, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	writer := NewPartitionWriter(driver)

	file, err := writer.Write(context.Background(), "sensors", "2026-08-24", "p1", testRows())
	require.NoError(t, err)
	require.Equal(t, "datasets/sensors/2026-08-24/p1.jsonl.gz", file.Path)
	require.EqualValues(t, 2, file.RowCount)
	require.NotEmpty(t, file.Checksum)

	rows, err := writer.Read(context.Background(), file.Path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0]["sensor"])
}

func TestSignature(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	withKey := &Request{DatasetSlug: "sensors", IdempotencyKey: "batch-1", Rows: testRows()}
	require.Equal(t, Signature(withKey), Signature(&Request{DatasetSlug: "sensors", IdempotencyKey: "batch-1"}))

	content := &Request{DatasetSlug: "sensors", Rows: testRows()}
	require.Equal(t, Signature(content), Signature(&Request{DatasetSlug: "sensors", Rows: testRows()}))
	require.NotEqual(t, Signature(content), Signature(withKey))
}

type fakeCatalog struct {
	dataset *storage.Dataset
	schemas []*storage.SchemaVersion
}

func (c *fakeCatalog) EnsureDataset(_ context.Context, slug, name string) (*storage.Dataset, error) {
	if c.dataset == nil {
		c.dataset = &storage.Dataset{ID: "ds-1", Slug: slug, Name: name, Status: "active"}
	}

	return c.dataset, nil
}

func (c *fakeCatalog) GetDatasetBySlug(_ context.Context, slug string) (*storage.Dataset, error) {
	if c.dataset == nil || c.dataset.Slug != slug {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", slug)
	}

	return c.dataset, nil
}

func (c *fakeCatalog) LatestSchemaVersion(_ context.Context, datasetID string) (*storage.SchemaVersion, error) {
	if len(c.schemas) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s has no schema", datasetID)
	}

	return c.schemas[len(c.schemas)-1], nil
}

func (c *fakeCatalog) CreateSchemaVersion(_ context.Context, datasetID string, fields []storage.SchemaField) (*storage.SchemaVersion, error) {
	version := &storage.SchemaVersion{
		ID:        "sv-" + time.Now().Format("150405.000000000"),
		DatasetID: datasetID,
		Version:   len(c.schemas) + 1,
		Fields:    fields,
	}
	c.schemas = append(c.schemas, version)

	return version, nil
}

// fakeManifests is a minimal in-memory datasets.ManifestStore.
type fakeManifests struct {
	views map[string]*datasets.ManifestView // datasetID/shard
}

func newFakeManifests() *fakeManifests {
	return &fakeManifests{views: make(map[string]*datasets.ManifestView)}
}

func (m *fakeManifests) PublishManifest(_ context.Context, req *storage.PublishRequest) (*storage.DatasetManifest, error) {
	shard := req.ManifestShard
	if shard == "" {
		shard = "default"
	}

	key := req.DatasetID + "/" + shard

	version := 1

	var carried []*storage.DatasetPartition

	if prev, ok := m.views[key]; ok {
		version = prev.Manifest.Version + 1

		if req.CarryFromPublished {
			carried = prev.Partitions
		}
	}

	all := append(append([]*storage.DatasetPartition{}, carried...), req.Partitions...)

	manifest := &storage.DatasetManifest{
		ID:             "m-" + shard,
		DatasetID:      req.DatasetID,
		Version:        version,
		Status:         "published",
		ManifestShard:  shard,
		PartitionCount: len(all),
	}

	partitions := make([]*storage.DatasetPartition, len(all))
	for i, p := range all {
		clone := *p
		clone.ID = uuidLike(shard, i, version)
		clone.ManifestID = manifest.ID
		partitions[i] = &clone
	}

	m.views[key] = &datasets.ManifestView{Manifest: manifest, Partitions: partitions}

	return manifest, nil
}

func uuidLike(shard string, i, version int) string {
	return shard + "-" + time.Now().Format("150405") + "-" + string(rune('a'+i)) + "-" + string(rune('0'+version))
}

func (m *fakeManifests) GetLatestPublished(_ context.Context, datasetID, shard string) (*storage.DatasetManifest, error) {
	view, ok := m.views[datasetID+"/"+shard]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "no published manifest for %s/%s", datasetID, shard)
	}

	return view.Manifest, nil
}

func (m *fakeManifests) GetManifest(_ context.Context, id string) (*storage.DatasetManifest, error) {
	for _, view := range m.views {
		if view.Manifest.ID == id {
			return view.Manifest, nil
		}
	}

	return nil, apperr.Newf(apperr.KindNotFound, "manifest %s not found", id)
}

func (m *fakeManifests) ListPartitions(_ context.Context, manifestID string) ([]*storage.DatasetPartition, error) {
	for _, view := range m.views {
		if view.Manifest.ID == manifestID {
			return view.Partitions, nil
		}
	}

	return nil, nil
}

func (m *fakeManifests) FindPartitionBySignature(_ context.Context, datasetID, signature string) (*storage.DatasetPartition, error) {
	for _, view := range m.views {
		if view.Manifest.DatasetID != datasetID {
			continue
		}

		for _, p := range view.Partitions {
			if p.IngestionSignature != nil && *p.IngestionSignature == signature {
				return p, nil
			}
		}
	}

	return nil, apperr.Newf(apperr.KindNotFound, "signature %s not found", signature)
}

func (m *fakeManifests) ManifestShards(_ context.Context, datasetID string) ([]string, error) {
	var shards []string

	for _, view := range m.views {
		if view.Manifest.DatasetID == datasetID {
			shards = append(shards, view.Manifest.ManifestShard)
		}
	}

	return shards, nil
}

type noopQueue struct{ enqueued []string }

func (q *noopQueue) Enqueue(_ context.Context, queueName string, _ any, opts queue.EnqueueOptions) (string, error) {
	q.enqueued = append(q.enqueued, queueName)

	if opts.JobID != "" {
		return opts.JobID, nil
	}

	return "job-1", nil
}

func (q *noopQueue) RegisterWorker(string, int, storage.RetryPolicy, queue.Handler) error {
	return nil
}

func (q *noopQueue) Health(context.Context) queue.Health { return queue.Health{Ready: true} }

func (q *noopQueue) Close() error { return nil }

func ingestFixture(t *testing.T) (*Service, *fakeCatalog, *noopQueue) {
	t.Helper()

	driver, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	catalog := &fakeCatalog{}
	q := &noopQueue{}

	svc := NewService(catalog, datasets.NewEngine(newFakeManifests(), nil, nil), NewPartitionWriter(driver), q)

	return svc, catalog, q
}

func TestIngestInline(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	svc, catalog, _ := ingestFixture(t)

	result, err := svc.Ingest(context.Background(), &Request{
		DatasetSlug:  "sensors",
		Schema:       testSchema(),
		PartitionKey: storage.JSONMap{"date": "2026-08-24"},
		Rows:         testRows(),
	})
	require.NoError(t, err)
	require.False(t, result.Queued)
	require.NotNil(t, result.Partition)
	require.NotNil(t, result.Manifest)
	require.Len(t, catalog.schemas, 1)
	require.EqualValues(t, 2, *result.Partition.RowCount)
	require.Equal(t, "2026-08-24", datasets.ShardFor(result.Partition.PartitionKey))
}

func TestIngestDeduplicates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	svc, _, _ := ingestFixture(t)

	req := &Request{
		DatasetSlug:    "sensors",
		Schema:         testSchema(),
		Rows:           testRows(),
		IdempotencyKey: "batch-1",
	}

	first, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := svc.Ingest(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, *first.Partition.IngestionSignature, *second.Partition.IngestionSignature)
}

func TestIngestQueuedMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	svc, _, q := ingestFixture(t)
	svc.mode = "queued"

	result, err := svc.Ingest(context.Background(), &Request{
		DatasetSlug: "sensors",
		Schema:      testSchema(),
		Rows:        testRows(),
	})
	require.NoError(t, err)
	require.True(t, result.Queued)
	require.NotEmpty(t, result.JobID)
	require.Equal(t, []string{QueueIngest}, q.enqueued)
}

func TestIngestFirstBatchRequiresSchema(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	svc, _, _ := ingestFixture(t)

	_, err := svc.Ingest(context.Background(), &Request{
		DatasetSlug: "sensors",
		Rows:        testRows(),
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestIngestIncompatibleSchemaRejected(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	svc, _, _ := ingestFixture(t)

	_, err := svc.Ingest(context.Background(), &Request{
		DatasetSlug: "sensors",
		Schema:      testSchema(),
		Rows:        testRows(),
	})
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), &Request{
		DatasetSlug: "sensors",
		Schema: []storage.SchemaField{
			{Name: "ts", Type: "timestamp"},
			{Name: "sensor", Type: "double"},
		},
		Rows: []storage.JSONMap{{"ts": "2026-08-24T10:00:00Z", "sensor": 1.0}},
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindSchemaIncompatible, apperr.KindOf(err))
}
