package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/columnar"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/storage"
)

type fakeRunStore struct {
	runs       map[string]*storage.LifecycleJobRun
	audit      []*storage.LifecycleAuditLogEntry
	watermarks map[string]time.Time
	seq        int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:       make(map[string]*storage.LifecycleJobRun),
		watermarks: make(map[string]time.Time),
	}
}

func (s *fakeRunStore) CreateJobRun(_ context.Context, run *storage.LifecycleJobRun) (*storage.LifecycleJobRun, error) {
	s.seq++
	run.ID = fmt.Sprintf("lcr-%d", s.seq)
	run.Status = storage.RunPending
	s.runs[run.ID] = run

	return run, nil
}

func (s *fakeRunStore) StartJobRun(_ context.Context, id string) (*storage.LifecycleJobRun, error) {
	run := s.runs[id]
	run.Status = storage.RunRunning

	return run, nil
}

func (s *fakeRunStore) CompleteJobRun(_ context.Context, id string, status storage.RunStatus, runErr *string, metadata storage.JSONMap) (*storage.LifecycleJobRun, error) {
	run := s.runs[id]
	run.Status = status
	run.Error = runErr
	run.Metadata = metadata

	return run, nil
}

func (s *fakeRunStore) AppendAuditLog(_ context.Context, entry *storage.LifecycleAuditLogEntry) error {
	s.audit = append(s.audit, entry)

	return nil
}

func (s *fakeRunStore) GetWatermark(_ context.Context, datasetID, tableName string) (*storage.MigrationWatermark, error) {
	ts, ok := s.watermarks[datasetID+"/"+tableName]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "no watermark for %s", tableName)
	}

	return &storage.MigrationWatermark{DatasetID: datasetID, TableName: tableName, WatermarkTS: ts}, nil
}

func (s *fakeRunStore) UpsertWatermark(_ context.Context, datasetID, tableName string, ts time.Time) error {
	s.watermarks[datasetID+"/"+tableName] = ts

	return nil
}

type fakeCatalog struct {
	dataset *storage.Dataset
	policy  *storage.RetentionPolicyRecord
	schema  *storage.SchemaVersion
}

func (c *fakeCatalog) GetDataset(_ context.Context, id string) (*storage.Dataset, error) {
	if c.dataset == nil || c.dataset.ID != id {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", id)
	}

	return c.dataset, nil
}

func (c *fakeCatalog) GetDatasetBySlug(_ context.Context, slug string) (*storage.Dataset, error) {
	if c.dataset == nil || c.dataset.Slug != slug {
		return nil, apperr.Newf(apperr.KindNotFound, "dataset %s not found", slug)
	}

	return c.dataset, nil
}

func (c *fakeCatalog) ListDatasets(_ context.Context, _ string, _ int) ([]*storage.Dataset, string, error) {
	if c.dataset == nil {
		return nil, "", nil
	}

	return []*storage.Dataset{c.dataset}, "", nil
}

func (c *fakeCatalog) GetRetentionPolicy(_ context.Context, datasetID string) (*storage.RetentionPolicyRecord, error) {
	if c.policy == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "no retention policy for %s", datasetID)
	}

	return c.policy, nil
}

func (c *fakeCatalog) GetSchemaVersion(_ context.Context, id string) (*storage.SchemaVersion, error) {
	if c.schema == nil || c.schema.ID != id {
		return nil, apperr.Newf(apperr.KindNotFound, "schema version %s not found", id)
	}

	return c.schema, nil
}

// fakeManifests is a minimal in-memory datasets.ManifestStore.
type fakeManifests struct {
	views map[string]*datasets.ManifestView
	seq   int
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

	drop := make(map[string]bool, len(req.RemovePartitionIDs))
	for _, id := range req.RemovePartitionIDs {
		drop[id] = false
	}

	all := make([]*storage.DatasetPartition, 0, len(carried)+len(req.Partitions))

	for _, p := range carried {
		if _, ok := drop[p.ID]; ok {
			drop[p.ID] = true

			continue
		}

		all = append(all, p)
	}

	for id, seen := range drop {
		if !seen {
			return nil, apperr.Newf(apperr.KindConcurrentUpdate,
				"partition %s is not in the published manifest", id)
		}
	}

	all = append(all, req.Partitions...)

	manifest := &storage.DatasetManifest{
		ID:              fmt.Sprintf("m-%s-%d", shard, version),
		DatasetID:       req.DatasetID,
		Version:         version,
		Status:          "published",
		SchemaVersionID: req.SchemaVersionID,
		ManifestShard:   shard,
		PartitionCount:  len(all),
	}

	partitions := make([]*storage.DatasetPartition, len(all))

	for i, p := range all {
		m.seq++
		clone := *p
		clone.ID = fmt.Sprintf("p-%d", m.seq)
		clone.ManifestID = manifest.ID
		partitions[i] = &clone
	}

	m.views[key] = &datasets.ManifestView{Manifest: manifest, Partitions: partitions}

	return manifest, nil
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
		for _, p := range view.Partitions {
			if view.Manifest.DatasetID == datasetID && p.IngestionSignature != nil && *p.IngestionSignature == signature {
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

type lifecycleFixture struct {
	engine    *Engine
	store     *fakeRunStore
	catalog   *fakeCatalog
	manifests *fakeManifests
	writer    *ingest.PartitionWriter
	metrics   *Metrics
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()

	driver, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	store := newFakeRunStore()
	catalog := &fakeCatalog{
		dataset: &storage.Dataset{ID: "ds-1", Slug: "sensors", Status: "active"},
	}
	manifests := newFakeManifests()
	writer := ingest.NewPartitionWriter(driver)
	metrics := NewMetrics(nil)

	engine := NewEngine(store, catalog, datasets.NewEngine(manifests, nil, nil), writer, metrics)

	return &lifecycleFixture{
		engine:    engine,
		store:     store,
		catalog:   catalog,
		manifests: manifests,
		writer:    writer,
		metrics:   metrics,
	}
}

// seedPartition writes a real partition file and publishes it.
func (f *lifecycleFixture) seedPartition(t *testing.T, shard, sig string, end time.Time, rowCount int) {
	t.Helper()

	rows := make([]storage.JSONMap, rowCount)
	for i := range rows {
		rows[i] = storage.JSONMap{
			"ts":     end.Add(-time.Duration(rowCount-i) * time.Minute).Format(time.RFC3339Nano),
			"sensor": "s-" + sig,
		}
	}

	file, err := f.writer.Write(context.Background(), "sensors", shard, sig, rows)
	require.NoError(t, err)

	_, err = f.manifests.PublishManifest(context.Background(), &storage.PublishRequest{
		DatasetID:     "ds-1",
		ManifestShard: shard,
		Partitions: append(currentPartitions(f, shard), &storage.DatasetPartition{
			DatasetID:          "ds-1",
			StorageTargetID:    "default",
			FileFormat:         file.Format,
			FilePath:           file.Path,
			FileSizeBytes:      &file.Size,
			RowCount:           &file.RowCount,
			StartTime:          end.Add(-time.Duration(rowCount) * time.Minute),
			EndTime:            end,
			IngestionSignature: &sig,
		}),
	})
	require.NoError(t, err)
}

func currentPartitions(f *lifecycleFixture, shard string) []*storage.DatasetPartition {
	view, ok := f.manifests.views["ds-1/"+shard]
	if !ok {
		return nil
	}

	out := make([]*storage.DatasetPartition, len(view.Partitions))

	for i, p := range view.Partitions {
		clone := *p
		out[i] = &clone
	}

	return out
}

func TestPlanCompaction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	size := func(n int64) *int64 { return &n }
	at := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	sig := func(s string) *string { return &s }

	t.Run("chunks by byte budget", func(t *testing.T) {
		parts := []*storage.DatasetPartition{
			{ID: "a", FileSizeBytes: size(40), StartTime: at},
			{ID: "b", FileSizeBytes: size(40), StartTime: at.Add(time.Hour)},
			{ID: "c", FileSizeBytes: size(40), StartTime: at.Add(2 * time.Hour)},
			{ID: "big", FileSizeBytes: size(500), StartTime: at},
		}

		chunks := planCompaction(parts, 100)
		require.Len(t, chunks, 1)
		require.Len(t, chunks[0], 2)
	})

	t.Run("tie-breaks equal start times by newest signature", func(t *testing.T) {
		parts := []*storage.DatasetPartition{
			{ID: "old", FileSizeBytes: size(10), StartTime: at, IngestionSignature: sig("aaa")},
			{ID: "new", FileSizeBytes: size(10), StartTime: at, IngestionSignature: sig("zzz")},
		}

		chunks := planCompaction(parts, 100)
		require.Len(t, chunks, 1)
		require.Equal(t, "new", chunks[0][0].ID)
	})

	t.Run("single candidate is left alone", func(t *testing.T) {
		parts := []*storage.DatasetPartition{
			{ID: "a", FileSizeBytes: size(10), StartTime: at},
		}

		require.Nil(t, planCompaction(parts, 100))
	})
}

func TestCompactionMergesSmallPartitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)
	end := time.Now().UTC().Truncate(time.Second)

	f.seedPartition(t, "default", "sig-1", end.Add(-2*time.Hour), 3)
	f.seedPartition(t, "default", "sig-2", end.Add(-time.Hour), 3)
	f.seedPartition(t, "default", "sig-3", end, 3)

	run, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpCompaction},
	})
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, run.Status)

	view := f.manifests.views["ds-1/default"]
	require.Equal(t, 1, view.Manifest.PartitionCount)
	require.EqualValues(t, 9, *view.Partitions[0].RowCount)
	require.True(t, strings.HasPrefix(*view.Partitions[0].IngestionSignature, "compact-"))

	// Merged rows are readable from the new file.
	rows, err := f.writer.Read(context.Background(), view.Partitions[0].FilePath)
	require.NoError(t, err)
	require.Len(t, rows, 9)
}

func TestRetentionTimeMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	maxAge := 24
	f.catalog.policy = &storage.RetentionPolicyRecord{
		DatasetID:   "ds-1",
		Mode:        "time",
		MaxAgeHours: &maxAge,
	}

	now := time.Now().UTC()
	f.seedPartition(t, "default", "expired", now.Add(-48*time.Hour), 2)
	f.seedPartition(t, "default", "fresh", now, 2)

	run, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpRetention},
	})
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, run.Status)

	view := f.manifests.views["ds-1/default"]
	require.Equal(t, 1, view.Manifest.PartitionCount)
	require.Equal(t, "fresh", *view.Partitions[0].IngestionSignature)
}

func TestRetentionAuditsDroppedPartitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	maxAge := 1
	f.catalog.policy = &storage.RetentionPolicyRecord{
		DatasetID:   "ds-1",
		Mode:        "time",
		MaxAgeHours: &maxAge,
	}

	now := time.Now().UTC()
	f.seedPartition(t, "default", "expired", now.Add(-2*time.Hour), 2)

	droppedID := f.manifests.views["ds-1/default"].Partitions[0].ID

	_, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpRetention},
	})
	require.NoError(t, err)

	var dropEntry *storage.LifecycleAuditLogEntry

	for _, entry := range f.store.audit {
		if entry.EventType == "retention.drop" {
			dropEntry = entry
		}
	}

	require.NotNil(t, dropEntry, "retention must audit dropped partitions")
	require.Equal(t, "ds-1", dropEntry.DatasetID)
	require.Equal(t, "default", dropEntry.Payload["manifestShard"])
	require.Equal(t, []string{droppedID}, dropEntry.Payload["partitionIds"])
}

func TestRetentionGraceDefersDeletion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	maxAge := 1
	f.catalog.policy = &storage.RetentionPolicyRecord{
		DatasetID:          "ds-1",
		Mode:               "time",
		MaxAgeHours:        &maxAge,
		DeleteGraceMinutes: 600,
	}

	// Violates max age but still inside the 10h grace window.
	f.seedPartition(t, "default", "aging", time.Now().UTC().Add(-2*time.Hour), 2)

	run, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpRetention},
	})
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, run.Status)
	require.Equal(t, 1, f.manifests.views["ds-1/default"].Manifest.PartitionCount)
}

func TestRetentionSizeMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	maxBytes := int64(1)
	f.catalog.policy = &storage.RetentionPolicyRecord{
		DatasetID:     "ds-1",
		Mode:          "size",
		MaxTotalBytes: &maxBytes,
	}

	now := time.Now().UTC()
	f.seedPartition(t, "default", "oldest", now.Add(-3*time.Hour), 2)
	f.seedPartition(t, "default", "newest", now.Add(-2*time.Hour), 2)

	_, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpRetention},
	})
	require.NoError(t, err)

	// Oldest-first eviction keeps running until under budget; with a 1-byte
	// budget everything old enough goes, oldest first.
	view := f.manifests.views["ds-1/default"]
	require.Equal(t, 0, view.Manifest.PartitionCount)
}

func TestMaintainRejectsUnknownOperation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	_, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{"defragment"},
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestMaintainRecordsRunAndAudit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	run, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug:   "sensors",
		Operations:    []string{OpRetention},
		TriggerSource: "api",
	})
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, run.Status)
	require.Equal(t, "api", run.TriggerSource)
	require.Contains(t, run.Metadata, OpRetention)

	require.Len(t, f.store.audit, 1)
	require.Equal(t, "lifecycle.retention.completed", f.store.audit[0].EventType)

	recent := f.metrics.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, OpRetention, recent[0].Operation)
}

func TestMetricsRingBounds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := NewMetrics(nil)

	for i := 0; i < recentResultCap+50; i++ {
		m.Record(OperationResult{Operation: fmt.Sprintf("op-%d", i), Status: "completed"})
	}

	recent := m.Recent()
	require.Len(t, recent, recentResultCap)
	require.Equal(t, fmt.Sprintf("op-%d", recentResultCap+49), recent[0].Operation)
}

type fakeColumnar struct {
	statements []string
}

func (d *fakeColumnar) Exec(_ context.Context, query string, _ ...any) error {
	d.statements = append(d.statements, query)

	return nil
}

func (d *fakeColumnar) Query(context.Context, string, ...any) (columnar.Rows, error) {
	return nil, nil
}

func (d *fakeColumnar) Ping(context.Context) error { return nil }

func (d *fakeColumnar) Close() error { return nil }

func TestParquetExportAdvancesWatermark(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	f.catalog.schema = &storage.SchemaVersion{
		ID:        "sv-1",
		DatasetID: "ds-1",
		Version:   1,
		Fields: []storage.SchemaField{
			{Name: "ts", Type: "timestamp"},
			{Name: "sensor", Type: "string"},
		},
	}

	ch := &fakeColumnar{}
	exporter := NewParquetExporter(ch, datasets.NewEngine(f.manifests, nil, nil), f.writer, f.catalog, f.store)
	f.engine.WithExporter(exporter)

	end := time.Now().UTC().Truncate(time.Second)
	f.seedPartitionWithSchema(t, "default", "sig-1", end, 2)

	run, err := f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpParquetExport},
	})
	require.NoError(t, err)
	require.Equal(t, storage.RunSucceeded, run.Status)

	require.GreaterOrEqual(t, len(ch.statements), 3)
	require.Contains(t, ch.statements[0], "CREATE TABLE IF NOT EXISTS")
	require.Contains(t, ch.statements[len(ch.statements)-1], "'Parquet'")

	wm, err := f.store.GetWatermark(context.Background(), "ds-1", exportWatermarkTable)
	require.NoError(t, err)
	require.True(t, wm.WatermarkTS.Equal(end))

	// A second run has nothing past the watermark.
	run, err = f.engine.Maintain(context.Background(), &MaintenanceRequest{
		DatasetSlug: "sensors",
		Operations:  []string{OpParquetExport},
	})
	require.NoError(t, err)

	report := run.Metadata[OpParquetExport].(storage.JSONMap)
	require.Contains(t, report, "skipped")
}

// seedPartitionWithSchema publishes with the fixture's schema version id so
// the exporter can resolve fields.
func (f *lifecycleFixture) seedPartitionWithSchema(t *testing.T, shard, sig string, end time.Time, rowCount int) {
	t.Helper()

	rows := make([]storage.JSONMap, rowCount)
	for i := range rows {
		rows[i] = storage.JSONMap{
			"ts":     end.Add(-time.Duration(rowCount-i) * time.Minute).Format(time.RFC3339Nano),
			"sensor": "s-" + sig,
		}
	}

	file, err := f.writer.Write(context.Background(), "sensors", shard, sig, rows)
	require.NoError(t, err)

	schemaID := f.catalog.schema.ID

	_, err = f.manifests.PublishManifest(context.Background(), &storage.PublishRequest{
		DatasetID:       "ds-1",
		ManifestShard:   shard,
		SchemaVersionID: &schemaID,
		Partitions: append(currentPartitions(f, shard), &storage.DatasetPartition{
			DatasetID:          "ds-1",
			StorageTargetID:    "default",
			FileFormat:         file.Format,
			FilePath:           file.Path,
			FileSizeBytes:      &file.Size,
			RowCount:           &file.RowCount,
			StartTime:          end.Add(-time.Duration(rowCount) * time.Minute),
			EndTime:            end,
			IngestionSignature: &sig,
		}),
	})
	require.NoError(t, err)
}

func TestSchedulerReschedule(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	f := newLifecycleFixture(t)

	sched, err := NewScheduler(f.engine, []string{OpRetention})
	require.NoError(t, err)

	require.Error(t, sched.Reschedule("not a cron spec"))
	require.NoError(t, sched.Reschedule("0 * * * *"))
	require.Equal(t, "0 * * * *", sched.Schedule())
}
