package datasets

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

type fakeManifestStore struct {
	mu        sync.Mutex
	published map[string]*ManifestView // key datasetID/shard
	publishes []*storage.PublishRequest
}

func newFakeManifestStore() *fakeManifestStore {
	return &fakeManifestStore{published: make(map[string]*ManifestView)}
}

func viewKey(datasetID, shard string) string { return datasetID + "/" + shard }

// PublishManifest mirrors the store's publish procedure: the carried set is
// resolved from the published view under the same lock that installs the
// new version.
func (s *fakeManifestStore) PublishManifest(_ context.Context, req *storage.PublishRequest) (*storage.DatasetManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publishes = append(s.publishes, req)

	shard := req.ManifestShard
	if shard == "" {
		shard = "default"
	}

	version := 1

	var carried []*storage.DatasetPartition

	if prev, ok := s.published[viewKey(req.DatasetID, shard)]; ok {
		version = prev.Manifest.Version + 1

		if req.CarryFromPublished {
			carried = prev.Partitions
		}
	}

	drop := make(map[string]bool, len(req.RemovePartitionIDs))
	for _, id := range req.RemovePartitionIDs {
		drop[id] = false
	}

	kept := make([]*storage.DatasetPartition, 0, len(carried)+len(req.Partitions))

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

	all := append(kept, req.Partitions...)

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
		clone.ID = fmt.Sprintf("p-%s-%d-%d", shard, version, i)
		clone.ManifestID = manifest.ID
		partitions[i] = &clone
	}

	s.published[viewKey(req.DatasetID, shard)] = &ManifestView{Manifest: manifest, Partitions: partitions}

	return manifest, nil
}

func (s *fakeManifestStore) GetLatestPublished(_ context.Context, datasetID, shard string) (*storage.DatasetManifest, error) {
	view, ok := s.published[viewKey(datasetID, shard)]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "no published manifest for %s/%s", datasetID, shard)
	}

	return view.Manifest, nil
}

func (s *fakeManifestStore) GetManifest(_ context.Context, id string) (*storage.DatasetManifest, error) {
	for _, view := range s.published {
		if view.Manifest.ID == id {
			return view.Manifest, nil
		}
	}

	return nil, apperr.Newf(apperr.KindNotFound, "manifest %s not found", id)
}

func (s *fakeManifestStore) ListPartitions(_ context.Context, manifestID string) ([]*storage.DatasetPartition, error) {
	for _, view := range s.published {
		if view.Manifest.ID == manifestID {
			return view.Partitions, nil
		}
	}

	return nil, nil
}

func (s *fakeManifestStore) FindPartitionBySignature(_ context.Context, datasetID, signature string) (*storage.DatasetPartition, error) {
	for _, view := range s.published {
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

func (s *fakeManifestStore) ManifestShards(_ context.Context, datasetID string) ([]string, error) {
	var shards []string

	for _, view := range s.published {
		if view.Manifest.DatasetID == datasetID {
			shards = append(shards, view.Manifest.ManifestShard)
		}
	}

	return shards, nil
}

func testPartition(sig string) *storage.DatasetPartition {
	now := time.Now().UTC().Truncate(time.Second)

	return &storage.DatasetPartition{
		DatasetID:          "ds-1",
		FileFormat:         "parquet",
		FilePath:           "datasets/ds-1/" + sig + ".parquet",
		StartTime:          now.Add(-time.Hour),
		EndTime:            now,
		IngestionSignature: &sig,
	}
}

func TestShardFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.Equal(t, "2026-08-24", ShardFor(storage.JSONMap{"date": "2026-08-24"}))
	require.Equal(t, "default", ShardFor(storage.JSONMap{"region": "eu"}))
	require.Equal(t, "default", ShardFor(nil))
}

func TestAppendCarriesPublishedPartitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeManifestStore()
	engine := NewEngine(store, nil, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add:           []*storage.DatasetPartition{testPartition("sig-1")},
	})
	require.NoError(t, err)

	manifest, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add:           []*storage.DatasetPartition{testPartition("sig-2")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, manifest.Version)
	require.Equal(t, 2, manifest.PartitionCount)
}

func TestAppendDefersCarryToPublish(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeManifestStore()
	engine := NewEngine(store, nil, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add:           []*storage.DatasetPartition{testPartition("sig-1")},
	})
	require.NoError(t, err)

	// The engine must not pre-read the published set: the publish request
	// names only the added partitions and delegates carrying to the store.
	require.Len(t, store.publishes, 1)
	require.True(t, store.publishes[0].CarryFromPublished)
	require.Len(t, store.publishes[0].Partitions, 1)
}

func TestConcurrentAppendsKeepAllPartitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeManifestStore()
	engine := NewEngine(store, nil, nil)

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, errs[i] = engine.Append(context.Background(), &AppendRequest{
				DatasetID:     "ds-1",
				ManifestShard: "default",
				Add:           []*storage.DatasetPartition{testPartition(fmt.Sprintf("sig-%d", i))},
			})
		}(i)
	}

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Neither append may supersede the other's partition away.
	view := store.published[viewKey("ds-1", "default")]
	require.Len(t, view.Partitions, 2)
	require.Equal(t, 2, view.Manifest.Version)
}

func TestAppendRequiresPartitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(newFakeManifestStore(), nil, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{DatasetID: "ds-1"})
	require.Error(t, err)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRewriteDropsAndReplaces(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeManifestStore()
	engine := NewEngine(store, nil, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add: []*storage.DatasetPartition{
			testPartition("sig-1"),
			testPartition("sig-2"),
		},
	})
	require.NoError(t, err)

	view := store.published[viewKey("ds-1", "default")]

	manifest, err := engine.Rewrite(context.Background(), &RewriteRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		RemoveIDs:     []string{view.Partitions[0].ID, view.Partitions[1].ID},
		Add:           []*storage.DatasetPartition{testPartition("sig-merged")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, manifest.PartitionCount)
}

func TestRewriteRejectsStalePlan(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newFakeManifestStore()
	engine := NewEngine(store, nil, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add:           []*storage.DatasetPartition{testPartition("sig-1")},
	})
	require.NoError(t, err)

	_, err = engine.Rewrite(context.Background(), &RewriteRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		RemoveIDs:     []string{"not-in-manifest"},
	})
	require.Error(t, err)
	require.Equal(t, apperr.KindConcurrentUpdate, apperr.KindOf(err))
}

func TestLatestViewUsesCache(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewManifestCache(client)

	store := newFakeManifestStore()
	engine := NewEngine(store, cache, nil)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "default",
		Add:           []*storage.DatasetPartition{testPartition("sig-1")},
	})
	require.NoError(t, err)

	// First read warms the cache.
	view, err := engine.LatestView(context.Background(), "ds-1", "default")
	require.NoError(t, err)
	require.Len(t, view.Partitions, 1)
	require.True(t, srv.Exists("ts:manifest:ds-1:default"))

	// Mutate the store behind the cache: the cached view must win.
	delete(store.published, viewKey("ds-1", "default"))

	cached, err := engine.LatestView(context.Background(), "ds-1", "default")
	require.NoError(t, err)
	require.Equal(t, view.Manifest.Version, cached.Manifest.Version)
}

func TestPublishInvalidatesCacheAndBus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewManifestCache(client)
	bus := NewInvalidationBus()

	events, cancel := bus.Subscribe(4)
	defer cancel()

	store := newFakeManifestStore()
	engine := NewEngine(store, cache, bus)

	_, err := engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "2026-08-24",
		Add:           []*storage.DatasetPartition{testPartition("sig-1")},
	})
	require.NoError(t, err)

	// Warm then republish: the shard key must be gone again.
	_, err = engine.LatestView(context.Background(), "ds-1", "2026-08-24")
	require.NoError(t, err)

	_, err = engine.Append(context.Background(), &AppendRequest{
		DatasetID:     "ds-1",
		ManifestShard: "2026-08-24",
		Add:           []*storage.DatasetPartition{testPartition("sig-2")},
	})
	require.NoError(t, err)
	require.False(t, srv.Exists("ts:manifest:ds-1:2026-08-24"))

	event := <-events
	require.Equal(t, "ds-1", event.DatasetID)
	require.Equal(t, "2026-08-24", event.ManifestShard)
}

func TestInvalidateDatasetDropsAllShards(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := NewManifestCache(client)

	view := &ManifestView{Manifest: &storage.DatasetManifest{ID: "m-1", DatasetID: "ds-1", Version: 1}}

	require.NoError(t, cache.Put(context.Background(), "ds-1", "a", view))
	require.NoError(t, cache.Put(context.Background(), "ds-1", "b", view))

	require.NoError(t, cache.InvalidateDataset(context.Background(), "ds-1"))
	require.False(t, srv.Exists("ts:manifest:ds-1:a"))
	require.False(t, srv.Exists("ts:manifest:ds-1:b"))
}

func TestCheckEvolution(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := []storage.SchemaField{
		{Name: "ts", Type: "timestamp"},
		{Name: "value", Type: "integer"},
	}

	tests := []struct {
		name        string
		proposed    []storage.SchemaField
		wantChanged bool
		wantErr     bool
	}{
		{
			name:        "identical",
			proposed:    base,
			wantChanged: false,
		},
		{
			name: "add nullable field",
			proposed: append(append([]storage.SchemaField{}, base...),
				storage.SchemaField{Name: "note", Type: "string", Nullable: true}),
			wantChanged: true,
		},
		{
			name: "add non-nullable field",
			proposed: append(append([]storage.SchemaField{}, base...),
				storage.SchemaField{Name: "note", Type: "string"}),
			wantErr: true,
		},
		{
			name: "widen integer to double",
			proposed: []storage.SchemaField{
				{Name: "ts", Type: "timestamp"},
				{Name: "value", Type: "double"},
			},
			wantChanged: true,
		},
		{
			name: "incompatible type change",
			proposed: []storage.SchemaField{
				{Name: "ts", Type: "timestamp"},
				{Name: "value", Type: "boolean"},
			},
			wantErr: true,
		},
		{
			name: "drop field",
			proposed: []storage.SchemaField{
				{Name: "ts", Type: "timestamp"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := CheckEvolution(base, tt.proposed)
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, apperr.KindSchemaIncompatible, apperr.KindOf(err))

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestValidateFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.Error(t, ValidateFields(nil))
	require.Error(t, ValidateFields([]storage.SchemaField{{Name: "a", Type: "string"}}))
	require.Error(t, ValidateFields([]storage.SchemaField{
		{Name: "ts", Type: "timestamp"},
		{Name: "ts", Type: "timestamp"},
	}))
	require.Error(t, ValidateFields([]storage.SchemaField{{Name: "ts", Type: "datetime"}}))
	require.NoError(t, ValidateFields([]storage.SchemaField{
		{Name: "ts", Type: "timestamp"},
		{Name: "v", Type: "double", Nullable: true},
	}))
}
