// Package datasets implements the manifest lifecycle over the metadata
// store: schema evolution, manifest publication, the Redis read-through
// manifest cache, and shard invalidation fan-out.
package datasets

import (
	"context"
	"log/slog"
	"os"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// ManifestStore is the slice of the metadata store the engine needs.
	// *storage.ManifestStore satisfies it.
	ManifestStore interface {
		PublishManifest(ctx context.Context, req *storage.PublishRequest) (*storage.DatasetManifest, error)
		GetLatestPublished(ctx context.Context, datasetID, shard string) (*storage.DatasetManifest, error)
		GetManifest(ctx context.Context, id string) (*storage.DatasetManifest, error)
		ListPartitions(ctx context.Context, manifestID string) ([]*storage.DatasetPartition, error)
		FindPartitionBySignature(ctx context.Context, datasetID, signature string) (*storage.DatasetPartition, error)
		ManifestShards(ctx context.Context, datasetID string) ([]string, error)
	}

	// Engine coordinates manifest reads and writes for one deployment.
	// Reads prefer the Redis cache; every successful publish invalidates
	// the written shard and notifies bus subscribers.
	Engine struct {
		manifests ManifestStore
		cache     *ManifestCache
		bus       *InvalidationBus
		logger    *slog.Logger
	}

	// ManifestView is a published manifest together with its partitions,
	// the unit served to the query planner and the cache.
	ManifestView struct {
		Manifest   *storage.DatasetManifest   `json:"manifest"`
		Partitions []*storage.DatasetPartition `json:"partitions"`
	}

	// AppendRequest adds partitions to a shard's manifest chain.
	AppendRequest struct {
		DatasetID       string
		ManifestShard   string
		SchemaVersionID *string
		Add             []*storage.DatasetPartition
		Summary         storage.JSONMap
		CreatedBy       *string
	}

	// RewriteRequest replaces a subset of a shard's partitions, used by
	// compaction and retention. RemoveIDs name partitions of the current
	// published manifest to drop; Add are their replacements.
	RewriteRequest struct {
		DatasetID       string
		ManifestShard   string
		SchemaVersionID *string
		RemoveIDs       []string
		Add             []*storage.DatasetPartition
		Summary         storage.JSONMap
		CreatedBy       *string
	}
)

// NewEngine wires a manifest engine. cache and bus may be nil; reads then
// always hit the store and invalidations are dropped.
func NewEngine(manifests ManifestStore, cache *ManifestCache, bus *InvalidationBus) *Engine {
	return &Engine{
		manifests: manifests,
		cache:     cache,
		bus:       bus,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// ShardFor derives the manifest shard for a partition key: the "date" entry
// when present, otherwise the default shard.
func ShardFor(partitionKey storage.JSONMap) string {
	if date, ok := partitionKey["date"].(string); ok && date != "" {
		return date
	}

	return "default"
}

// LatestView returns the published manifest and partitions for a shard,
// served from the cache when warm. A cache error is a miss, not a failure.
func (e *Engine) LatestView(ctx context.Context, datasetID, shard string) (*ManifestView, error) {
	if e.cache != nil {
		view, err := e.cache.GetLatestPublished(ctx, datasetID, shard)
		if err != nil {
			e.logger.Warn("manifest cache read failed, falling through",
				"datasetId", datasetID, "shard", shard, "error", err)
		} else if view != nil {
			return view, nil
		}
	}

	manifest, err := e.manifests.GetLatestPublished(ctx, datasetID, shard)
	if err != nil {
		return nil, err
	}

	partitions, err := e.manifests.ListPartitions(ctx, manifest.ID)
	if err != nil {
		return nil, err
	}

	view := &ManifestView{Manifest: manifest, Partitions: partitions}

	if e.cache != nil {
		if err := e.cache.Put(ctx, datasetID, shard, view); err != nil {
			e.logger.Warn("manifest cache write failed",
				"datasetId", datasetID, "shard", shard, "error", err)
		}
	}

	return view, nil
}

// Shards lists every manifest shard a dataset has published into.
func (e *Engine) Shards(ctx context.Context, datasetID string) ([]string, error) {
	return e.manifests.ManifestShards(ctx, datasetID)
}

// FindBySignature locates a live partition carrying an ingestion signature,
// used for idempotent ingestion short-circuits.
func (e *Engine) FindBySignature(ctx context.Context, datasetID, signature string) (*storage.DatasetPartition, error) {
	return e.manifests.FindPartitionBySignature(ctx, datasetID, signature)
}

// Append publishes a new manifest version carrying the current published
// partition set plus the added partitions. The carried set is resolved by
// the store under the shard publish lock, so concurrent appends to the same
// shard cannot drop each other's partitions.
func (e *Engine) Append(ctx context.Context, req *AppendRequest) (*storage.DatasetManifest, error) {
	if len(req.Add) == 0 {
		return nil, apperr.New(apperr.KindValidation, "append requires at least one partition")
	}

	return e.publish(ctx, &storage.PublishRequest{
		DatasetID:          req.DatasetID,
		ManifestShard:      req.ManifestShard,
		SchemaVersionID:    req.SchemaVersionID,
		CarryFromPublished: true,
		Partitions:         req.Add,
		Summary:            req.Summary,
		CreatedBy:          req.CreatedBy,
	})
}

// Rewrite publishes a new manifest version with RemoveIDs dropped and Add
// appended. Removing an id that is not in the published set is a conflict:
// the caller planned against a superseded manifest. The check runs inside
// the publish transaction against the set the shard lock protects.
func (e *Engine) Rewrite(ctx context.Context, req *RewriteRequest) (*storage.DatasetManifest, error) {
	return e.publish(ctx, &storage.PublishRequest{
		DatasetID:          req.DatasetID,
		ManifestShard:      req.ManifestShard,
		SchemaVersionID:    req.SchemaVersionID,
		CarryFromPublished: true,
		RemovePartitionIDs: req.RemoveIDs,
		Partitions:         req.Add,
		Summary:            req.Summary,
		CreatedBy:          req.CreatedBy,
	})
}

func (e *Engine) publish(ctx context.Context, req *storage.PublishRequest) (*storage.DatasetManifest, error) {
	// Added partition rows get fresh identity under the new manifest.
	for _, p := range req.Partitions {
		p.ID = ""
		p.ManifestID = ""
	}

	manifest, err := e.manifests.PublishManifest(ctx, req)
	if err != nil {
		return nil, err
	}

	e.invalidate(ctx, manifest.DatasetID, manifest.ManifestShard)

	e.logger.Info("manifest published",
		"datasetId", manifest.DatasetID, "shard", manifest.ManifestShard,
		"version", manifest.Version, "partitions", manifest.PartitionCount)

	return manifest, nil
}

// Invalidate drops a shard from the cache and notifies subscribers.
func (e *Engine) Invalidate(ctx context.Context, datasetID, shard string) {
	e.invalidate(ctx, datasetID, shard)
}

func (e *Engine) invalidate(ctx context.Context, datasetID, shard string) {
	if e.cache != nil {
		if err := e.cache.InvalidateShard(ctx, datasetID, shard); err != nil {
			e.logger.Warn("manifest cache invalidation failed",
				"datasetId", datasetID, "shard", shard, "error", err)
		}
	}

	if e.bus != nil {
		e.bus.Publish(InvalidationEvent{DatasetID: datasetID, ManifestShard: shard})
	}
}
