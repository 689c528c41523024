package datasets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apphub-io/timestore/internal/config"
)

const defaultManifestCacheTTL = 5 * time.Minute

// ManifestCache is a Redis read-through cache for published manifest views.
// It is an accelerator, not an authority: callers treat every error as a
// miss and fall through to the metadata store.
type ManifestCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewManifestCache connects a manifest cache to Redis. TTL comes from
// APPHUB_MANIFEST_CACHE_TTL when set.
func NewManifestCache(client redis.UniversalClient) *ManifestCache {
	return &ManifestCache{
		client: client,
		ttl:    config.GetEnvDuration("APPHUB_MANIFEST_CACHE_TTL", defaultManifestCacheTTL),
	}
}

func manifestKey(datasetID, shard string) string {
	return fmt.Sprintf("ts:manifest:%s:%s", datasetID, shard)
}

func manifestIndexKey(datasetID string) string {
	return fmt.Sprintf("ts:manifest:%s:shards", datasetID)
}

// GetLatestPublished returns the cached view for a shard, or nil on a miss.
func (c *ManifestCache) GetLatestPublished(ctx context.Context, datasetID, shard string) (*ManifestView, error) {
	data, err := c.client.Get(ctx, manifestKey(datasetID, shard)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var view ManifestView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}

	return &view, nil
}

// Put stores a view and records the shard on the dataset's shard index so
// dataset-wide invalidation can find every cached key.
func (c *ManifestCache) Put(ctx context.Context, datasetID, shard string, view *ManifestView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, manifestKey(datasetID, shard), data, c.ttl)
	pipe.SAdd(ctx, manifestIndexKey(datasetID), shard)
	pipe.Expire(ctx, manifestIndexKey(datasetID), c.ttl)

	_, err = pipe.Exec(ctx)

	return err
}

// InvalidateShard drops one shard's cached view.
func (c *ManifestCache) InvalidateShard(ctx context.Context, datasetID, shard string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, manifestKey(datasetID, shard))
	pipe.SRem(ctx, manifestIndexKey(datasetID), shard)

	_, err := pipe.Exec(ctx)

	return err
}

// InvalidateDataset drops every cached shard of a dataset.
func (c *ManifestCache) InvalidateDataset(ctx context.Context, datasetID string) error {
	shards, err := c.client.SMembers(ctx, manifestIndexKey(datasetID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	keys := make([]string, 0, len(shards)+1)
	for _, shard := range shards {
		keys = append(keys, manifestKey(datasetID, shard))
	}

	keys = append(keys, manifestIndexKey(datasetID))

	return c.client.Del(ctx, keys...).Err()
}
