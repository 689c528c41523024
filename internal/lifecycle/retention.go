package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/storage"
)

// applyRetention enforces the dataset's retention policy shard by shard.
// Partitions stay visible through the delete grace window: a partition is
// dropped only once it has both violated the policy and aged past grace.
func (e *Engine) applyRetention(ctx context.Context, dataset *storage.Dataset) (storage.JSONMap, error) {
	policy, err := e.catalog.GetRetentionPolicy(ctx, dataset.ID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return storage.JSONMap{"skipped": "no retention policy"}, nil
		}

		return nil, err
	}

	shards, err := e.manifest.Shards(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	dropped, reclaimed := 0, int64(0)

	for _, shard := range shards {
		n, bytes, err := e.retainShard(ctx, dataset, policy, shard)
		if err != nil {
			return nil, fmt.Errorf("retention on shard %s: %w", shard, err)
		}

		dropped += n
		reclaimed += bytes
	}

	return storage.JSONMap{
		"mode":              policy.Mode,
		"droppedPartitions": dropped,
		"reclaimedBytes":    reclaimed,
	}, nil
}

func (e *Engine) retainShard(ctx context.Context, dataset *storage.Dataset, policy *storage.RetentionPolicyRecord, shard string) (int, int64, error) {
	view, err := e.manifest.LatestView(ctx, dataset.ID, shard)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return 0, 0, nil
		}

		return 0, 0, err
	}

	now := time.Now().UTC()
	grace := time.Duration(policy.DeleteGraceMinutes) * time.Minute

	drop := map[string]*storage.DatasetPartition{}

	if (policy.Mode == "time" || policy.Mode == "hybrid") && policy.MaxAgeHours != nil {
		cutoff := now.Add(-time.Duration(*policy.MaxAgeHours) * time.Hour).Add(-grace)

		for _, p := range view.Partitions {
			if p.EndTime.Before(cutoff) {
				drop[p.ID] = p
			}
		}
	}

	if (policy.Mode == "size" || policy.Mode == "hybrid") && policy.MaxTotalBytes != nil {
		var total int64

		for _, p := range view.Partitions {
			if p.FileSizeBytes != nil {
				total += *p.FileSizeBytes
			}
		}

		// Oldest-first eviction, skipping partitions inside grace.
		ordered := append([]*storage.DatasetPartition{}, view.Partitions...)
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].EndTime.Before(ordered[j].EndTime)
		})

		graceCutoff := now.Add(-grace)

		for _, p := range ordered {
			if total <= *policy.MaxTotalBytes {
				break
			}

			if _, gone := drop[p.ID]; gone {
				continue
			}

			if p.EndTime.After(graceCutoff) {
				continue
			}

			drop[p.ID] = p

			if p.FileSizeBytes != nil {
				total -= *p.FileSizeBytes
			}
		}
	}

	if len(drop) == 0 {
		return 0, 0, nil
	}

	removeIDs := make([]string, 0, len(drop))

	var reclaimed int64

	for id, p := range drop {
		removeIDs = append(removeIDs, id)

		if p.FileSizeBytes != nil {
			reclaimed += *p.FileSizeBytes
		}
	}

	sort.Strings(removeIDs)

	_, err = e.manifest.Rewrite(ctx, &datasets.RewriteRequest{
		DatasetID:       dataset.ID,
		ManifestShard:   shard,
		SchemaVersionID: view.Manifest.SchemaVersionID,
		RemoveIDs:       removeIDs,
	})
	if err != nil {
		return 0, 0, err
	}

	e.audit(ctx, dataset.ID, "retention.drop", storage.JSONMap{
		"manifestShard":  shard,
		"mode":           policy.Mode,
		"partitionIds":   removeIDs,
		"reclaimedBytes": reclaimed,
	})

	for _, p := range drop {
		if err := e.writer.Delete(ctx, p.FilePath); err != nil {
			e.logger.Warn("failed to remove expired partition file",
				"path", p.FilePath, "error", err)
		}
	}

	return len(drop), reclaimed, nil
}
