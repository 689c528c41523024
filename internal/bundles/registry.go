package bundles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/storage"
)

// Registry publishes and resolves bundle versions. Artifacts live in the
// object store under content-addressed keys; version rows live in the
// metadata store.
type Registry struct {
	store   *storage.BundleStore
	objects objstore.Driver
	logger  *slog.Logger
}

// NewRegistry wires the metadata store and the artifact object store.
func NewRegistry(store *storage.BundleStore, objects objstore.Driver) *Registry {
	return &Registry{
		store:   store,
		objects: objects,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// PublishInput carries a bundle artifact and its declared metadata.
type PublishInput struct {
	Slug            string
	Version         string
	Manifest        storage.JSONMap
	CapabilityFlags []string
	PublishedBy     *string
	Archive         io.Reader
}

// ArtifactKey is the content-addressed object key for a checksum.
func ArtifactKey(checksum string) string {
	return fmt.Sprintf("bundles/%s/%s.tgz", checksum[:2], checksum)
}

// Publish stores the archive under its content address and records the
// version row. Re-publishing an identical archive is idempotent; a different
// archive for an existing (slug, version) fails with kind duplicate.
func (r *Registry) Publish(ctx context.Context, in PublishInput) (*storage.BundleVersion, error) {
	// Spool to a temp file so the archive can be hashed and then uploaded.
	tmp, err := os.CreateTemp("", "bundle-publish-*")
	if err != nil {
		return nil, fmt.Errorf("spool bundle archive: %w", err)
	}

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()

	size, err := io.Copy(io.MultiWriter(tmp, hasher), in.Archive)
	if err != nil {
		return nil, fmt.Errorf("read bundle archive: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	key := ArtifactKey(checksum)

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind bundle archive: %w", err)
	}

	if err := r.objects.Put(ctx, key, tmp, size); err != nil {
		return nil, fmt.Errorf("store bundle artifact: %w", err)
	}

	version, err := r.store.PublishVersion(ctx, &storage.BundleVersion{
		Slug:            in.Slug,
		Version:         in.Version,
		Manifest:        in.Manifest,
		Checksum:        checksum,
		CapabilityFlags: in.CapabilityFlags,
		ArtifactStorage: r.objects.Name(),
		ArtifactPath:    key,
		ArtifactSize:    size,
		PublishedBy:     in.PublishedBy,
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("bundle published",
		"slug", version.Slug, "version", version.Version,
		"checksum", checksum, "size", size)

	return version, nil
}

// Resolve loads a version row by (slug, version).
func (r *Registry) Resolve(ctx context.Context, slug, version string) (*storage.BundleVersion, error) {
	return r.store.ResolveVersion(ctx, slug, version)
}

// Latest loads the newest published version of a slug.
func (r *Registry) Latest(ctx context.Context, slug string) (*storage.BundleVersion, error) {
	return r.store.LatestVersion(ctx, slug)
}

// ListVersions lists all versions of a slug, newest first.
func (r *Registry) ListVersions(ctx context.Context, slug string) ([]*storage.BundleVersion, error) {
	return r.store.ListVersions(ctx, slug)
}

// SuggestNextVersion computes the next patch version after the latest
// published one, or 0.0.1 for a new slug.
func (r *Registry) SuggestNextVersion(ctx context.Context, slug string) (string, error) {
	latest, err := r.store.LatestVersion(ctx, slug)
	if err != nil {
		if apperr.IsKind(err, apperr.KindBundleNotFound) {
			return NextVersion("")
		}

		return "", err
	}

	return NextVersion(latest.Version)
}

// Deprecate marks a published version deprecated.
func (r *Registry) Deprecate(ctx context.Context, slug, version string) error {
	return r.store.DeprecateVersion(ctx, slug, version)
}

// OpenArtifact streams the stored archive for a version row.
func (r *Registry) OpenArtifact(ctx context.Context, v *storage.BundleVersion) (io.ReadCloser, error) {
	return r.objects.Get(ctx, v.ArtifactPath)
}
