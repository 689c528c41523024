package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/apphub-io/timestore/internal/apperr"
)

// BundleStore persists bundle namespaces and published bundle versions.
//
// Published (slug, version) pairs are immutable: re-publishing with the same
// checksum is idempotent, a different checksum fails with kind duplicate.
type BundleStore struct {
	conn *Connection
}

// NewBundleStore creates a PostgreSQL-backed bundle store.
func NewBundleStore(conn *Connection) (*BundleStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &BundleStore{conn: conn}, nil
}

const bundleVersionColumns = `
	id, bundle_id, slug, version, manifest, checksum, capability_flags,
	artifact_storage, artifact_path, artifact_size, immutable, status,
	published_by, created_at, updated_at
`

// PublishVersion records a bundle version transactionally, creating the slug
// namespace row on first publish.
//
// Immutability contract:
//   - identical checksum for an existing (slug, version): returns the stored
//     row unchanged (idempotent publish)
//   - different checksum: kind duplicate
func (s *BundleStore) PublishVersion(ctx context.Context, v *BundleVersion) (*BundleVersion, error) {
	if v == nil || v.Slug == "" || v.Version == "" {
		return nil, apperr.New(apperr.KindValidation, "bundle slug and version are required")
	}

	if v.Checksum == "" {
		return nil, apperr.New(apperr.KindValidation, "bundle checksum is required")
	}

	var stored *BundleVersion

	err := s.conn.WithTx(ctx, func(tx *sql.Tx) error {
		var bundleID string

		err := tx.QueryRowContext(ctx, `
			INSERT INTO bundles (id, slug, display_name, metadata)
			VALUES ($1, $2, $2, '{}')
			ON CONFLICT (slug) DO UPDATE SET updated_at = NOW()
			RETURNING id`,
			uuid.NewString(), v.Slug).Scan(&bundleID)
		if err != nil {
			return fmt.Errorf("ensure bundle namespace: %w", err)
		}

		existing, err := scanBundleVersion(tx.QueryRowContext(ctx,
			`SELECT `+bundleVersionColumns+` FROM bundle_versions WHERE slug = $1 AND version = $2`,
			v.Slug, v.Version))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check existing version: %w", err)
		}

		if existing != nil {
			if existing.Checksum == v.Checksum {
				stored = existing

				return nil
			}

			return apperr.Newf(apperr.KindDuplicate,
				"bundle %s@%s already published with a different checksum", v.Slug, v.Version).
				WithProperty("existingChecksum", existing.Checksum).
				WithProperty("submittedChecksum", v.Checksum)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO bundle_versions (
				id, bundle_id, slug, version, manifest, checksum, capability_flags,
				artifact_storage, artifact_path, artifact_size, immutable, status, published_by
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, 'published', $11)
			RETURNING `+bundleVersionColumns,
			uuid.NewString(), bundleID, v.Slug, v.Version, v.Manifest, v.Checksum,
			pq.Array(v.CapabilityFlags), v.ArtifactStorage, v.ArtifactPath,
			v.ArtifactSize, v.PublishedBy)

		stored, err = scanBundleVersion(row)
		if err != nil {
			return translateWriteError(err, "bundle version")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// ResolveVersion loads a bundle version by (slug, version).
func (s *BundleStore) ResolveVersion(ctx context.Context, slug, version string) (*BundleVersion, error) {
	query := `SELECT ` + bundleVersionColumns + ` FROM bundle_versions WHERE slug = $1 AND version = $2`

	v, err := scanBundleVersion(s.conn.QueryRowContext(ctx, query, slug, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}

	if err != nil {
		return nil, fmt.Errorf("resolve bundle version: %w", err)
	}

	return v, nil
}

// LatestVersion loads the most recently published version of a slug.
func (s *BundleStore) LatestVersion(ctx context.Context, slug string) (*BundleVersion, error) {
	query := `SELECT ` + bundleVersionColumns + ` FROM bundle_versions
		WHERE slug = $1 AND status = 'published'
		ORDER BY created_at DESC LIMIT 1`

	v, err := scanBundleVersion(s.conn.QueryRowContext(ctx, query, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindBundleNotFound, "bundle %s has no published versions", slug)
	}

	if err != nil {
		return nil, fmt.Errorf("load latest bundle version: %w", err)
	}

	return v, nil
}

// ListVersions returns all versions of a slug, newest first.
func (s *BundleStore) ListVersions(ctx context.Context, slug string) ([]*BundleVersion, error) {
	query := `SELECT ` + bundleVersionColumns + ` FROM bundle_versions
		WHERE slug = $1 ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, slug)
	if err != nil {
		return nil, fmt.Errorf("list bundle versions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var versions []*BundleVersion

	for rows.Next() {
		v, err := scanBundleVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bundle version: %w", err)
		}

		versions = append(versions, v)
	}

	return versions, rows.Err()
}

// GetBundle loads a bundle namespace by slug.
func (s *BundleStore) GetBundle(ctx context.Context, slug string) (*Bundle, error) {
	query := `SELECT id, slug, display_name, metadata, created_at, updated_at FROM bundles WHERE slug = $1`

	var b Bundle

	row := s.conn.QueryRowContext(ctx, query, slug)

	err := row.Scan(&b.ID, &b.Slug, &b.DisplayName, &b.Metadata, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindBundleNotFound, "bundle %s not found", slug)
	}

	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}

	return &b, nil
}

// DeprecateVersion marks a published version deprecated. Deprecation is the
// only sanctioned mutation of a published version.
func (s *BundleStore) DeprecateVersion(ctx context.Context, slug, version string) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE bundle_versions SET status = 'deprecated', updated_at = NOW()
		WHERE slug = $1 AND version = $2`, slug, version)
	if err != nil {
		return translateWriteError(err, "bundle version")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperr.Newf(apperr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}

	return nil
}

func scanBundleVersion(row scanner) (*BundleVersion, error) {
	var v BundleVersion

	err := row.Scan(&v.ID, &v.BundleID, &v.Slug, &v.Version, &v.Manifest,
		&v.Checksum, pq.Array(&v.CapabilityFlags), &v.ArtifactStorage,
		&v.ArtifactPath, &v.ArtifactSize, &v.Immutable, &v.Status,
		&v.PublishedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &v, nil
}
