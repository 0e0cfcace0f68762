package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/weftlabs/weft/cmd/controlplane/catalog"
	"github.com/weftlabs/weft/common/db"
)

// PackageRepository reads the package index the publishing pipeline
// maintains. The control plane only resolves; it never writes these tables.
type PackageRepository struct {
	db *db.DB
}

var _ catalog.PackageCatalog = (*PackageRepository)(nil)

// NewPackageRepository creates a new package index repository
func NewPackageRepository(database *db.DB) *PackageRepository {
	return &PackageRepository{db: database}
}

// Resolve returns the indexed package at an exact version
func (r *PackageRepository) Resolve(ctx context.Context, name, version string) (*catalog.PackageInfo, error) {
	query := `
		SELECT name, version, source, manifest, archive_sha256, archive_size
		FROM package_index
		WHERE name = $1 AND version = $2
	`

	info := &catalog.PackageInfo{}
	var manifest []byte
	err := r.db.QueryRow(ctx, query, name, version).Scan(
		&info.Name,
		&info.Version,
		&info.Source,
		&manifest,
		&info.ArchiveSHA256,
		&info.ArchiveSize,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("package %s@%s: %w", name, version, catalog.ErrPackageNotFound)
		}
		return nil, fmt.Errorf("failed to resolve package: %w", err)
	}
	if len(manifest) > 0 {
		info.Manifest = json.RawMessage(manifest)
	}

	return info, nil
}

// DistTag returns the version a dist tag points at
func (r *PackageRepository) DistTag(ctx context.Context, name, tag string) (string, error) {
	query := `
		SELECT version
		FROM package_dist_tags
		WHERE name = $1 AND tag = $2
	`

	var version string
	err := r.db.QueryRow(ctx, query, name, tag).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("dist tag %s#%s: %w", name, tag, catalog.ErrPackageNotFound)
		}
		return "", fmt.Errorf("failed to resolve dist tag: %w", err)
	}

	return version, nil
}
