// Package catalog resolves workflow package references against the package
// index. The control plane consumes it read-only: dispatch payloads carry
// resource refs for worker prefetch, and dist-tags let snapshots pin a
// floating version.
package catalog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/weftlabs/weft/common/model"
)

// ErrPackageNotFound marks a name/version (or dist-tag) with no index entry.
var ErrPackageNotFound = errors.New("package not found")

// PackageInfo is one package_index entry.
type PackageInfo struct {
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Source        string          `json:"source,omitempty"`
	Manifest      json.RawMessage `json:"manifest,omitempty"`
	ArchiveSHA256 string          `json:"archive_sha256,omitempty"`
	ArchiveSize   int64           `json:"archive_size,omitempty"`
}

// ResourceRefs lists the prefetchable artifact refs the manifest declares.
func (i *PackageInfo) ResourceRefs() []string {
	if len(i.Manifest) == 0 {
		return nil
	}
	resources := gjson.GetBytes(i.Manifest, "resources")
	if !resources.IsArray() {
		return nil
	}
	var refs []string
	resources.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String && value.Str != "" {
			refs = append(refs, value.Str)
		}
		return true
	})
	return refs
}

// PackageCatalog is the read surface over the package index. Misses return
// ErrPackageNotFound (wrapped).
type PackageCatalog interface {
	// Resolve returns the entry for an exact name/version.
	Resolve(ctx context.Context, name, version string) (*PackageInfo, error)
	// DistTag returns the version a floating tag currently points at.
	DistTag(ctx context.Context, name, tag string) (string, error)
}

// Resolver adapts a catalog to the dispatcher: it turns a package ref into
// the resource refs workers prefetch. A version that is not in the index is
// retried as a dist-tag, so snapshots may pin "stable" instead of a number.
type Resolver struct {
	Catalog PackageCatalog
}

// ResourceRefs resolves the ref's manifest resources. An unknown package
// yields no refs and no error: the selected worker already advertises the
// package, refs only warm cold caches.
func (r *Resolver) ResourceRefs(ctx context.Context, pkg model.PackageRef) ([]string, error) {
	info, err := r.Catalog.Resolve(ctx, pkg.Name, pkg.Version)
	if errors.Is(err, ErrPackageNotFound) {
		version, terr := r.Catalog.DistTag(ctx, pkg.Name, pkg.Version)
		if errors.Is(terr, ErrPackageNotFound) {
			return nil, nil
		}
		if terr != nil {
			return nil, terr
		}
		info, err = r.Catalog.Resolve(ctx, pkg.Name, version)
		if errors.Is(err, ErrPackageNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return info.ResourceRefs(), nil
}
