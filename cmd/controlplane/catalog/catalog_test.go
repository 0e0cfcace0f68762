package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/weftlabs/weft/cmd/controlplane/dispatch"
	"github.com/weftlabs/weft/common/model"
)

var _ dispatch.PackageResolver = (*Resolver)(nil)
var _ PackageCatalog = (*MemoryCatalog)(nil)

func etlPackage(version string) *PackageInfo {
	return &PackageInfo{
		Name:          "etl",
		Version:       version,
		Source:        "registry.internal",
		Manifest:      json.RawMessage(`{"resources":["oci://etl/model.bin","oci://etl/vocab.txt"]}`),
		ArchiveSHA256: "deadbeef",
		ArchiveSize:   2048,
	}
}

func TestMemoryCatalogResolve(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.Add(etlPackage("1.2.0"))
	ctx := context.Background()

	info, err := cat.Resolve(ctx, "etl", "1.2.0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if info.ArchiveSHA256 != "deadbeef" || info.ArchiveSize != 2048 {
		t.Fatalf("info = %+v", info)
	}

	if _, err := cat.Resolve(ctx, "etl", "9.9.9"); !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("err = %v, want ErrPackageNotFound", err)
	}
	if _, err := cat.DistTag(ctx, "etl", "stable"); !errors.Is(err, ErrPackageNotFound) {
		t.Fatalf("err = %v, want ErrPackageNotFound", err)
	}

	cat.SetDistTag("etl", "stable", "1.2.0")
	version, err := cat.DistTag(ctx, "etl", "stable")
	if err != nil || version != "1.2.0" {
		t.Fatalf("DistTag = %q, %v", version, err)
	}
}

func TestResourceRefs(t *testing.T) {
	info := etlPackage("1.0.0")
	want := []string{"oci://etl/model.bin", "oci://etl/vocab.txt"}
	if got := info.ResourceRefs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("refs = %v, want %v", got, want)
	}

	info.Manifest = json.RawMessage(`{"entry":"main.wasm"}`)
	if got := info.ResourceRefs(); got != nil {
		t.Fatalf("refs = %v, want none", got)
	}
	info.Manifest = nil
	if got := info.ResourceRefs(); got != nil {
		t.Fatalf("refs = %v, want none", got)
	}
}

func TestResolverExactVersion(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.Add(etlPackage("1.2.0"))
	r := &Resolver{Catalog: cat}

	refs, err := r.ResourceRefs(context.Background(), model.PackageRef{Name: "etl", Version: "1.2.0"})
	if err != nil {
		t.Fatalf("ResourceRefs failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want 2", refs)
	}
}

func TestResolverFollowsDistTag(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.Add(etlPackage("1.2.0"))
	cat.SetDistTag("etl", "stable", "1.2.0")
	r := &Resolver{Catalog: cat}

	refs, err := r.ResourceRefs(context.Background(), model.PackageRef{Name: "etl", Version: "stable"})
	if err != nil {
		t.Fatalf("ResourceRefs failed: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want 2", refs)
	}
}

func TestResolverUnknownPackageYieldsNoRefs(t *testing.T) {
	r := &Resolver{Catalog: NewMemoryCatalog()}

	refs, err := r.ResourceRefs(context.Background(), model.PackageRef{Name: "ghost", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("ResourceRefs failed: %v", err)
	}
	if refs != nil {
		t.Fatalf("refs = %v, want none", refs)
	}
}

func TestResolverDanglingDistTag(t *testing.T) {
	cat := NewMemoryCatalog()
	cat.SetDistTag("etl", "stable", "2.0.0")
	r := &Resolver{Catalog: cat}

	// Tag points at a version the index no longer carries.
	refs, err := r.ResourceRefs(context.Background(), model.PackageRef{Name: "etl", Version: "stable"})
	if err != nil {
		t.Fatalf("ResourceRefs failed: %v", err)
	}
	if refs != nil {
		t.Fatalf("refs = %v, want none", refs)
	}
}
