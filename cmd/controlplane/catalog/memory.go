package catalog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCatalog is an in-memory package index for tests and standalone
// workers.
type MemoryCatalog struct {
	mu       sync.RWMutex
	packages map[string]*PackageInfo
	tags     map[string]string
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		packages: make(map[string]*PackageInfo),
		tags:     make(map[string]string),
	}
}

// Add indexes a package entry, replacing any previous one.
func (c *MemoryCatalog) Add(info *PackageInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages[info.Name+"@"+info.Version] = info
}

// SetDistTag points a floating tag at a version.
func (c *MemoryCatalog) SetDistTag(name, tag, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[name+"#"+tag] = version
}

// Resolve returns the entry for an exact name/version.
func (c *MemoryCatalog) Resolve(ctx context.Context, name, version string) (*PackageInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.packages[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", name, version, ErrPackageNotFound)
	}
	return info, nil
}

// DistTag returns the version a tag points at.
func (c *MemoryCatalog) DistTag(ctx context.Context, name, tag string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	version, ok := c.tags[name+"#"+tag]
	if !ok {
		return "", fmt.Errorf("%s#%s: %w", name, tag, ErrPackageNotFound)
	}
	return version, nil
}
