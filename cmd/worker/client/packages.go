package client

import (
	"sort"
	"sync"
)

// PackageSet is the worker's local view of installed package bundles,
// keyed by "name@version" refs. The gateway keeps its own copy in the
// worker catalogue; admin commands mutate both in step.
type PackageSet struct {
	mu   sync.Mutex
	refs map[string]struct{}
}

func NewPackageSet(refs ...string) *PackageSet {
	s := &PackageSet{refs: make(map[string]struct{}, len(refs))}
	for _, r := range refs {
		if r != "" {
			s.refs[r] = struct{}{}
		}
	}
	return s
}

func (s *PackageSet) Has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refs[ref]
	return ok
}

func (s *PackageSet) Install(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref] = struct{}{}
}

// Uninstall removes ref and reports whether it was present.
func (s *PackageSet) Uninstall(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[ref]; !ok {
		return false
	}
	delete(s.refs, ref)
	return true
}

func (s *PackageSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs))
	for r := range s.refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
