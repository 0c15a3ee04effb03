// Package expertise provides the Expertise Pack collaborator referenced by
// the Lead Orchestrator and Sub-agent Spawner (spec §4.8/§4.9): a read-only,
// per-domain bundle of mental models, key files, and patterns used to enrich
// a sub-agent's prompt. Packs are authored as YAML files on disk, one per
// domain, grounded on the teacher's yaml.v3 config-loading convention
// (internal/config).
package expertise

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kandev/kandev/internal/kernelerrors"
	"github.com/kandev/kandev/pkg/api"
)

// Provider resolves a domain tag to its Expertise Pack, or nil if the
// domain has no registered pack. Implementations must be safe to call
// from the Lead Orchestrator's fan-out goroutines.
type Provider interface {
	Pack(domain string) *api.ExpertisePack
}

// Store is a file-backed Provider: one `<domain>.yaml` file per domain
// under root, loaded lazily and cached in memory.
type Store struct {
	root string

	mu    sync.RWMutex
	cache map[string]*api.ExpertisePack
}

// NewStore constructs a Store rooted at dir. The directory need not exist
// yet; Pack simply returns nil for any domain with no matching file.
func NewStore(dir string) *Store {
	return &Store{root: dir, cache: make(map[string]*api.ExpertisePack)}
}

// Pack implements Provider.
func (s *Store) Pack(domain string) *api.ExpertisePack {
	if domain == "" {
		return nil
	}

	s.mu.RLock()
	if p, ok := s.cache[domain]; ok {
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	pack, err := s.load(domain)
	if err != nil {
		pack = nil
	}

	s.mu.Lock()
	s.cache[domain] = pack
	s.mu.Unlock()
	return pack
}

func (s *Store) load(domain string) (*api.ExpertisePack, error) {
	path := filepath.Join(s.root, domain+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kernelerrors.Wrap(kernelerrors.IO, "read expertise pack", err)
	}

	var pack api.ExpertisePack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return nil, kernelerrors.Wrap(kernelerrors.Validation, "parse expertise pack", err)
	}
	if pack.Domain == "" {
		pack.Domain = domain
	}
	return &pack, nil
}

// Invalidate drops a cached pack so the next Pack call re-reads it from
// disk. Used by operators hot-editing a pack during development.
func (s *Store) Invalidate(domain string) {
	s.mu.Lock()
	delete(s.cache, domain)
	s.mu.Unlock()
}

// Domains lists every domain with a pack file on disk, for the kernel to
// populate Classification's `available` argument.
func (s *Store) Domains() []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		out = append(out, e.Name()[:len(e.Name())-len(ext)])
	}
	return out
}
