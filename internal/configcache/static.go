package configcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/teamy2/edgegate/config"
)

// StaticStore serves domain configs defined inline in the bootstrap file.
// It satisfies the Store interface for development and tests; production
// deployments replace it with the management plane's storage client.
type StaticStore struct {
	mu     sync.RWMutex
	active map[string]*config.GlobalConfig
}

// NewStaticStore indexes the given configs by normalized domain, keeping
// only active ones. Bootstrap validation guarantees at most one active
// config per domain.
func NewStaticStore(configs []config.GlobalConfig) *StaticStore {
	s := &StaticStore{}
	s.Replace(configs)
	return s
}

// Replace swaps in a new config set, for bootstrap hot reload.
func (s *StaticStore) Replace(configs []config.GlobalConfig) {
	active := make(map[string]*config.GlobalConfig, len(configs))
	for i := range configs {
		if configs[i].Status != config.StatusActive {
			continue
		}
		cfg := configs[i]
		active[config.NormalizeDomain(cfg.Domain)] = &cfg
	}
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// GetActiveConfig returns the active config for a domain.
func (s *StaticStore) GetActiveConfig(_ context.Context, domain string) (*config.GlobalConfig, error) {
	s.mu.RLock()
	cfg, ok := s.active[config.NormalizeDomain(domain)]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("no active config for domain %q", domain)
}
