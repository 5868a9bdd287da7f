// Package configcache loads per-domain gateway configuration from storage
// and caches it in the shared KV store with a short TTL. Every failure on
// the read path degrades rather than denies: KV errors are treated as cache
// misses and storage errors yield a fallback config with no backends.
package configcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/kv"
	"github.com/teamy2/edgegate/internal/logging"
)

const (
	keyPrefix = "lb:config:"
	cacheTTL  = 60 * time.Second

	// The in-process hot layer sits in front of the KV cache so steady
	// traffic for one domain costs one KV round trip per 5s, not per request.
	hotTTL  = 5 * time.Second
	hotSize = 512
)

// Store is the persistent configuration storage the loader reads through.
// The management plane owns writes; the gateway only ever asks for the
// active snapshot.
type Store interface {
	GetActiveConfig(ctx context.Context, domain string) (*config.GlobalConfig, error)
}

// Loader resolves the active config for a domain.
type Loader struct {
	store       Store
	kv          kv.Client
	hot         *expirable.LRU[string, *config.GlobalConfig]
	kvWarn      *logging.Throttled
	loadWarn    *logging.Throttled
	onKVFailure func()
}

// New creates a Loader over the given storage and KV client.
func New(store Store, kvc kv.Client) *Loader {
	return &Loader{
		store:    store,
		kv:       kvc,
		hot:      expirable.NewLRU[string, *config.GlobalConfig](hotSize, nil, hotTTL),
		kvWarn:   logging.NewThrottled(0.1),
		loadWarn: logging.NewThrottled(0.1),
	}
}

// OnKVFailure registers a hook called once per KV read or write error.
// Set before the loader starts serving; not safe to change afterwards.
func (l *Loader) OnKVFailure(fn func()) {
	l.onKVFailure = fn
}

func (l *Loader) kvFailed() {
	if l.onKVFailure != nil {
		l.onKVFailure()
	}
}

// Load returns the active config for a host. Lookup order: in-process hot
// layer, shared KV, storage. Concurrent misses may each populate the KV key;
// last-writer-wins is fine because payloads are value-equal within a version.
func (l *Loader) Load(ctx context.Context, host string) *config.GlobalConfig {
	domain := config.NormalizeDomain(host)

	if cfg, ok := l.hot.Get(domain); ok {
		return cfg
	}

	key := keyPrefix + domain
	if raw, err := l.kv.Get(ctx, key); err == nil {
		var cfg config.GlobalConfig
		if jsonErr := json.Unmarshal([]byte(raw), &cfg); jsonErr == nil {
			l.hot.Add(domain, &cfg)
			return &cfg
		}
		// Corrupt payload: fall through to storage and overwrite.
		l.kvWarn.Warn("Config cache payload corrupt, reloading from storage",
			zap.String("domain", domain))
	} else if err != kv.ErrNotFound {
		l.kvFailed()
		l.kvWarn.Warn("Config cache read failed, treating as miss",
			zap.String("domain", domain), zap.Error(err))
	}

	cfg, err := l.store.GetActiveConfig(ctx, domain)
	if err != nil {
		l.loadWarn.Warn("Config storage unreachable, serving fallback config",
			zap.String("domain", domain), zap.Error(err))
		return config.Fallback(domain)
	}
	if cfg == nil {
		return config.Fallback(domain)
	}

	if raw, jsonErr := json.Marshal(cfg); jsonErr == nil {
		if setErr := l.kv.Set(ctx, key, string(raw), cacheTTL); setErr != nil {
			l.kvFailed()
			l.kvWarn.Warn("Config cache write failed",
				zap.String("domain", domain), zap.Error(setErr))
		}
	}
	l.hot.Add(domain, cfg)
	return cfg
}

// Invalidate evicts the cached config for a domain from both layers. The
// next Load goes to storage.
func (l *Loader) Invalidate(ctx context.Context, host string) error {
	domain := config.NormalizeDomain(host)
	l.hot.Remove(domain)
	return l.kv.Del(ctx, keyPrefix+domain)
}
