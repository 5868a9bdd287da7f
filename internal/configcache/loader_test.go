package configcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/kv"
)

// countingStore wraps a StaticStore and counts storage hits.
type countingStore struct {
	inner *StaticStore
	calls atomic.Int32
	err   error
}

func (c *countingStore) GetActiveConfig(ctx context.Context, domain string) (*config.GlobalConfig, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.GetActiveConfig(ctx, domain)
}

func activeConfig(domain string) config.GlobalConfig {
	return config.GlobalConfig{
		Version: 1,
		Status:  config.StatusActive,
		Domain:  domain,
		Backends: []config.Backend{
			{ID: "a", URL: "http://a:3000", Weight: 100, Enabled: true},
		},
	}
}

func TestLoad_StorageThenCached(t *testing.T) {
	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, kv.NewMemory())
	ctx := context.Background()

	cfg := l.Load(ctx, "example.com")
	if cfg.Domain != "example.com" || len(cfg.Backends) != 1 {
		t.Fatalf("first load = %+v", cfg)
	}
	if store.calls.Load() != 1 {
		t.Fatalf("storage calls = %d, want 1", store.calls.Load())
	}

	// Second load is served from cache.
	l.Load(ctx, "example.com")
	if store.calls.Load() != 1 {
		t.Errorf("storage calls = %d after cached load, want 1", store.calls.Load())
	}
}

func TestLoad_HostNormalization(t *testing.T) {
	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, kv.NewMemory())

	cfg := l.Load(context.Background(), "EXAMPLE.com:8443")
	if cfg.Domain != "example.com" {
		t.Errorf("domain = %q, want normalized example.com", cfg.Domain)
	}
}

func TestLoad_KVSharedAcrossProcesses(t *testing.T) {
	shared := kv.NewMemory()
	storeA := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	a := New(storeA, shared)
	a.Load(context.Background(), "example.com")

	// A second loader with unreachable storage still serves from shared KV.
	storeB := &countingStore{err: errors.New("storage down")}
	b := New(storeB, shared)
	cfg := b.Load(context.Background(), "example.com")
	if len(cfg.Backends) != 1 {
		t.Errorf("KV-served config = %+v, want the cached one", cfg)
	}
	if storeB.calls.Load() != 0 {
		t.Errorf("storage calls = %d, want 0 (served from KV)", storeB.calls.Load())
	}
}

func TestLoad_FallbackWhenEverythingDown(t *testing.T) {
	mem := kv.NewMemory()
	mem.FailAll = errors.New("kv down")
	store := &countingStore{err: errors.New("storage down")}
	l := New(store, mem)

	cfg := l.Load(context.Background(), "example.com")
	if cfg == nil {
		t.Fatal("Load returned nil; it must always return a config")
	}
	if len(cfg.Backends) != 0 {
		t.Errorf("fallback config has backends: %+v", cfg.Backends)
	}
	if cfg.Domain != "example.com" {
		t.Errorf("fallback domain = %q", cfg.Domain)
	}
}

func TestLoad_KVFailureHook(t *testing.T) {
	mem := kv.NewMemory()
	mem.FailAll = errors.New("kv down")
	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, mem)

	var failures atomic.Int32
	l.OnKVFailure(func() { failures.Add(1) })

	l.Load(context.Background(), "example.com")
	// One failed read plus one failed write-back.
	if failures.Load() != 2 {
		t.Errorf("hook fired %d times, want 2", failures.Load())
	}
}

func TestLoad_KVFailureHookQuietWhenHealthy(t *testing.T) {
	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, kv.NewMemory())

	var failures atomic.Int32
	l.OnKVFailure(func() { failures.Add(1) })

	l.Load(context.Background(), "example.com")
	if failures.Load() != 0 {
		t.Errorf("hook fired %d times with a healthy KV, want 0", failures.Load())
	}
}

func TestLoad_CorruptKVPayload(t *testing.T) {
	mem := kv.NewMemory()
	mem.Set(context.Background(), "lb:config:example.com", "{not json", 0)

	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, mem)

	cfg := l.Load(context.Background(), "example.com")
	if len(cfg.Backends) != 1 {
		t.Errorf("corrupt payload not recovered from storage: %+v", cfg)
	}
}

func TestInvalidate(t *testing.T) {
	store := &countingStore{inner: NewStaticStore([]config.GlobalConfig{activeConfig("example.com")})}
	l := New(store, kv.NewMemory())
	ctx := context.Background()

	l.Load(ctx, "example.com")
	if err := l.Invalidate(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	l.Load(ctx, "example.com")
	if store.calls.Load() != 2 {
		t.Errorf("storage calls = %d after invalidate, want 2", store.calls.Load())
	}
}

func TestStaticStore_ActiveOnly(t *testing.T) {
	draft := activeConfig("draft.example.com")
	draft.Status = config.StatusDraft
	s := NewStaticStore([]config.GlobalConfig{draft, activeConfig("live.example.com")})

	if _, err := s.GetActiveConfig(context.Background(), "draft.example.com"); err == nil {
		t.Error("draft config served as active")
	}
	if _, err := s.GetActiveConfig(context.Background(), "live.example.com"); err != nil {
		t.Errorf("active config missing: %v", err)
	}
}

func TestStaticStore_Replace(t *testing.T) {
	s := NewStaticStore([]config.GlobalConfig{activeConfig("old.example.com")})
	s.Replace([]config.GlobalConfig{activeConfig("new.example.com")})

	if _, err := s.GetActiveConfig(context.Background(), "old.example.com"); err == nil {
		t.Error("replaced config still served")
	}
	if _, err := s.GetActiveConfig(context.Background(), "new.example.com"); err != nil {
		t.Errorf("new config missing: %v", err)
	}
}
