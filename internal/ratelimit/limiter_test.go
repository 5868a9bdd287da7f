package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/kv"
)

func testFeatures() *features.Features {
	return &features.Features{
		IPHash:    "aabbccdd00112233",
		Subnet:    "203.0.113.0/24",
		Method:    "GET",
		Path:      "/api/items",
		SessionID: "",
	}
}

func TestBuildKey(t *testing.T) {
	f := testFeatures()
	tests := []struct {
		keyType config.KeyType
		session string
		want    string
	}{
		{config.KeyTypeIP, "", "rl:p1:ip:aabbccdd00112233"},
		{config.KeyTypeSubnet, "", "rl:p1:subnet:203.0.113.0/24"},
		{config.KeyTypeSession, "sess-9", "rl:p1:session:sess-9"},
		// Session without a session id degrades to the ip hash.
		{config.KeyTypeSession, "", "rl:p1:session:aabbccdd00112233"},
		{config.KeyTypeEndpoint, "", "rl:p1:endpoint:GET:/api/items"},
		{config.KeyTypeComposite, "", "rl:p1:composite:aabbccdd00112233:/api/items"},
	}
	for _, tt := range tests {
		f.SessionID = tt.session
		_, key := BuildKey(f, config.RateLimitConfig{KeyType: tt.keyType}, "p1")
		if key != tt.want {
			t.Errorf("BuildKey(%s) = %q, want %q", tt.keyType, key, tt.want)
		}
	}
}

func TestCheck_Disabled(t *testing.T) {
	l := New(kv.NewMemory())
	cfg := config.RateLimitConfig{Enabled: false, MaxRequests: 5, WindowMs: 60000}

	res := l.Check(context.Background(), testFeatures(), cfg, "p1")
	if !res.Allowed {
		t.Error("disabled limiter denied a request")
	}
	if res.Count != 0 {
		t.Errorf("disabled limiter counted: %d", res.Count)
	}
}

func TestCheck_WindowLimit(t *testing.T) {
	l := New(kv.NewMemory())
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: 3, WindowMs: 60000, KeyType: config.KeyTypeIP}
	ctx := context.Background()
	f := testFeatures()

	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, f, cfg, "p1")
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if res.Count != int64(i) {
			t.Errorf("request %d count = %d", i, res.Count)
		}
	}

	res := l.Check(ctx, f, cfg, "p1")
	if res.Allowed {
		t.Error("request 4 allowed, want denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfterMs < 0 {
		t.Errorf("retryAfterMs = %d, want >= 0", res.RetryAfterMs)
	}
	if res.ResetAt.Before(time.Now()) {
		t.Error("resetAt is in the past")
	}
}

func TestCheck_Burst(t *testing.T) {
	l := New(kv.NewMemory())
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: 2, BurstLimit: 2, WindowMs: 60000}
	ctx := context.Background()
	f := testFeatures()

	allowed := 0
	for i := 0; i < 6; i++ {
		if l.Check(ctx, f, cfg, "p1").Allowed {
			allowed++
		}
	}
	if allowed != 4 {
		t.Errorf("allowed %d of 6 with max 2 + burst 2, want 4", allowed)
	}
}

func TestCheck_FailOpen(t *testing.T) {
	mem := kv.NewMemory()
	mem.FailAll = errors.New("connection refused")
	l := New(mem)
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: 1, WindowMs: 60000}

	for i := 0; i < 5; i++ {
		res := l.Check(context.Background(), testFeatures(), cfg, "p1")
		if !res.Allowed {
			t.Fatal("KV outage denied a request; limiter must fail open")
		}
		if !res.FailedOpen {
			t.Error("FailedOpen not set on a fail-open result")
		}
	}
}

func TestCheck_FailedOpenClearOnHealthyStore(t *testing.T) {
	l := New(kv.NewMemory())
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: 5, WindowMs: 60000}

	res := l.Check(context.Background(), testFeatures(), cfg, "p1")
	if res.FailedOpen {
		t.Error("FailedOpen set with a healthy store")
	}
}

func TestCheck_SeparateKeysSeparateCounters(t *testing.T) {
	l := New(kv.NewMemory())
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: 1, WindowMs: 60000}
	ctx := context.Background()

	a := testFeatures()
	b := testFeatures()
	b.IPHash = "ffffffff00000000"

	if !l.Check(ctx, a, cfg, "p1").Allowed {
		t.Fatal("first request for a denied")
	}
	if l.Check(ctx, a, cfg, "p1").Allowed {
		t.Error("second request for a allowed, want denied")
	}
	if !l.Check(ctx, b, cfg, "p1").Allowed {
		t.Error("first request for b denied; counters are not isolated")
	}
}
