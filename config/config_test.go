package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() GlobalConfig {
	return GlobalConfig{
		Version: 1,
		Status:  StatusActive,
		Domain:  "example.com",
		Backends: []Backend{
			{ID: "a", URL: "http://a:3000", Weight: 80, Enabled: true},
			{ID: "b", URL: "http://b:3000", Weight: 20, Enabled: true},
		},
		Policies: []RoutePolicy{
			{ID: "p1", PathPattern: "/**", Enabled: true, BackendIDs: []string{"a", "b"}},
		},
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"Example.COM", "example.com"},
		{"example.com:8443", "example.com"},
		{"  example.com  ", "example.com"},
		{"127.0.0.1:8080", "127.0.0.1"},
		{"[::1]:8080", "[::1]"},
		{"example.com", "example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.host); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GlobalConfig)
		wantSub string
	}{
		{"missing domain", func(c *GlobalConfig) { c.Domain = "" }, "domain"},
		{"bad status", func(c *GlobalConfig) { c.Status = "published" }, "status"},
		{"weight over 100", func(c *GlobalConfig) { c.Backends[0].Weight = 101 }, "weight"},
		{"duplicate backend", func(c *GlobalConfig) { c.Backends[1].ID = "a" }, "duplicate backend"},
		{"unknown backend ref", func(c *GlobalConfig) { c.Policies[0].BackendIDs = []string{"ghost"} }, "unknown backend"},
		{"bad strategy", func(c *GlobalConfig) { c.Policies[0].Strategy = "round-trip" }, "strategy"},
		{"sample rate", func(c *GlobalConfig) { c.TelemetrySampleRate = 1.5 }, "telemetrySampleRate"},
		{"bad subnet mask", func(c *GlobalConfig) {
			c.Policies[0].RateLimit = &RateLimitConfig{Enabled: true, WindowMs: 1000, MaxRequests: 10, SubnetMask: 7}
		}, "subnetMask"},
		{"thresholds out of order", func(c *GlobalConfig) {
			c.Policies[0].BotGuard = &BotGuardConfig{Enabled: true, Thresholds: Thresholds{Low: 0.8, Medium: 0.5, High: 0.9}}
		}, "thresholds"},
	}
	for _, tt := range tests {
		cfg := validConfig()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: Validate = nil, want error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantSub) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.wantSub)
		}
	}
}

func TestResolveBackends_DropsUnknown(t *testing.T) {
	cfg := validConfig()
	got := cfg.ResolveBackends([]string{"a", "ghost", "b"})
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("ResolveBackends = %v", got)
	}
}

func TestFallback(t *testing.T) {
	cfg := Fallback("example.com")
	if cfg.Domain != "example.com" || len(cfg.Backends) != 0 {
		t.Errorf("Fallback = %+v", cfg)
	}
	if cfg.DefaultRateLimit.Enabled || cfg.DefaultBotGuard.Enabled {
		t.Error("fallback config must disable limiter and bot guard")
	}
}

func TestRateLimitWindow(t *testing.T) {
	c := RateLimitConfig{WindowMs: 60000}
	if c.Window() != time.Minute {
		t.Errorf("Window = %v", c.Window())
	}
}

func TestAITimeout_Default(t *testing.T) {
	if d := (BotGuardConfig{}).AITimeout(); d != 50*time.Millisecond {
		t.Errorf("default AI timeout = %v, want 50ms", d)
	}
	if d := (BotGuardConfig{AITimeoutMs: 200}).AITimeout(); d != 200*time.Millisecond {
		t.Errorf("AI timeout = %v, want 200ms", d)
	}
}

func TestHasMethod(t *testing.T) {
	p := RoutePolicy{Methods: []string{"GET", "post"}}
	if !p.HasMethod("GET") || !p.HasMethod("POST") {
		t.Error("method matching must be case-insensitive")
	}
	if p.HasMethod("DELETE") {
		t.Error("unlisted method matched")
	}
	if !(&RoutePolicy{}).HasMethod("PATCH") {
		t.Error("empty method list must match everything")
	}
}
