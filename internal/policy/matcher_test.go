package policy

import (
	"testing"

	"github.com/teamy2/edgegate/config"
)

func testConfig(policies ...config.RoutePolicy) *config.GlobalConfig {
	return &config.GlobalConfig{Domain: "example.com", Policies: policies}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/**", "/", true},
		{"/**", "/a/b/c", true},
		{"/*", "/anything", true},
		{"/api/**", "/api/items", true},
		{"/api/**", "/api/v2/items/42", true},
		{"/api/**", "/web/items", false},
		{"/api/*", "/api/items", true},
		{"/api/*", "/api/v2/items", false},
		{"/static/*.css", "/static/site.css", true},
		{"/static/*.css", "/static/site.js", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.path); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestMatch_PriorityOrder(t *testing.T) {
	cfg := testConfig(
		config.RoutePolicy{ID: "catchall", Enabled: true, Priority: 1, PathPattern: "/**"},
		config.RoutePolicy{ID: "api", Enabled: true, Priority: 100, PathPattern: "/api/**"},
	)

	if p := Match("/api/items", "GET", cfg); p == nil || p.ID != "api" {
		t.Errorf("Match(/api/items) = %v, want api policy", p)
	}
	if p := Match("/home", "GET", cfg); p == nil || p.ID != "catchall" {
		t.Errorf("Match(/home) = %v, want catchall", p)
	}
}

func TestMatch_DisabledSkipped(t *testing.T) {
	cfg := testConfig(
		config.RoutePolicy{ID: "off", Enabled: false, Priority: 100, PathPattern: "/**"},
		config.RoutePolicy{ID: "on", Enabled: true, Priority: 1, PathPattern: "/**"},
	)
	if p := Match("/x", "GET", cfg); p == nil || p.ID != "on" {
		t.Errorf("Match = %v, want the enabled policy", p)
	}
}

func TestMatch_MethodFilter(t *testing.T) {
	cfg := testConfig(
		config.RoutePolicy{ID: "writes", Enabled: true, Priority: 10, PathPattern: "/**", Methods: []string{"POST", "PUT"}},
		config.RoutePolicy{ID: "any", Enabled: true, Priority: 1, PathPattern: "/**"},
	)

	if p := Match("/x", "POST", cfg); p == nil || p.ID != "writes" {
		t.Errorf("Match POST = %v, want writes", p)
	}
	if p := Match("/x", "GET", cfg); p == nil || p.ID != "any" {
		t.Errorf("Match GET = %v, want any", p)
	}
}

func TestMatch_NoPolicies(t *testing.T) {
	if p := Match("/x", "GET", testConfig()); p != nil {
		t.Errorf("Match on empty policy set = %v, want nil", p)
	}
}

func TestMatch_StableTieBreak(t *testing.T) {
	// Equal priority: declaration order wins.
	cfg := testConfig(
		config.RoutePolicy{ID: "first", Enabled: true, Priority: 5, PathPattern: "/**"},
		config.RoutePolicy{ID: "second", Enabled: true, Priority: 5, PathPattern: "/**"},
	)
	if p := Match("/x", "GET", cfg); p == nil || p.ID != "first" {
		t.Errorf("Match = %v, want first-declared policy on tie", p)
	}
}
