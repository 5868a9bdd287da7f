// Package policy matches requests against a domain config's route policies.
package policy

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/teamy2/edgegate/config"
)

// Match returns the highest-priority enabled policy whose glob and method
// match, or nil when none does (the caller falls back to the config's
// default knobs and the union of all backends).
func Match(path, method string, cfg *config.GlobalConfig) *config.RoutePolicy {
	if cfg == nil || len(cfg.Policies) == 0 {
		return nil
	}

	// Snapshot indexes in descending priority order. Configs are small
	// (tens of policies), so sorting per request is cheap relative to the
	// proxy round trip; hot paths hit the config loader's cache anyway.
	idx := make([]int, 0, len(cfg.Policies))
	for i := range cfg.Policies {
		if cfg.Policies[i].Enabled {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return cfg.Policies[idx[a]].Priority > cfg.Policies[idx[b]].Priority
	})

	for _, i := range idx {
		p := &cfg.Policies[i]
		if !p.HasMethod(method) {
			continue
		}
		if MatchPattern(p.PathPattern, path) {
			return p
		}
	}
	return nil
}

// MatchPattern applies glob semantics to a request path: `**` matches any
// sequence including `/`, `*` any run of non-`/` characters; everything
// else is literal. `/**` and `/*` are treated as universal.
func MatchPattern(pattern, path string) bool {
	if pattern == "/**" || pattern == "/*" {
		return true
	}
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		// Malformed pattern never matches; config validation should have
		// rejected it upstream.
		return false
	}
	return ok
}
