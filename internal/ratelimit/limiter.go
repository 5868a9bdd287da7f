// Package ratelimit implements the per-policy request counter: a fixed
// window with TTL in the shared KV store. The limiter fails open — if the
// store is unreachable the request is allowed and the outage is logged.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teamy2/edgegate/config"
	"github.com/teamy2/edgegate/internal/features"
	"github.com/teamy2/edgegate/internal/kv"
	"github.com/teamy2/edgegate/internal/logging"
)

const keyPrefix = "rl:"

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed      bool
	Remaining    int64
	ResetAt      time.Time
	RetryAfterMs int64
	KeyType      config.KeyType
	Key          string
	// Count is the window counter observed for this request; it feeds the
	// high_frequency bot heuristic.
	Count int64
	// FailedOpen is set when the KV store errored and the request was
	// allowed without counting.
	FailedOpen bool
}

// Limiter checks request counters against policy limits.
type Limiter struct {
	kv     kv.Client
	kvWarn *logging.Throttled
}

// New creates a Limiter over the given KV client.
func New(kvc kv.Client) *Limiter {
	return &Limiter{
		kv:     kvc,
		kvWarn: logging.NewThrottled(0.1),
	}
}

// BuildKey derives the counter key for a request. The session key type
// degrades to ip keying when the request carries no session.
func BuildKey(f *features.Features, cfg config.RateLimitConfig, policyID string) (config.KeyType, string) {
	keyType := cfg.KeyType
	if keyType == "" {
		keyType = config.KeyTypeIP
	}

	var selector string
	switch keyType {
	case config.KeyTypeSubnet:
		selector = f.Subnet
	case config.KeyTypeSession:
		if f.SessionID != "" {
			selector = f.SessionID
		} else {
			selector = f.IPHash
		}
	case config.KeyTypeEndpoint:
		selector = f.Method + ":" + f.Path
	case config.KeyTypeComposite:
		selector = f.IPHash + ":" + f.Path
	default:
		selector = f.IPHash
	}

	return keyType, keyPrefix + policyID + ":" + string(keyType) + ":" + selector
}

// Check increments the counter for this request and decides whether it is
// within limits. One INCR per request; the count that denies the request
// has already been recorded, matching fixed-window semantics.
func (l *Limiter) Check(ctx context.Context, f *features.Features, cfg config.RateLimitConfig, policyID string) Result {
	keyType, key := BuildKey(f, cfg, policyID)
	now := time.Now()

	if !cfg.Enabled {
		return Result{
			Allowed:   true,
			Remaining: cfg.MaxRequests,
			ResetAt:   now.Add(cfg.Window()),
			KeyType:   keyType,
			Key:       key,
		}
	}

	count, ttl, err := l.kv.IncrWindow(ctx, key, cfg.Window())
	if err != nil {
		// Fail open: a KV outage must not deny legitimate traffic.
		l.kvWarn.Warn("Rate limit store unavailable, failing open",
			zap.String("key", key), zap.Error(err))
		return Result{
			Allowed:    true,
			Remaining:  cfg.MaxRequests,
			ResetAt:    now.Add(cfg.Window()),
			KeyType:    keyType,
			Key:        key,
			FailedOpen: true,
		}
	}

	limit := cfg.MaxRequests
	allowed := count <= limit
	if !allowed && cfg.BurstLimit > 0 {
		allowed = count <= limit+cfg.BurstLimit
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(cfg.Window())
	if ttl > 0 {
		resetAt = now.Add(ttl)
	}

	res := Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
		KeyType:   keyType,
		Key:       key,
		Count:     count,
	}
	if !allowed {
		// Remaining TTL can run slightly negative under clock drift between
		// replicas; clamp to zero.
		retryAfter := time.Until(resetAt).Milliseconds()
		if retryAfter < 0 {
			retryAfter = 0
		}
		if cfg.RetryAfterMs > 0 && retryAfter == 0 {
			retryAfter = cfg.RetryAfterMs
		}
		res.RetryAfterMs = retryAfter
	}
	return res
}
