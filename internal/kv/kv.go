// Package kv wraps the shared key/value store the gateway uses for the
// config cache and rate-limit counters. The interface is deliberately
// narrow: callers fail open on any error, so the store never needs to be
// more than best-effort.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Client is the store interface used by the config cache and rate limiter.
type Client interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes key with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del deletes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// IncrWindow increments a counter key and returns the new count plus
	// the key's remaining TTL. A fresh key (no TTL) is given the window as
	// its expiry. The increment and TTL read are pipelined; atomicity
	// against expiry races is intentionally relaxed.
	IncrWindow(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}
