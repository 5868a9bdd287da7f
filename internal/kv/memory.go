package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by tests and single-node
// development setups. Semantics mirror the Redis client, including TTL
// behavior on IncrWindow.
type MemoryClient struct {
	mu    sync.Mutex
	items map[string]*memoryItem
	// FailAll forces every operation to return an error; tests use it to
	// exercise fail-open paths.
	FailAll error
}

type memoryItem struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates an empty in-memory client.
func NewMemory() *MemoryClient {
	return &MemoryClient{items: make(map[string]*memoryItem)}
}

func (c *MemoryClient) get(key string) (*memoryItem, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return it, true
}

func (c *MemoryClient) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAll != nil {
		return "", c.FailAll
	}
	it, ok := c.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return it.value, nil
}

func (c *MemoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAll != nil {
		return c.FailAll
	}
	it := &memoryItem{value: value}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	c.items[key] = it
	return nil
}

func (c *MemoryClient) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAll != nil {
		return c.FailAll
	}
	delete(c.items, key)
	return nil
}

func (c *MemoryClient) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAll != nil {
		return 0, 0, c.FailAll
	}

	now := time.Now()
	it, ok := c.get(key)
	if !ok {
		c.items[key] = &memoryItem{value: "1", expiresAt: now.Add(window)}
		return 1, window, nil
	}

	n, _ := strconv.ParseInt(it.value, 10, 64)
	n++
	it.value = strconv.FormatInt(n, 10)

	ttl := window
	if !it.expiresAt.IsZero() {
		ttl = time.Until(it.expiresAt)
	} else {
		it.expiresAt = now.Add(window)
	}
	return n, ttl, nil
}
