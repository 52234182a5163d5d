package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process [Store] used when the distributed store is
// disabled or unreachable. It mirrors the Redis TTL semantics (Incr creates
// a key without expiry, Expire attaches one) but provides no cross-instance
// consistency: under horizontal scaling each process enforces its own view.
type Memory struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, string]
}

// NewMemory creates an in-memory store with automatic expiry cleanup.
func NewMemory() *Memory {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()

	return &Memory{cache: cache}
}

// Get implements [Store].
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil {
		return "", ErrNotFound
	}
	return item.Value(), nil
}

// GetDel implements [Store].
func (m *Memory) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil {
		return "", ErrNotFound
	}
	val := item.Value()
	m.cache.Delete(key)
	return val, nil
}

// Set implements [Store].
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Set(key, value, normalizeTTL(ttl))
	return nil
}

// Incr implements [Store]. The increment is atomic within the process.
func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil {
		m.cache.Set(key, "1", ttlcache.NoTTL)
		return 1, nil
	}

	count, err := strconv.ParseInt(item.Value(), 10, 64)
	if err != nil {
		count = 0
	}
	count++
	m.cache.Set(key, strconv.FormatInt(count, 10), remainingTTL(item))
	return count, nil
}

// Expire implements [Store].
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil {
		return nil
	}
	m.cache.Set(key, item.Value(), normalizeTTL(ttl))
	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Delete(key)
	return nil
}

// TTL implements [Store].
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	if item == nil {
		return 0, ErrNotFound
	}
	if item.ExpiresAt().IsZero() {
		return 0, nil
	}
	d := time.Until(item.ExpiresAt())
	if d < 0 {
		d = 0
	}
	return d, nil
}

// Ready implements [Store]. The process-local store is always usable.
func (m *Memory) Ready() bool { return true }

// Close stops the expiry cleanup goroutine.
func (m *Memory) Close() error {
	m.cache.Stop()
	return nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.NoTTL
	}
	return ttl
}

func remainingTTL(item *ttlcache.Item[string, string]) time.Duration {
	if item.ExpiresAt().IsZero() {
		return ttlcache.NoTTL
	}
	return time.Until(item.ExpiresAt())
}
