// Package store provides the key-value contract shared by the abuse ledger,
// token service, and traffic controller, with a Redis-backed implementation
// for multi-instance deployments and an in-process fallback.
//
// Every operation is best-effort from the caller's point of view: transport
// failures surface as [ErrUnavailable] so callers can choose a safe default
// (typically "not blacklisted" or "count locally") instead of failing the
// request pipeline. The one exception is documented by the token package,
// where losing a record write breaks a security invariant.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrUnavailable wraps transport-level failures. Callers treat it as
// "store down, fall back" rather than as a request error.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the uniform adapter over the shared cache. All values carry a
// store-native TTL; there is no separate expiry sweeper.
//
// Incr must be a single round-trip atomic increment so concurrent requests
// for the same key never under-count. GetDel must atomically read and remove
// a key; it is the single-use gate for refresh rotation.
type Store interface {
	// Get returns the value for key, or ErrNotFound when absent.
	Get(ctx context.Context, key string) (string, error)

	// GetDel atomically returns and removes the value for key, or
	// ErrNotFound when absent.
	GetDel(ctx context.Context, key string) (string, error)

	// Set stores value under key. A ttl of zero or less means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr atomically increments the integer value at key, creating it at 1.
	// The created key has no TTL until Expire is called.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets or replaces the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, zero when the key has no
	// expiry, or ErrNotFound when the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ready reports whether the backing transport is currently usable.
	// A false result is advisory: operations may still be attempted.
	Ready() bool

	// Close releases the adapter's resources.
	Close() error
}
