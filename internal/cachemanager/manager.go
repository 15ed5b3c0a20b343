// Package cachemanager provides keyed stores with per-item expiry. The
// scheduler uses one to remember which once-keys have already run.
package cachemanager

import (
	"context"
	"time"
)

const (
	// NoExpiration keeps an item until it is deleted or the store is flushed.
	NoExpiration time.Duration = -1
	// DefaultExpiration uses the store's default expiry.
	DefaultExpiration time.Duration = 0
)

// CacheManager is a keyed store with per-item expiry.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	// Add stores value only if key is absent or expired, and reports whether
	// it did.
	Add(ctx context.Context, key K, value V, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	Len() int
}
