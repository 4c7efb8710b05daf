// Package cache defines the content-addressed result store shared by all
// workers. Keys are idempotency keys, values are opaque result blobs, and
// every entry carries its own TTL so crawl pages and PDF extractions can use
// different retention. Values are replaced whole, never partially
// updated, so readers never observe a half-written entry.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get for absent or expired entries.
var ErrMiss = errors.New("cache miss")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}
