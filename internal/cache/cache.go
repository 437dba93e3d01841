package cache

import (
	"context"
	"time"
)

// Cache stores JSON values with a TTL. A corrupt entry is reported as a miss
// together with an error so callers can log it and reload.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
