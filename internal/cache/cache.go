package cache

import (
	"context"
	"time"
)

// BytesCache is a best-effort byte cache. Implementations may lose or
// refuse entries at any time; callers must treat every miss as "go to the
// source of truth".
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
