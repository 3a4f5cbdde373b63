package cache

import (
	"context"
	"time"
)

// BytesCache is the read-side cache contract. Implementations are
// best-effort: callers must treat every miss or error as a fall-through
// to the primary store.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
