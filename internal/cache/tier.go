package cache

import (
	"context"
	"time"
)

// Tier is one level of the cache hierarchy. Implementations store opaque
// encoded envelopes; the orchestrator owns validation and routing.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
