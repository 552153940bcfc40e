package cache

import (
	"context"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
)

// ColdTier is the durable tier, backed by the SQLite store. It survives
// restarts and is the only tier swept explicitly.
type ColdTier struct {
	st          *store.Store
	contentType func(raw []byte) string
}

// NewColdTier wraps the store as a cache tier. Content type is recovered
// from the envelope so the sweep carve-out can see it.
func NewColdTier(st *store.Store) *ColdTier {
	return &ColdTier{
		st: st,
		contentType: func(raw []byte) string {
			env, err := DecodeEnvelope(raw)
			if err != nil {
				return ""
			}
			return env.ContentType
		},
	}
}

func (c *ColdTier) Name() string { return "cold" }

func (c *ColdTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	row, err := c.st.GetCacheRow(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}
	return row.Payload, true, nil
}

func (c *ColdTier) Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	now := time.Now()
	return c.st.PutCacheRow(ctx, &store.CacheRow{
		Key:         key,
		Payload:     raw,
		ContentType: c.contentType(raw),
		CreatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(ttl).UnixMilli(),
	})
}

func (c *ColdTier) Delete(ctx context.Context, key string) error {
	return c.st.DeleteCacheRow(ctx, key)
}

func (c *ColdTier) Close() error { return nil }
