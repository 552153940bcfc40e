package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

// HotTier is the in-process tier, backed by ristretto. Admission is
// probabilistic and writes are applied asynchronously, so a Set may be
// dropped under pressure; callers treat that as acceptable.
type HotTier struct {
	c *ristretto.Cache
}

// NewHotTier builds the hot tier. maxCost bounds the total byte weight of
// admitted entries.
func NewHotTier(maxCost int64) (*HotTier, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100 * 10, // ~10x expected entries
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HotTier{c: c}, nil
}

func (h *HotTier) Name() string { return "hot" }

func (h *HotTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := h.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	raw, ok := v.([]byte)
	if !ok {
		h.c.Del(key)
		return nil, false, nil
	}
	return raw, true, nil
}

func (h *HotTier) Set(_ context.Context, key string, raw []byte, ttl time.Duration) error {
	h.c.SetWithTTL(key, raw, int64(len(raw)), ttl)
	return nil
}

func (h *HotTier) Delete(_ context.Context, key string) error {
	h.c.Del(key)
	return nil
}

// Wait flushes pending async writes. Tests need it; production code does not.
func (h *HotTier) Wait() { h.c.Wait() }

func (h *HotTier) Close() error {
	h.c.Close()
	return nil
}
