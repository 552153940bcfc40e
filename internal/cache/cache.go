// Package cache implements the multi-tier content cache: an in-process hot
// tier, a disk-backed warm tier, and a durable SQLite cold tier. Every entry
// is a checksummed envelope; reads validate integrity before trusting a
// payload, promote lower-tier hits upward, and feed the prefetch queue.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
)

// Config tunes the cache orchestrator.
type Config struct {
	// MaxAge is the hard staleness bound: entries older than this are a
	// miss regardless of their nominal TTL. Default: 7 days.
	MaxAge time.Duration
	// VideoGrace keeps expired video entries in the cold tier for this
	// long after creation. Default: 24h.
	VideoGrace time.Duration
	// RefreshThreshold is the remaining-TTL fraction below which a hit
	// schedules a background refresh. Default: 0.3.
	RefreshThreshold float64
	// RelatedCap bounds how many related keys one hit may enqueue.
	// Default: 5.
	RelatedCap int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.VideoGrace <= 0 {
		c.VideoGrace = 24 * time.Hour
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 0.3
	}
	if c.RelatedCap <= 0 {
		c.RelatedCap = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Cache coordinates the tier hierarchy. Tiers are probed hot-first; writes
// are routed by priority.
type Cache struct {
	tiers    []Tier // hot → warm → cold
	st       *store.Store
	prefetch *PrefetchQueue // nil disables prefetch
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New assembles a cache over the given tiers, ordered fastest first.
func New(st *store.Store, tiers []Tier, prefetch *PrefetchQueue, cfg Config) *Cache {
	cfg.defaults()
	return &Cache{
		tiers:    tiers,
		st:       st,
		prefetch: prefetch,
		cfg:      cfg,
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// SetClock overrides the cache's notion of now. Tests only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// KeyFor builds the canonical cache key for a piece of platform content.
func KeyFor(platform, contentType, contentID string) string {
	return strings.Join([]string{platform, contentType, contentID}, ":")
}

// Get probes the tiers in order and returns the first payload that passes
// integrity validation. A hit below the top tier is promoted into every
// faster tier with its remaining TTL. Entries that fail validation are
// purged from the tier that served them and probing continues, so a
// tampered hot copy cannot shadow a valid durable one. Cache failures are
// never surfaced to callers; they degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()
	for i, tier := range c.tiers {
		raw, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.log.Warn("cache tier read failed", "tier", tier.Name(), "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		env, err := DecodeEnvelope(raw)
		if err == nil {
			err = env.Validate(now, c.cfg.MaxAge)
		}
		if err != nil {
			c.log.Warn("cache entry failed validation, purging",
				"tier", tier.Name(), "key", key, "reason", err)
			if derr := tier.Delete(ctx, key); derr != nil {
				c.log.Warn("cache purge failed", "tier", tier.Name(), "key", key, "error", derr)
			}
			continue
		}

		c.promote(ctx, key, raw, env, i)
		c.recordAccess(ctx, key)
		c.scanPrefetch(ctx, key, env, now)
		return env.Data, true
	}
	if c.prefetch != nil {
		if err := c.prefetch.Enqueue(ctx, key, ReasonMiss); err != nil {
			c.log.Debug("prefetch enqueue skipped", "key", key, "error", err)
		}
	}
	return nil, false
}

// promote copies a validated entry into every tier faster than the one it
// was found in, carrying the remaining TTL. Failures are logged and ignored.
func (c *Cache) promote(ctx context.Context, key string, raw []byte, env *Envelope, foundAt int) {
	if foundAt == 0 {
		return
	}
	ttl := env.RemainingTTL(c.now())
	if ttl <= 0 {
		return
	}
	for _, tier := range c.tiers[:foundAt] {
		if err := tier.Set(ctx, key, raw, ttl); err != nil {
			c.log.Warn("cache promotion failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}
}

func (c *Cache) recordAccess(ctx context.Context, key string) {
	if err := c.st.RecordCacheAccess(ctx, key); err != nil {
		c.log.Warn("cache access record failed", "key", key, "error", err)
	}
}

// scanPrefetch enqueues background work a hit suggests: a refresh when the
// entry is past the staleness threshold, and warm-ups for related keys not
// already cached.
func (c *Cache) scanPrefetch(ctx context.Context, key string, env *Envelope, now time.Time) {
	if c.prefetch == nil {
		return
	}
	if env.RemainingTTLFraction(now) < c.cfg.RefreshThreshold {
		if err := c.prefetch.Enqueue(ctx, key, ReasonRefresh); err != nil {
			c.log.Debug("prefetch enqueue skipped", "key", key, "error", err)
		}
	}
	related := env.RelatedKeys
	if len(related) > c.cfg.RelatedCap {
		related = related[:c.cfg.RelatedCap]
	}
	for _, rk := range related {
		if rk == "" || rk == key {
			continue
		}
		if err := c.prefetch.Enqueue(ctx, rk, ReasonRelated); err != nil {
			c.log.Debug("prefetch enqueue skipped", "key", rk, "error", err)
		}
	}
}

// Set seals data into an envelope and routes it across the tiers by
// priority. Critical and high entries are written to all three tiers;
// normal and low entries skip the cold tier unless every faster tier
// failed. Set returns an error only when no tier accepted the write.
func (c *Cache) Set(ctx context.Context, key string, data []byte, contentType string, priority WritePriority, ttl time.Duration, related []string) error {
	if len(related) > c.cfg.RelatedCap {
		related = related[:c.cfg.RelatedCap]
	}
	env := Seal(data, contentType, priority, ttl, related, c.now())
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	targets := c.tiers
	if !priority.durable() && len(c.tiers) > 1 {
		targets = c.tiers[:len(c.tiers)-1]
	}

	wrote := false
	for _, tier := range targets {
		if err := tier.Set(ctx, key, raw, ttl); err != nil {
			c.log.Warn("cache tier write failed", "tier", tier.Name(), "key", key, "error", err)
			continue
		}
		wrote = true
	}
	if !wrote && !priority.durable() && len(c.tiers) > 1 {
		// Fast tiers all refused; fall back to the durable one.
		cold := c.tiers[len(c.tiers)-1]
		if err := cold.Set(ctx, key, raw, ttl); err != nil {
			c.log.Warn("cache tier write failed", "tier", cold.Name(), "key", key, "error", err)
		} else {
			wrote = true
		}
	}
	if !wrote {
		return fmt.Errorf("cache set %s: %w", key, errAllTiersFailed)
	}
	return nil
}

var errAllTiersFailed = errors.New("all tiers rejected the write")

// Invalidate removes a key from every tier.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	for _, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.log.Warn("cache invalidate failed", "tier", tier.Name(), "key", key, "error", err)
		}
	}
}

// Sweep purges expired durable entries (honouring the video carve-out) and
// drops prefetch tasks too old to still matter.
func (c *Cache) Sweep(ctx context.Context) error {
	n, err := c.st.SweepCacheRows(ctx, c.now(), c.cfg.VideoGrace)
	if err != nil {
		return fmt.Errorf("cache sweep: %w", err)
	}
	if n > 0 {
		c.log.Info("cache sweep", "purged", n)
	}
	if c.prefetch != nil {
		if _, err := c.prefetch.DiscardStale(ctx); err != nil {
			c.log.Warn("prefetch discard failed", "error", err)
		}
	}
	return nil
}

// Stats reports the durable tier's footprint.
func (c *Cache) Stats(ctx context.Context) (store.CacheStats, error) {
	return c.st.CacheTierStats(ctx, c.now())
}

// Close releases every tier.
func (c *Cache) Close() error {
	var first error
	for _, tier := range c.tiers {
		if err := tier.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
