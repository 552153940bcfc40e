package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
	"github.com/hazyhaar/ronde/vtq"
)

// PrefetchReason records why a key was queued; it sets the base priority.
type PrefetchReason string

const (
	ReasonMiss    PrefetchReason = "miss"
	ReasonRelated PrefetchReason = "related"
	ReasonRefresh PrefetchReason = "refresh"
)

func (r PrefetchReason) basePriority() int {
	switch r {
	case ReasonRefresh:
		return 30
	case ReasonRelated:
		return 20
	default:
		return 10
	}
}

// prefetchTask is the queued payload.
type prefetchTask struct {
	Key      string         `json:"key"`
	Reason   PrefetchReason `json:"reason"`
	Enqueued int64          `json:"enqueued"` // unix ms
}

// FetchFunc resolves a cache key to fresh content. It is supplied by the
// caller at drain time so the queue stays transport-agnostic.
type FetchFunc func(ctx context.Context, key string) (data []byte, contentType string, ttl time.Duration, err error)

// PrefetchConfig tunes the queue.
type PrefetchConfig struct {
	// Bound caps queued tasks. Default: 100.
	Bound int
	// BatchSize is how many tasks one drain pass claims. Default: 10.
	BatchSize int
	// MaxTaskAge drops tasks that waited too long. Default: 1h.
	MaxTaskAge time.Duration
	// AccessBoost caps the access-count priority bonus. Default: 30.
	AccessBoost int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *PrefetchConfig) defaults() {
	if c.Bound <= 0 {
		c.Bound = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxTaskAge <= 0 {
		c.MaxTaskAge = time.Hour
	}
	if c.AccessBoost <= 0 {
		c.AccessBoost = 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PrefetchQueue is a bounded, priority-ordered queue of keys to warm.
// Frequently-accessed keys jump the line; duplicates keep the higher
// priority.
type PrefetchQueue struct {
	q   *vtq.Q
	st  *store.Store
	cfg PrefetchConfig
	log *slog.Logger
}

// NewPrefetchQueue builds the queue over the shared SQLite handle.
func NewPrefetchQueue(db *sql.DB, st *store.Store, cfg PrefetchConfig) (*PrefetchQueue, error) {
	cfg.defaults()
	q := vtq.New(db, vtq.Options{
		Queue:       "prefetch",
		Bound:       cfg.Bound,
		MaxAttempts: 3,
		Logger:      cfg.Logger,
	})
	if err := q.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("prefetch queue: %w", err)
	}
	return &PrefetchQueue{q: q, st: st, cfg: cfg, log: cfg.Logger}, nil
}

// Enqueue queues a key. The task ID is the key itself, so re-enqueueing an
// already-queued key only raises its priority. A full queue drops the task
// silently; prefetch is best-effort.
func (p *PrefetchQueue) Enqueue(ctx context.Context, key string, reason PrefetchReason) error {
	prio := reason.basePriority()
	if n, err := p.st.CacheAccessCount(ctx, key); err == nil {
		boost := n
		if boost > p.cfg.AccessBoost {
			boost = p.cfg.AccessBoost
		}
		prio += boost
	}
	payload, err := json.Marshal(prefetchTask{
		Key:      key,
		Reason:   reason,
		Enqueued: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	err = p.q.Publish(ctx, key, payload, prio)
	if errors.Is(err, vtq.ErrFull) {
		p.log.Debug("prefetch queue full, dropping", "key", key, "reason", reason)
		return nil
	}
	return err
}

// Drain claims one batch and resolves each task through fetch, storing
// results back into cache. Tasks past MaxTaskAge, or whose key is already
// fresh in cache, are acknowledged without fetching. Fetch failures are
// nacked for redelivery. Returns how many tasks were actually fetched.
func (p *PrefetchQueue) Drain(ctx context.Context, cache *Cache, fetch FetchFunc) (int, error) {
	jobs, err := p.q.ClaimBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("prefetch drain: %w", err)
	}
	fetched := 0
	now := time.Now()
	for _, job := range jobs {
		var task prefetchTask
		if err := json.Unmarshal(job.Payload, &task); err != nil {
			p.log.Warn("prefetch task unreadable, dropping", "id", job.ID, "error", err)
			_ = p.q.Ack(ctx, job.ID)
			continue
		}
		if now.UnixMilli()-task.Enqueued > p.cfg.MaxTaskAge.Milliseconds() {
			p.log.Debug("prefetch task expired", "key", task.Key, "reason", task.Reason)
			_ = p.q.Ack(ctx, job.ID)
			continue
		}
		if p.satisfied(ctx, cache, task) {
			_ = p.q.Ack(ctx, job.ID)
			continue
		}

		data, contentType, ttl, err := fetch(ctx, task.Key)
		if err != nil {
			p.log.Warn("prefetch fetch failed", "key", task.Key, "error", err)
			if nerr := p.q.Nack(ctx, job.ID); nerr != nil {
				p.log.Warn("prefetch nack failed", "id", job.ID, "error", nerr)
			}
			continue
		}
		if err := cache.Set(ctx, task.Key, data, contentType, PriorityNormal, ttl, nil); err != nil {
			p.log.Warn("prefetch store failed", "key", task.Key, "error", err)
		}
		_ = p.q.Ack(ctx, job.ID)
		fetched++
	}
	return fetched, nil
}

// satisfied reports whether a concurrent fetch already refreshed the key.
// A refresh task is satisfied only by an entry that is itself fresh enough
// not to re-trigger the refresh threshold.
func (p *PrefetchQueue) satisfied(ctx context.Context, cache *Cache, task prefetchTask) bool {
	for _, tier := range cache.tiers {
		raw, ok, err := tier.Get(ctx, task.Key)
		if err != nil || !ok {
			continue
		}
		env, err := DecodeEnvelope(raw)
		if err != nil || env.Validate(time.Now(), cache.cfg.MaxAge) != nil {
			continue
		}
		if task.Reason == ReasonRefresh {
			return env.RemainingTTLFraction(time.Now()) >= cache.cfg.RefreshThreshold
		}
		return true
	}
	return false
}

// DiscardStale drops tasks older than MaxTaskAge without claiming them.
func (p *PrefetchQueue) DiscardStale(ctx context.Context) (int64, error) {
	return p.q.DiscardOlderThan(ctx, p.cfg.MaxTaskAge)
}

// Len reports the current queue depth.
func (p *PrefetchQueue) Len(ctx context.Context) (int, error) {
	return p.q.Len(ctx)
}
