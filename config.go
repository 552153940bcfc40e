package ronde

import (
	"time"

	"github.com/hazyhaar/ronde/internal/cache"
	"github.com/hazyhaar/ronde/internal/gap"
	"github.com/hazyhaar/ronde/internal/learner"
	"github.com/hazyhaar/ronde/internal/quota"
	"github.com/hazyhaar/ronde/internal/sched"
)

// Config configures the ronde service.
type Config struct {
	// Quota settings
	Quota quota.Config

	// Cache settings
	Cache    cache.Config
	Prefetch cache.PrefetchConfig

	// Learner settings
	Learner learner.Config

	// Scheduler settings
	Scheduler sched.Config

	// Gap detection settings
	Gap gap.Config

	// WarmCacheDir is where the disk cache tier lives. Empty keeps the
	// warm tier in memory.
	WarmCacheDir string

	// HotCacheBytes bounds the in-process tier.
	HotCacheBytes int64

	// OutcomeRetention is how long outcome records are kept. Must cover
	// the learner window.
	OutcomeRetention time.Duration

	// EventRetentionDays is how long business events are kept.
	EventRetentionDays int
}

func (c *Config) defaults() {
	if c.HotCacheBytes <= 0 {
		c.HotCacheBytes = 64 << 20
	}
	if c.OutcomeRetention <= 0 {
		c.OutcomeRetention = 90 * 24 * time.Hour
	}
	if c.OutcomeRetention < c.Learner.Window {
		c.OutcomeRetention = c.Learner.Window
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = 30
	}
}

func defaultConfig() *Config {
	return &Config{}
}
