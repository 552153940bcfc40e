package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ronde"
	"github.com/hazyhaar/ronde/internal/quota"
)

// fileConfig is the YAML configuration for the ronde binary. Every field
// has a default; environment variables override the file (see main).
type fileConfig struct {
	DBPath       string        `yaml:"db_path"`
	Listen       string        `yaml:"listen"`
	TickInterval time.Duration `yaml:"tick_interval"`

	// Platform API the fetcher polls through.
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`

	// Optional webhook notified when a check finds content.
	WebhookURL string `yaml:"webhook_url"`

	// Cache sizing. Empty warm_cache_dir keeps the disk tier in memory.
	WarmCacheDir string `yaml:"warm_cache_dir"`
	HotCacheMB   int64  `yaml:"hot_cache_mb"`

	// DailyQuota is the platform's daily budget in cost units.
	DailyQuota int `yaml:"daily_quota"`
}

// loadConfig reads a YAML configuration file. An empty path yields pure
// defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *fileConfig) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "db/ronde.db"
	}
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Minute
	}
	if c.HotCacheMB <= 0 {
		c.HotCacheMB = 64
	}
}

// serviceConfig maps the file settings onto the service configuration.
// Anything not surfaced here keeps the library defaults.
func (c *fileConfig) serviceConfig() *ronde.Config {
	return &ronde.Config{
		Quota:         quota.Config{DailyLimit: c.DailyQuota},
		WarmCacheDir:  c.WarmCacheDir,
		HotCacheBytes: c.HotCacheMB << 20,
	}
}
