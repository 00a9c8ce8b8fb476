package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// UnmarshalStrict decodes YAML with unknown-field rejection, so a typo in a
// deployed config surfaces at startup instead of silently being ignored.
func UnmarshalStrict(data []byte, v interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(v); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "field") && strings.Contains(errStr, "not found") {
			return fmt.Errorf("unknown configuration field (check for typos): %w", err)
		}
		return err
	}
	return nil
}

// envOverlay is the set of config keys a deployment may override via
// KASHA_-prefixed environment variables, without touching the YAML file.
// This is strictly an env-var convenience layer on top of the strict YAML
// source of truth; it never introduces fields the YAML schema doesn't have.
var envOverlay = []struct {
	key    string
	assign func(*Config, string)
}{
	{"port", func(c *Config, v string) { assignInt(&c.Port, v) }},
	{"logLevel", func(c *Config, v string) { c.LogLevel = v }},
	{"store.url", func(c *Config, v string) { c.Store.URL = v }},
	{"store.database", func(c *Config, v string) { c.Store.Database = v }},
	{"store.poolSize", func(c *Config, v string) { assignInt(&c.Store.PoolSize, v) }},
	{"bus.reader.addr", func(c *Config, v string) { c.Bus.Reader.Addr = v }},
	{"bus.reader.password", func(c *Config, v string) { c.Bus.Reader.Password = v }},
	{"bus.writer.addr", func(c *Config, v string) { c.Bus.Writer.Addr = v }},
	{"bus.writer.password", func(c *Config, v string) { c.Bus.Writer.Password = v }},
	{"workerTimeout", func(c *Config, v string) { assignInt(&c.WorkerTimeout, v) }},
	{"admin.sharedSecret", func(c *Config, v string) { c.Admin.SharedSecret = v }},
	{"admin.metricsPort", func(c *Config, v string) { assignInt(&c.Admin.MetricsPort, v) }},
}

func assignInt(dst *int, v string) {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
		*dst = n
	}
}

// applyEnvOverlay layers KASHA_* environment variables on top of a
// strictly-parsed Config. Viper only supplies env lookup/key-replacement
// here; the YAML file remains the schema of record.
func applyEnvOverlay(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("KASHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, entry := range envOverlay {
		if val := v.GetString(entry.key); val != "" {
			entry.assign(cfg, val)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.WorkerTimeout == 0 {
		cfg.WorkerTimeout = 30
	}
	if cfg.Cache.Sitemap == 0 {
		cfg.Cache.Sitemap = 3600
	}
	if cfg.Cache.RobotsTxt == 0 {
		cfg.Cache.RobotsTxt = 3600
	}
	if cfg.Store.PoolSize == 0 {
		cfg.Store.PoolSize = 10
	}
	if cfg.Store.SnapshotsTable == "" {
		cfg.Store.SnapshotsTable = "snapshots"
	}
	if cfg.Store.SiteConfigsTable == "" {
		cfg.Store.SiteConfigsTable = "site_configs"
	}
	if cfg.Store.LocalCacheEntries == 0 {
		cfg.Store.LocalCacheEntries = 10000
	}
	if cfg.Admin.MetricsPort == 0 {
		cfg.Admin.MetricsPort = 9090
	}
}

// Validate enforces the structural requirements §6 implies: a reachable
// store, a meaningful worker timeout, and freshness tiers that are ordered.
func (c *Config) Validate() error {
	ec := NewErrorCollector()

	if c.Port <= 0 {
		ec.Add("port", "must be > 0")
	}
	if c.Store.URL == "" {
		ec.Add("store.url", "is required")
	}
	if c.Bus.Reader.Addr == "" {
		ec.Add("bus.reader.addr", "is required")
	}
	if c.Bus.Writer.Addr == "" {
		ec.Add("bus.writer.addr", "is required")
	}
	if c.WorkerTimeout <= 0 {
		ec.Add("workerTimeout", "must be > 0")
	}
	if c.Cache.MaxAge < 0 || c.Cache.SMaxAge < 0 {
		ec.Add("cache", "maxage and sMaxage must be >= 0")
	}
	if c.Cache.SMaxAge < c.Cache.MaxAge {
		ec.Add("cache", "sMaxage must be >= maxage")
	}
	if c.Cache.RemoveAfter <= 0 {
		ec.Add("cache.removeAfter", "must be > 0")
	}

	return ec.Err()
}

// Load reads, strictly parses, defaults, env-overlays, and validates the
// gateway configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverlay(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ToLoggerConfig exposes the effective logging shape used by internal/logger.
func (c *Config) ToLoggerConfig() LogConfig {
	return c.effectiveLogConfig()
}
