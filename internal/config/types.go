package config

import "time"

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatConsole = "console"
	LogFormatJSON    = "json"
	LogFormatText    = "text"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Port                int      `yaml:"port"`
	APIHost             []string `yaml:"apiHost"`
	EnableHomepage      bool     `yaml:"enableHomepage"`
	DisallowUnknownSite bool     `yaml:"disallowUnknownSite"`

	Cache         CacheConfig `yaml:"cache"`
	WorkerTimeout int         `yaml:"workerTimeout"` // seconds

	Bus   BusConfig   `yaml:"bus"`
	Store StoreConfig `yaml:"store"`

	LogLevel string    `yaml:"logLevel"`
	Logging  LogConfig `yaml:"logging"`

	Admin  AdminConfig  `yaml:"admin"`
	Events EventsConfig `yaml:"events"`
}

// CacheConfig holds the freshness/janitor timings, all in seconds in YAML.
type CacheConfig struct {
	MaxAge      int `yaml:"maxage"`
	SMaxAge     int `yaml:"sMaxage"`
	RobotsTxt   int `yaml:"robotsTxt"`
	Sitemap     int `yaml:"sitemap"`
	RemoveAfter int `yaml:"removeAfter"`
}

func (c CacheConfig) MaxAgeDuration() time.Duration      { return time.Duration(c.MaxAge) * time.Second }
func (c CacheConfig) SMaxAgeDuration() time.Duration     { return time.Duration(c.SMaxAge) * time.Second }
func (c CacheConfig) RemoveAfterDuration() time.Duration { return time.Duration(c.RemoveAfter) * time.Second }

// BusConnConfig describes one side (reader or writer) of the message bus connection.
type BusConnConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig carries the reader/writer connection parameters for the WorkerBus,
// per spec.md's bus.reader/bus.writer configuration keys.
type BusConfig struct {
	Reader BusConnConfig `yaml:"reader"`
	Writer BusConnConfig `yaml:"writer"`
}

// StoreConfig describes the snapshot/site-config document store connection.
// Snapshots and SiteConfigs share one Postgres connection, split across two
// tables (localCacheDir fronts only the snapshot table with a goleveldb
// directory, per SPEC_FULL.md's local durable cache).
type StoreConfig struct {
	URL               string `yaml:"url"`
	Database          string `yaml:"database"`
	PoolSize          int    `yaml:"poolSize"`
	SnapshotsTable    string `yaml:"snapshotsTable"`
	SiteConfigsTable  string `yaml:"siteConfigsTable"`
	LocalCacheDir     string `yaml:"localCacheDir"`
	LocalCacheEntries int    `yaml:"localCacheEntries"`
}

// AdminConfig configures the admin surface: cache invalidation auth and the
// separate metrics listener.
type AdminConfig struct {
	SharedSecret string `yaml:"sharedSecret"`
	MetricsPort  int    `yaml:"metricsPort"`
}

// EventsConfig configures lifecycle event emission (component J).
type EventsConfig struct {
	File   EventFileConfig `yaml:"file"`
	Stdout bool            `yaml:"stdout"`
}

type EventFileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

// LogConfig mirrors the ambient logging shape: console and file cores, each
// independently levelled, with lumberjack rotation for the file core.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Level    string         `yaml:"level"`
	Format   string         `yaml:"format"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"maxSize"`
	MaxAge     int  `yaml:"maxAge"`
	MaxBackups int  `yaml:"maxBackups"`
	Compress   bool `yaml:"compress"`
}

// effectiveLogConfig folds the top-level logLevel scalar into the structured
// Logging block when the latter doesn't already specify one, and applies
// sane defaults for a config that only sets logLevel.
func (c *Config) effectiveLogConfig() LogConfig {
	lc := c.Logging
	if lc.Level == "" {
		lc.Level = c.LogLevel
	}
	if lc.Level == "" {
		lc.Level = LogLevelInfo
	}
	if !lc.Console.Enabled && !lc.File.Enabled {
		lc.Console.Enabled = true
		if lc.Console.Format == "" {
			lc.Console.Format = LogFormatConsole
		}
	}
	return lc
}
