// Package config loads tsubame settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robertmeta/tsubame/discover"
	"github.com/robertmeta/tsubame/logging"
	"github.com/robertmeta/tsubame/safehttp"
	"github.com/robertmeta/tsubame/store"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Database  store.Config    `yaml:"database"`
	Log       logging.Config  `yaml:"log"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Retention RetentionConfig `yaml:"retention"`
}

// FetchConfig controls the feed fetch path.
type FetchConfig struct {
	UserAgent      string        `yaml:"user_agent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxRedirects   int           `yaml:"max_redirects"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
	BlockedRanges  []string      `yaml:"blocked_ranges"`
}

// DiscoveryConfig controls feed autodiscovery.
type DiscoveryConfig struct {
	MaxHTMLBytes int64         `yaml:"max_html_bytes"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	GuessPaths   []string      `yaml:"guess_paths"`
	FeedTypes    []string      `yaml:"feed_types"`
	LinkTypes    []string      `yaml:"link_types"`
}

// SchedulerConfig controls the due-fetch loop of the daemon.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Workers      int           `yaml:"workers"`
	DispatchRate float64       `yaml:"dispatch_rate"` // fetch starts per second
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key"`
}

// RetentionConfig controls cleanup of read entries.
type RetentionConfig struct {
	ReadEntryDays int `yaml:"read_entry_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	client := safehttp.DefaultOptions()
	return &Config{
		Database: store.Config{Driver: store.DriverSQLite, DSN: defaultDBPath()},
		Log:      logging.Config{Level: "info", Format: "console"},
		Fetch: FetchConfig{
			UserAgent:      client.UserAgent,
			ConnectTimeout: client.ConnectTimeout,
			ReadTimeout:    client.ReadTimeout,
			MaxRedirects:   client.MaxRedirects,
			MaxBodyBytes:   safehttp.MaxFeedBytes,
			ErrorBackoff:   30 * time.Minute,
			BlockedRanges:  append([]string(nil), safehttp.DefaultBlockedRanges...),
		},
		Discovery: DiscoveryConfig{
			MaxHTMLBytes: safehttp.MaxHTMLBytes,
			ProbeTimeout: 5 * time.Second,
			GuessPaths:   []string{"/feed", "/feed.xml", "/rss", "/rss.xml", "/atom.xml", "/index.xml", "/feed.atom"},
			FeedTypes:    []string{"application/rss+xml", "application/atom+xml", "text/xml", "application/xml"},
			LinkTypes:    []string{"application/rss+xml", "application/atom+xml"},
		},
		Scheduler: SchedulerConfig{
			Interval:     time.Minute,
			Workers:      8,
			DispatchRate: 4,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Retention: RetentionConfig{ReadEntryDays: 90},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = GetEnvString("TSUBAME_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = GetEnvString("TSUBAME_DB", c.Database.DSN)
	c.Log.Level = GetEnvString("TSUBAME_LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnvString("TSUBAME_LOG_FORMAT", c.Log.Format)
	c.Log.File = GetEnvString("TSUBAME_LOG_FILE", c.Log.File)
	c.Fetch.UserAgent = GetEnvString("TSUBAME_USER_AGENT", c.Fetch.UserAgent)
	c.Fetch.ConnectTimeout = GetEnvDuration("TSUBAME_CONNECT_TIMEOUT", c.Fetch.ConnectTimeout)
	c.Fetch.ReadTimeout = GetEnvDuration("TSUBAME_READ_TIMEOUT", c.Fetch.ReadTimeout)
	c.Fetch.ErrorBackoff = GetEnvDuration("TSUBAME_ERROR_BACKOFF", c.Fetch.ErrorBackoff)
	c.Scheduler.Interval = GetEnvDuration("TSUBAME_SCHEDULER_INTERVAL", c.Scheduler.Interval)
	c.Scheduler.Workers = GetEnvInt("TSUBAME_WORKERS", c.Scheduler.Workers)
	c.Server.Enabled = GetEnvBool("TSUBAME_SERVER_ENABLED", c.Server.Enabled)
	c.Server.Host = GetEnvString("TSUBAME_SERVER_HOST", c.Server.Host)
	c.Server.Port = GetEnvInt("TSUBAME_SERVER_PORT", c.Server.Port)
	c.Server.APIKey = GetEnvString("TSUBAME_API_KEY", c.Server.APIKey)
	c.Retention.ReadEntryDays = GetEnvInt("TSUBAME_RETENTION_DAYS", c.Retention.ReadEntryDays)
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Fetch.ConnectTimeout <= 0 || c.Fetch.ReadTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeouts must be positive"))
	}
	if c.Fetch.MaxRedirects < 0 {
		errs = append(errs, errors.New("fetch.max_redirects must not be negative"))
	}
	if c.Fetch.MaxBodyBytes <= 0 || c.Discovery.MaxHTMLBytes <= 0 {
		errs = append(errs, errors.New("read caps must be positive"))
	}
	if _, err := safehttp.NewPolicy(c.Fetch.BlockedRanges); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, errors.New("scheduler.workers must be positive"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// ClientOptions returns the HTTP client settings.
func (c *Config) ClientOptions() safehttp.Options {
	return safehttp.Options{
		UserAgent:      c.Fetch.UserAgent,
		ConnectTimeout: c.Fetch.ConnectTimeout,
		ReadTimeout:    c.Fetch.ReadTimeout,
		MaxRedirects:   c.Fetch.MaxRedirects,
	}
}

// DiscoverOptions returns the autodiscovery settings.
func (c *Config) DiscoverOptions() discover.Options {
	return discover.Options{
		FeedTypes:    c.Discovery.FeedTypes,
		LinkTypes:    c.Discovery.LinkTypes,
		GuessPaths:   c.Discovery.GuessPaths,
		MaxHTMLBytes: c.Discovery.MaxHTMLBytes,
		ProbeTimeout: c.Discovery.ProbeTimeout,
	}
}

// Policy returns the blocked-range policy. Validate has already parsed it.
func (c *Config) Policy() (safehttp.Policy, error) {
	return safehttp.NewPolicy(c.Fetch.BlockedRanges)
}

// RetentionCutoff is the read time before which entries are purged.
func (c *Config) RetentionCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(c.Retention.ReadEntryDays) * 24 * time.Hour)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tsubame.db"
	}
	return filepath.Join(home, ".config", "tsubame", "tsubame.db")
}
