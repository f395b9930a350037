// Package config provides configuration management for the crawler.
// It handles loading, validation, and access to configuration values from
// YAML files, environment variables, and command-line flags via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/roverhq/rover/internal/logger"
)

// Default configuration values.
const (
	// DefaultMaxWorkers is the default fetch-worker task count.
	DefaultMaxWorkers = 500
	// DefaultParseWorkers is the default parse-worker count per parse process.
	DefaultParseWorkers = 2
	// DefaultDataDir is the root directory for frontier files and content.
	DefaultDataDir = "./data"
	// DefaultUserAgentBase identifies the crawler when no full user agent is configured.
	DefaultUserAgentBase = "Rover/1.0"
	// DefaultMinCrawlDelay is the compiled-in minimum delay between fetches to one domain.
	DefaultMinCrawlDelay = 70 * time.Second
	// DefaultMaxCrawlDelay caps pathological robots.txt crawl-delay directives.
	DefaultMaxCrawlDelay = 30 * time.Minute
	// DefaultFetchTimeout bounds a single page fetch.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultRobotsTimeout bounds a robots.txt fetch; tighter than the page
	// timeout because failure is common and must not stall the hot path.
	DefaultRobotsTimeout = 10 * time.Second
	// DefaultRedisTimeout bounds individual Redis commands.
	DefaultRedisTimeout = 5 * time.Second
	// DefaultRedisHost is the default Redis host.
	DefaultRedisHost = "127.0.0.1"
	// DefaultRedisPort is the default Redis port.
	DefaultRedisPort = 6379
	// DefaultAdminAddress is the default listen address for the admin server.
	DefaultAdminAddress = ":8041"
	// DefaultLogLevel is the default log verbosity.
	DefaultLogLevel = "info"
	// DefaultLogEncoding is the default log output format.
	DefaultLogEncoding = "console"
)

// Config represents the crawler configuration.
type Config struct {
	// SeedFile is the path to newline-delimited seed URLs.
	SeedFile string `mapstructure:"seed_file" yaml:"seed_file"`
	// Email is the contact email embedded in the User-Agent string.
	Email string `mapstructure:"email" yaml:"email"`
	// DataDir is the root directory for frontier files and content storage.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// ExcludeFile is an optional path to the manual exclusion list.
	ExcludeFile string `mapstructure:"exclude_file" yaml:"exclude_file"`
	// MaxWorkers is the fetch-worker task count.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
	// ParseWorkers is the worker count for the parse process.
	ParseWorkers int `mapstructure:"parse_workers" yaml:"parse_workers"`
	// MaxPages is an optional global cap on successful fetches before shutdown (0 = no cap).
	MaxPages int64 `mapstructure:"max_pages" yaml:"max_pages"`
	// MaxDuration is an optional wall-clock time cap (0 = no cap).
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	// LogLevel is the log verbosity.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// LogEncoding selects console or json log output.
	LogEncoding string `mapstructure:"log_encoding" yaml:"log_encoding"`
	// Development enables development-mode logging.
	Development bool `mapstructure:"development" yaml:"development"`
	// Resume retains the existing frontier and seen set on startup; when false
	// both are cleared for a fresh crawl.
	Resume bool `mapstructure:"resume" yaml:"resume"`
	// UserAgent is the full User-Agent string sent with every request.
	// When empty, one is composed from DefaultUserAgentBase and Email.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
	// SeededURLsOnly restricts fetching to domains appearing in the seed file.
	SeededURLsOnly bool `mapstructure:"seeded_urls_only" yaml:"seeded_urls_only"`
	// RedisHost is the Redis server host.
	RedisHost string `mapstructure:"redis_host" yaml:"redis_host"`
	// RedisPort is the Redis server port.
	RedisPort int `mapstructure:"redis_port" yaml:"redis_port"`
	// RedisDB is the Redis database number.
	RedisDB int `mapstructure:"redis_db" yaml:"redis_db"`
	// RedisPassword is the Redis password, if any.
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password" json:"-"`
	// RedisTimeout bounds individual Redis commands.
	RedisTimeout time.Duration `mapstructure:"redis_timeout" yaml:"redis_timeout"`
	// FetchTimeout bounds a single page fetch.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	// RobotsTimeout bounds a robots.txt fetch.
	RobotsTimeout time.Duration `mapstructure:"robots_timeout" yaml:"robots_timeout"`
	// MinCrawlDelay is the minimum delay between fetches to one domain.
	// Robots crawl-delay directives below this value are raised to it.
	MinCrawlDelay time.Duration `mapstructure:"min_crawl_delay" yaml:"min_crawl_delay"`
	// MaxCrawlDelay caps robots.txt crawl-delay directives.
	MaxCrawlDelay time.Duration `mapstructure:"max_crawl_delay" yaml:"max_crawl_delay"`
	// MaxFetchRate caps global fetches per second across all workers (0 = uncapped).
	MaxFetchRate float64 `mapstructure:"max_fetch_rate" yaml:"max_fetch_rate"`
	// AdminAddress is the listen address for the health/metrics/stats server
	// (empty = disabled).
	AdminAddress string `mapstructure:"admin_address" yaml:"admin_address"`
}

// Load builds a Config from the global Viper state and applies defaults
// for unset values. Validation is left to the caller: commands differ in
// what they require (status reads Redis with no operator identity, crawl
// needs a seed file).
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values with compiled-in defaults so that a Config
// constructed directly (e.g. in tests) behaves like a loaded one.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.ParseWorkers == 0 {
		c.ParseWorkers = DefaultParseWorkers
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogEncoding == "" {
		c.LogEncoding = DefaultLogEncoding
	}
	if c.RedisHost == "" {
		c.RedisHost = DefaultRedisHost
	}
	if c.RedisPort == 0 {
		c.RedisPort = DefaultRedisPort
	}
	if c.RedisTimeout == 0 {
		c.RedisTimeout = DefaultRedisTimeout
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.RobotsTimeout == 0 {
		c.RobotsTimeout = DefaultRobotsTimeout
	}
	if c.MinCrawlDelay == 0 {
		c.MinCrawlDelay = DefaultMinCrawlDelay
	}
	if c.MaxCrawlDelay == 0 {
		c.MaxCrawlDelay = DefaultMaxCrawlDelay
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.MaxWorkers < 1 {
		return errors.New("max_workers must be positive")
	}
	if c.ParseWorkers < 1 {
		return errors.New("parse_workers must be positive")
	}
	if c.MaxPages < 0 {
		return errors.New("max_pages must be non-negative")
	}
	if c.MaxDuration < 0 {
		return errors.New("max_duration must be non-negative")
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return errors.New("redis_port must be in range 1-65535")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch_timeout must be positive")
	}
	if c.RobotsTimeout <= 0 {
		return errors.New("robots_timeout must be positive")
	}
	if c.MinCrawlDelay <= 0 {
		return errors.New("min_crawl_delay must be positive")
	}
	if c.MaxCrawlDelay < c.MinCrawlDelay {
		return errors.New("max_crawl_delay must be >= min_crawl_delay")
	}
	if c.MaxFetchRate < 0 {
		return errors.New("max_fetch_rate must be non-negative")
	}
	if c.UserAgent == "" && c.Email == "" {
		return errors.New("either user_agent or email is required so fetches identify their operator")
	}
	return nil
}

// ValidateCrawl validates the configuration for the crawl command, which
// additionally requires a seed file.
func (c *Config) ValidateCrawl() error {
	if c.SeedFile == "" {
		return errors.New("seed_file is required")
	}
	return c.Validate()
}

// RedisAddress returns the host:port address of the Redis endpoint.
func (c *Config) RedisAddress() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// EffectiveUserAgent returns the User-Agent string sent with every request.
// An explicitly configured user_agent wins; otherwise one is composed from
// the default base and the contact email.
func (c *Config) EffectiveUserAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	if c.Email != "" {
		return fmt.Sprintf("%s (+%s)", DefaultUserAgentBase, c.Email)
	}
	return DefaultUserAgentBase
}

// LoggerConfig returns the logger configuration derived from this Config.
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:       logger.Level(c.LogLevel),
		Development: c.Development,
		Encoding:    c.LogEncoding,
	}
}
