// Package config loads and validates crawl configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spinneret/spinneret/engine"
)

// Config captures every crawl knob in file form. Durations are spelled
// as integer seconds or milliseconds so they read naturally in YAML and
// environment variables.
type Config struct {
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Status   StatusConfig   `mapstructure:"status"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Export   ExportConfig   `mapstructure:"export"`
}

// CrawlConfig governs worker count and politeness. BlockedHosts takes
// exact hosts or suffix wildcards like "*.example.com".
type CrawlConfig struct {
	Workers         int      `mapstructure:"workers"`
	DownloadDelayMs int      `mapstructure:"download_delay_ms"`
	RandomizeDelay  bool     `mapstructure:"randomize_delay"`
	JitterMin       float64  `mapstructure:"jitter_min"`
	JitterMax       float64  `mapstructure:"jitter_max"`
	PerHostRPS      float64  `mapstructure:"per_host_rps"`
	PerHostBurst    int      `mapstructure:"per_host_burst"`
	BlockedHosts    []string `mapstructure:"blocked_hosts"`
}

// HTTPConfig configures the default fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// RetryConfig controls failure resubmission.
type RetryConfig struct {
	Times   int   `mapstructure:"times"`
	DelayMs int   `mapstructure:"delay_ms"`
	Codes   []int `mapstructure:"codes"`
}

// HeadlessConfig configures the browser-rendering fetcher. Auto keeps
// the plain client in front and renders only pages that look like
// unrendered application shells.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Auto              bool `mapstructure:"auto"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features. Level accepts the
// zap level names; empty keeps the mode default.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ExportConfig sets the JSONL item output path. Empty disables export.
type ExportConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			Workers:        2 * runtime.GOMAXPROCS(0),
			RandomizeDelay: true,
			JitterMin:      0.5,
			JitterMax:      1.5,
			PerHostBurst:   1,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
			UserAgent:      "spinneret",
		},
		Retry: RetryConfig{
			Times:   3,
			DelayMs: 3000,
			Codes:   []int{500, 502, 503, 504, 408, 429},
		},
		Headless: HeadlessConfig{
			MaxParallel:       1,
			NavTimeoutSeconds: 45,
		},
		Status: StatusConfig{
			Port: 8077,
		},
		Logging: LoggingConfig{
			Development: true,
		},
	}
}

// Load builds a Config from disk and environment. An empty path skips
// the file and uses defaults plus SPINNERET_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPINNERET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("crawl.workers", d.Crawl.Workers)
	v.SetDefault("crawl.download_delay_ms", d.Crawl.DownloadDelayMs)
	v.SetDefault("crawl.randomize_delay", d.Crawl.RandomizeDelay)
	v.SetDefault("crawl.jitter_min", d.Crawl.JitterMin)
	v.SetDefault("crawl.jitter_max", d.Crawl.JitterMax)
	v.SetDefault("crawl.per_host_rps", d.Crawl.PerHostRPS)
	v.SetDefault("crawl.per_host_burst", d.Crawl.PerHostBurst)
	v.SetDefault("crawl.blocked_hosts", d.Crawl.BlockedHosts)
	v.SetDefault("http.timeout_seconds", d.HTTP.TimeoutSeconds)
	v.SetDefault("http.user_agent", d.HTTP.UserAgent)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)
	v.SetDefault("retry.times", d.Retry.Times)
	v.SetDefault("retry.delay_ms", d.Retry.DelayMs)
	v.SetDefault("retry.codes", d.Retry.Codes)
	v.SetDefault("headless.enabled", d.Headless.Enabled)
	v.SetDefault("headless.auto", d.Headless.Auto)
	v.SetDefault("headless.max_parallel", d.Headless.MaxParallel)
	v.SetDefault("headless.nav_timeout_seconds", d.Headless.NavTimeoutSeconds)
	v.SetDefault("status.enabled", d.Status.Enabled)
	v.SetDefault("status.port", d.Status.Port)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("export.path", d.Export.Path)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.DownloadDelayMs < 0 {
		return fmt.Errorf("crawl.download_delay_ms must be >= 0")
	}
	if c.Crawl.RandomizeDelay && c.Crawl.DownloadDelayMs > 0 {
		if c.Crawl.JitterMin <= 0 || c.Crawl.JitterMax < c.Crawl.JitterMin {
			return fmt.Errorf("crawl jitter range must satisfy 0 < jitter_min <= jitter_max")
		}
	}
	if c.Crawl.PerHostRPS < 0 {
		return fmt.Errorf("crawl.per_host_rps must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Retry.Times < 0 {
		return fmt.Errorf("retry.times must be >= 0")
	}
	if c.Retry.DelayMs < 0 {
		return fmt.Errorf("retry.delay_ms must be >= 0")
	}
	for _, code := range c.Retry.Codes {
		if code < 400 || code > 599 {
			return fmt.Errorf("retry.codes entry %d outside 400..599", code)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Status.Enabled && c.Status.Port <= 0 {
		return fmt.Errorf("status.port must be > 0 when the status server is enabled")
	}
	return nil
}

// EngineConfig converts the file form into the engine's runtime form.
func (c Config) EngineConfig() engine.Config {
	headers := http.Header{}
	if c.HTTP.UserAgent != "" {
		headers.Set("User-Agent", c.HTTP.UserAgent)
	}
	return engine.Config{
		Workers:        c.Crawl.Workers,
		Timeout:        time.Duration(c.HTTP.TimeoutSeconds) * time.Second,
		DefaultHeaders: headers,
		MaxBodyBytes:   c.HTTP.MaxBodyBytes,
		DownloadDelay:  time.Duration(c.Crawl.DownloadDelayMs) * time.Millisecond,
		RandomizeDelay: c.Crawl.RandomizeDelay,
		JitterMin:      c.Crawl.JitterMin,
		JitterMax:      c.Crawl.JitterMax,
		PerHostRPS:     c.Crawl.PerHostRPS,
		PerHostBurst:   c.Crawl.PerHostBurst,
		RetryTimes:     c.Retry.Times,
		RetryDelay:     time.Duration(c.Retry.DelayMs) * time.Millisecond,
		RetryCodes:     c.Retry.Codes,
	}
}
