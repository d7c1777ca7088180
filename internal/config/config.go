// Package config handles scrollback configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/tOgg1/scrollback/internal/chaining"
	"github.com/tOgg1/scrollback/internal/channel"
	"github.com/tOgg1/scrollback/internal/fetch"
)

// Config is the root configuration structure for scrollback.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// History engine settings
	History HistoryConfig `yaml:"history" mapstructure:"history"`

	// Discord connection settings
	Discord DiscordConfig `yaml:"discord" mapstructure:"discord"`

	// Cache settings
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Metrics settings
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// TUI settings
	TUI TUIConfig `yaml:"tui" mapstructure:"tui"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path. The TUI logs here instead of stderr.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// HistoryConfig contains history engine settings.
type HistoryConfig struct {
	// ChainWindow is the longest pause between two chained messages.
	ChainWindow time.Duration `yaml:"chain_window" mapstructure:"chain_window"`

	// PageSize is the limit sent with every history request (1..100).
	PageSize int `yaml:"page_size" mapstructure:"page_size"`

	// PrefetchDistance is how many entries beyond the viewport trigger a fetch.
	PrefetchDistance int `yaml:"prefetch_distance" mapstructure:"prefetch_distance"`

	// Timezone decides calendar days for date separators (IANA name, default Local).
	Timezone string `yaml:"timezone" mapstructure:"timezone"`

	// Workers bounds concurrent page fetches.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// DiscordConfig contains Discord API settings.
type DiscordConfig struct {
	// Token is the bot token. Prefer SCROLLBACK_DISCORD_TOKEN over the file.
	Token string `yaml:"token" mapstructure:"token"`

	// APIBase is the REST API root.
	APIBase string `yaml:"api_base" mapstructure:"api_base"`

	// GatewayURL is the realtime gateway endpoint.
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`

	// RateLimit is the sustained REST request rate per second.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Burst is the REST request burst size.
	Burst int `yaml:"burst" mapstructure:"burst"`

	// RequestTimeout bounds a single REST request.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// CacheConfig contains local archive and page cache settings.
type CacheConfig struct {
	// SQLitePath is the local message archive. Empty disables it.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// RedisAddr enables the shared page cache when set (host:port).
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`

	// RedisTTL is how long cached pages live.
	RedisTTL time.Duration `yaml:"redis_ttl" mapstructure:"redis_ttl"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Addr serves /metrics when set (e.g. 127.0.0.1:9464).
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// TUIConfig contains TUI settings.
type TUIConfig struct {
	// Theme is the color theme (default, high-contrast).
	Theme string `yaml:"theme" mapstructure:"theme"`

	// ShowTimestamps shows timestamps in the UI.
	ShowTimestamps bool `yaml:"show_timestamps" mapstructure:"show_timestamps"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		History: HistoryConfig{
			ChainWindow:      chaining.DefaultChainWindow,
			PageSize:         fetch.DefaultPageSize,
			PrefetchDistance: fetch.DefaultDistance,
			Timezone:         "Local",
			Workers:          4,
		},
		Discord: DiscordConfig{
			APIBase:        "https://discord.com/api/v10",
			GatewayURL:     "wss://gateway.discord.gg/?v=10&encoding=json",
			RateLimit:      5,
			Burst:          5,
			RequestTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			SQLitePath: filepath.Join(homeDir, ".local", "share", "scrollback", "archive.db"),
			RedisTTL:   10 * time.Minute,
		},
		TUI: TUIConfig{
			Theme:          "default",
			ShowTimestamps: true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.History.ChainWindow < 0 {
		return fmt.Errorf("history.chain_window must not be negative")
	}
	if c.History.PageSize < 1 || c.History.PageSize > 100 {
		return fmt.Errorf("history.page_size must be between 1 and 100")
	}
	if c.History.PrefetchDistance < 0 {
		return fmt.Errorf("history.prefetch_distance must not be negative")
	}
	if c.History.Workers < 1 {
		return fmt.Errorf("history.workers must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("history.timezone: %w", err)
	}

	if c.Discord.APIBase != "" {
		if _, err := url.ParseRequestURI(c.Discord.APIBase); err != nil {
			return fmt.Errorf("discord.api_base: %w", err)
		}
	}
	if c.Discord.RateLimit <= 0 {
		return fmt.Errorf("discord.rate_limit must be positive")
	}
	if c.Discord.Burst < 1 {
		return fmt.Errorf("discord.burst must be at least 1")
	}
	if c.Discord.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("discord.request_timeout must be at least 100ms")
	}

	if c.Cache.RedisAddr != "" && c.Cache.RedisTTL <= 0 {
		return fmt.Errorf("cache.redis_ttl must be positive when cache.redis_addr is set")
	}

	switch c.TUI.Theme {
	case "", "default", "high-contrast":
	default:
		return fmt.Errorf("tui.theme must be one of default, high-contrast")
	}

	return nil
}

// Location resolves History.Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.History.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.History.Timezone)
	}
}

// ChannelConfig maps the history section onto the engine's settings.
func (c *Config) ChannelConfig() channel.Config {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	distance := c.History.PrefetchDistance
	if distance == 0 {
		// fetch.Config treats zero as "use the default".
		distance = -1
	}
	return channel.Config{
		ChainWindow: c.History.ChainWindow,
		Location:    loc,
		Fetch: fetch.Config{
			Distance: distance,
			PageSize: c.History.PageSize,
		},
		Workers: c.History.Workers,
	}
}

// EnsureDirectories creates directories for configured files.
func (c *Config) EnsureDirectories() error {
	for _, path := range []string{c.Cache.SQLitePath, c.Logging.File} {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
