package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCROLLBACK_DISCORD_TOKEN.
const EnvPrefix = "SCROLLBACK"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Cache.SQLitePath = expandTilde(cfg.Cache.SQLitePath)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "scrollback"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "scrollback"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal ignores
	// unbound nested keys)
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// History
	v.SetDefault("history.chain_window", cfg.History.ChainWindow)
	v.SetDefault("history.page_size", cfg.History.PageSize)
	v.SetDefault("history.prefetch_distance", cfg.History.PrefetchDistance)
	v.SetDefault("history.timezone", cfg.History.Timezone)
	v.SetDefault("history.workers", cfg.History.Workers)

	// Discord
	v.SetDefault("discord.token", cfg.Discord.Token)
	v.SetDefault("discord.api_base", cfg.Discord.APIBase)
	v.SetDefault("discord.gateway_url", cfg.Discord.GatewayURL)
	v.SetDefault("discord.rate_limit", cfg.Discord.RateLimit)
	v.SetDefault("discord.burst", cfg.Discord.Burst)
	v.SetDefault("discord.request_timeout", cfg.Discord.RequestTimeout)

	// Cache
	v.SetDefault("cache.sqlite_path", cfg.Cache.SQLitePath)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_ttl", cfg.Cache.RedisTTL)

	// Metrics
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	// TUI
	v.SetDefault("tui.theme", cfg.TUI.Theme)
	v.SetDefault("tui.show_timestamps", cfg.TUI.ShowTimestamps)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Values set here win over every other
// source, which is how CLI flags are applied.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// envBindings lists every key that supports an environment override.
var envBindings = []string{
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"history.chain_window",
	"history.page_size",
	"history.prefetch_distance",
	"history.timezone",
	"history.workers",
	"discord.token",
	"discord.api_base",
	"discord.gateway_url",
	"discord.rate_limit",
	"discord.burst",
	"discord.request_timeout",
	"cache.sqlite_path",
	"cache.redis_addr",
	"cache.redis_ttl",
	"metrics.addr",
	"tui.theme",
	"tui.show_timestamps",
}

// EnvVar returns the environment variable bound to a config key:
// discord.token -> SCROLLBACK_DISCORD_TOKEN.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// bindEnvVars binds environment variables for config keys. The bot token
// also honours the conventional DISCORD_TOKEN.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		if key == "discord.token" {
			_ = v.BindEnv(key, EnvVar(key), "DISCORD_TOKEN")
			continue
		}
		_ = v.BindEnv(key, EnvVar(key))
	}
}
