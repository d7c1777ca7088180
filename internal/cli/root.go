// Package cli implements the scrollback command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scrollback/internal/config"
	"github.com/tOgg1/scrollback/internal/logging"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsAddr string
	jsonOutput  bool
	jsonlOutput bool
	verbose     bool

	appConfig *config.Config
	logCloser io.Closer

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "scrollback",
	Short: "Browse and follow Discord channel history from the terminal",
	Long: `scrollback keeps a gap-aware view of a channel's history. Pages load
on demand as you scroll, realtime messages arrive over the gateway, and
everything fetched is archived locally in SQLite.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
			logCloser = nil
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ~/.config/scrollback/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// Execute runs the root command.
func Execute(v, c, d string) error {
	version, commit, date = v, c, d
	rootCmd.Version = fmt.Sprintf("%s (%s, %s)", version, commit, date)
	return rootCmd.Execute()
}

func initConfig(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	if logLevel != "" {
		loader.Set("logging.level", logLevel)
	} else if verbose {
		loader.Set("logging.level", "debug")
	}
	if logFormat != "" {
		loader.Set("logging.format", logFormat)
	}
	if metricsAddr != "" {
		loader.Set("metrics.addr", metricsAddr)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	appConfig = cfg

	return initLogging(cfg, cmd.ErrOrStderr(), false)
}

// initLogging points the global logger at the configured file, or at
// fallback when there is none. quiet discards logs without a file, for
// commands that own the terminal.
func initLogging(cfg *config.Config, fallback io.Writer, quiet bool) error {
	out := fallback
	if quiet {
		out = io.Discard
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		if logCloser != nil {
			_ = logCloser.Close()
		}
		logCloser = f
		out = f
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       out,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	if appConfig == nil {
		return config.DefaultConfig()
	}
	return appConfig
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool { return jsonOutput }

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool { return jsonlOutput }

// IsVerbose reports whether --verbose was given.
func IsVerbose() bool { return verbose }
