package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tOgg1/scrollback/internal/config"
	"github.com/tOgg1/scrollback/internal/logging"
)

var configShowEnv bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().BoolVar(&configShowEnv, "env", false, "list the environment overrides in effect instead")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration after defaults, the config file, environment and flags are merged. The token is masked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowEnv {
			return writeEnvOverrides(cmd, os.Environ())
		}
		cfg := *GetConfig()
		if cfg.Discord.Token != "" {
			cfg.Discord.Token = "********"
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), cfg)
		}
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("failed to serialize config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// writeEnvOverrides prints the SCROLLBACK_* variables plus DISCORD_TOKEN with
// secrets scrubbed.
func writeEnvOverrides(cmd *cobra.Command, environ []string) error {
	var env []string
	for _, e := range environ {
		if strings.HasPrefix(e, config.EnvPrefix+"_") || strings.HasPrefix(e, "DISCORD_TOKEN=") {
			env = append(env, e)
		}
	}
	sort.Strings(env)
	env = logging.RedactEnv(env)
	if IsJSONOutput() || IsJSONLOutput() {
		return WriteOutput(cmd.OutOrStdout(), env)
	}
	if len(env) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "(no overrides)")
		return nil
	}
	for _, e := range env {
		fmt.Fprintln(cmd.OutOrStdout(), e)
	}
	return nil
}
