package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), map[string]string{
				"version": version,
				"commit":  commit,
				"date":    date,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scrollback %s (commit %s, built %s)\n", version, commit, date)
		return nil
	},
}
