package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scrollback/internal/snowflake"
)

var (
	contextGuild string
	contextName  string
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextShowCmd, contextSetCmd, contextClearCmd)

	contextSetCmd.Flags().StringVar(&contextGuild, "guild", "", "guild id of the channel")
	contextSetCmd.Flags().StringVar(&contextName, "name", "", "display name of the channel")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show or change the remembered channel",
	Long:  "The context is the channel `view` and `tail` use when no channel is given, and the last read position in it.",
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the remembered channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := contextStore().Load()
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(cmd.OutOrStdout(), current)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, current.String())
		if !current.LastReadID.IsZero() {
			fmt.Fprintf(out, "last read: %s\n", current.LastReadID)
		}
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <channel>",
	Short: "Remember a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseChannelArg(args[0])
		if err != nil {
			return err
		}
		var guild snowflake.ID
		if contextGuild != "" {
			if guild, err = snowflake.Parse(contextGuild); err != nil {
				return fmt.Errorf("invalid guild: %w", err)
			}
		}
		store := contextStore()
		current, err := store.Load()
		if err != nil {
			return err
		}
		current.SetChannel(guild, id, contextName)
		if err := store.Save(current); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "context set to %s\n", current)
		return nil
	},
}

var contextClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the remembered channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := contextStore().Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "context cleared")
		return nil
	},
}
