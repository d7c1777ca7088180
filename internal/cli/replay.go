package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scrollback/internal/replay"
)

var replayChannel string

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayChannel, "channel", "1", "channel id the script plays in")
}

var replayCmd = &cobra.Command{
	Use:   "replay <script.jsonl>",
	Short: "Run a scripted session against an in-memory server",
	Long: `Replay a JSON-lines script of server messages, realtime events, scrolls
and jumps through the history engine, then print the resulting sequence.
Every line holds one of:

  {"message": {...}}          add to the server without notifying the client
  {"event": {...}}            deliver a realtime event
  {"scroll": {"first": 0, "last": 10}}
  {"jump": "<message id>"}
  {"latest": true}

All fetches are served immediately after each step.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := parseChannelArg(replayChannel)
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open script: %w", err)
			}
			defer f.Close()
			in = f
		}
		steps, err := replay.Parse(in)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		report, err := replay.NewRunner(GetConfig().ChannelConfig()).Run(ctx, channelID, steps)
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return report.WriteJSON(cmd.OutOrStdout())
		}
		return report.WriteText(cmd.OutOrStdout())
	},
}
