package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/scrollback/internal/events"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
	"github.com/tOgg1/scrollback/internal/viewer"
)

var (
	viewJump    string
	viewResume  bool
	viewOffline bool
	viewTheme   string
)

func init() {
	rootCmd.AddCommand(viewCmd)

	viewCmd.Flags().StringVar(&viewJump, "jump", "", "open at this message id instead of the newest")
	viewCmd.Flags().BoolVar(&viewResume, "resume", false, "open at the last read position of the remembered channel")
	viewCmd.Flags().BoolVar(&viewOffline, "offline", false, "browse the local archive without connecting")
	viewCmd.Flags().StringVar(&viewTheme, "theme", "", "color theme (default, high-contrast)")
}

var viewCmd = &cobra.Command{
	Use:   "view [channel]",
	Short: "Browse a channel interactively",
	Long: `Open a channel in the terminal viewer. Older history loads as you scroll
up; new messages arrive live unless --offline is set.

Keys: up/down or j/k scroll, pgup/pgdown page, home/g top, end/G live edge,
q quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return errors.New("view needs a terminal; use `scrollback tail` for pipes")
		}
		channelID, current, err := resolveChannel(args)
		if err != nil {
			return err
		}
		jump, err := viewTarget(channelID, current.ChannelID, current.LastReadID)
		if err != nil {
			return err
		}

		cfg := GetConfig()
		// The viewer owns the terminal; logs go to the log file or nowhere.
		if err := initLogging(cfg, cmd.ErrOrStderr(), true); err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		rt, err := newRuntime(ctx, cfg, runtimeOptions{offline: viewOffline})
		if err != nil {
			return err
		}
		defer rt.Close()

		guildID, name := rt.channelName(ctx, channelID)
		if viewOffline && current.ChannelID == channelID && current.ChannelName != "" {
			guildID, name = current.GuildID, current.ChannelName
		}
		vlog := logging.WithGuild(logging.WithChannel(rt.logger, channelID), guildID)
		vlog.Debug().Str("name", name).Bool("offline", viewOffline).Msg("opening viewer")
		loc, _ := cfg.Location()
		theme := cfg.TUI.Theme
		if viewTheme != "" {
			theme = viewTheme
		}

		vcfg := viewer.Config{
			ChannelID:      channelID,
			Title:          "#" + name,
			Theme:          theme,
			ShowTimestamps: cfg.TUI.ShowTimestamps,
			Location:       loc,
			Jump:           jump,
		}
		if !viewOffline {
			feed, err := subscribeFeed(ctx, rt, channelID)
			if err != nil {
				return err
			}
			vcfg.Events = feed
		}

		readPos, runErr := viewer.Run(ctx, vcfg, rt.manager(), rt.fetcher)

		store := contextStore()
		saved, err := store.Load()
		if err == nil {
			saved.SetChannel(guildID, channelID, name)
			if !readPos.IsZero() {
				saved.SetLastRead(readPos)
			}
			err = store.Save(saved)
		}
		if err != nil {
			rt.logger.Warn().Err(err).Msg("failed to save context")
		}
		return runErr
	},
}

// viewTarget picks the message to open at from --jump or --resume.
func viewTarget(channelID, contextChannel, lastRead snowflake.ID) (snowflake.ID, error) {
	if viewJump != "" {
		id, err := snowflake.Parse(viewJump)
		if err != nil {
			return 0, fmt.Errorf("invalid --jump: %w", err)
		}
		return id, nil
	}
	if viewResume && channelID == contextChannel {
		return lastRead, nil
	}
	return 0, nil
}

// subscribeFeed delivers the channel's events from the bus to the viewer.
// The feed is closed when the gateway stops.
func subscribeFeed(ctx context.Context, rt *runtime, channelID snowflake.ID) (<-chan models.Event, error) {
	feed := make(chan models.Event, 256)
	err := rt.bus.Subscribe("viewer", events.Filter{Channels: []snowflake.ID{channelID}}, func(ev models.Event) {
		select {
		case feed <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(feed)
		if err := rt.follow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			glog := logging.Component("gateway")
			glog.Error().Err(err).Msg("realtime connection stopped")
		}
	}()
	return feed, nil
}
