package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scrollback/internal/channel"
	"github.com/tOgg1/scrollback/internal/events"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

var (
	tailLines   int
	tailFollow  bool
	tailOffline bool
)

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "number of recent messages to print first")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", true, "keep printing realtime messages")
	tailCmd.Flags().BoolVar(&tailOffline, "offline", false, "read from the local archive only")
}

var tailCmd = &cobra.Command{
	Use:   "tail [channel]",
	Short: "Print a channel's newest messages and follow it",
	Long: `Print the newest messages of a channel, then keep printing new messages,
edits and deletes as they arrive. With --jsonl every change is written as
one event per line.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, _, err := resolveChannel(args)
		if err != nil {
			return err
		}
		if tailLines < 1 {
			return fmt.Errorf("--lines must be positive")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		cfg := GetConfig()
		rt, err := newRuntime(ctx, cfg, runtimeOptions{offline: tailOffline})
		if err != nil {
			return err
		}
		defer rt.Close()

		loc, _ := cfg.Location()
		printer := newTailPrinter(cmd.OutOrStdout(), channelID, tailLines, IsJSONLOutput() || IsJSONOutput(), loc)

		if !tailFollow || tailOffline {
			limit := min(tailLines, 100)
			page, err := rt.fetcher.FetchPage(ctx, channelID, 0, history.Before, limit)
			if err != nil {
				return fmt.Errorf("fetch latest messages: %w", err)
			}
			return printer.backlog(page.Messages)
		}
		return runTail(ctx, rt, channelID, printer)
	},
}

// commandContext cancels on SIGINT or SIGTERM and carries the command's
// logger. Call it after logging is configured.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.Component("cli").With().Str("command", cmd.Name()).Logger()
	return signal.NotifyContext(logging.WithContext(parent, logger), os.Interrupt, syscall.SIGTERM)
}

func runTail(ctx context.Context, rt *runtime, channelID snowflake.ID, printer *tailPrinter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := rt.manager()
	err := rt.bus.Subscribe("tail", events.Filter{Channels: []snowflake.ID{channelID}}, func(ev models.Event) {
		_ = mgr.Submit(ctx, channel.EventInput{Event: ev})
	})
	if err != nil {
		return err
	}
	gwErr := make(chan error, 1)
	go func() { gwErr <- rt.follow(ctx) }()

	if err := mgr.Submit(ctx, channel.OpenInput{ChannelID: channelID}); err != nil {
		return nil
	}

	var writeErr error
	runErr := make(chan error, 1)
	go func() {
		runErr <- mgr.Run(ctx, func(st *channel.State, upd channel.Update) {
			if st == nil || writeErr != nil {
				return
			}
			if upd.Warning != nil {
				rt.logger.Warn().Err(upd.Warning).Stringer("channel", channelID).Msg("tail")
			}
			if writeErr = printer.handle(st, upd); writeErr != nil {
				cancel()
			}
		})
	}()

	select {
	case err := <-gwErr:
		stopped := ctx.Err() != nil
		cancel()
		<-runErr
		if stopped || err == nil || errors.Is(err, context.Canceled) {
			return writeErr
		}
		return fmt.Errorf("realtime connection: %w", err)
	case <-runErr:
		cancel()
		<-gwErr
		return writeErr
	}
}

// tailPrinter writes the live end of a channel. Only messages newer than
// everything already printed are shown, so history merged above the edge
// stays quiet.
type tailPrinter struct {
	out       io.Writer
	channelID snowflake.ID
	lines     int
	jsonl     bool
	loc       *time.Location

	started bool
	last    snowflake.ID
}

func newTailPrinter(out io.Writer, channelID snowflake.ID, lines int, jsonl bool, loc *time.Location) *tailPrinter {
	if loc == nil {
		loc = time.Local
	}
	return &tailPrinter{out: out, channelID: channelID, lines: lines, jsonl: jsonl, loc: loc}
}

func (p *tailPrinter) handle(st *channel.State, upd channel.Update) error {
	if upd.Channel != p.channelID {
		return nil
	}
	seq := st.Sequence()

	var fresh []models.Message
	for _, id := range upd.Result.Inserted {
		if id <= p.last {
			continue
		}
		if msg, ok := seq.Get(id); ok {
			fresh = append(fresh, msg)
		}
	}
	slices.SortFunc(fresh, func(a, b models.Message) int { return a.ID.Compare(b.ID) })
	if !p.started && len(fresh) > 0 {
		return p.backlog(fresh)
	}
	for _, msg := range fresh {
		if err := p.created(msg); err != nil {
			return err
		}
	}

	for _, id := range upd.Result.Updated {
		if id > p.last {
			continue
		}
		if msg, ok := seq.Get(id); ok {
			if err := p.edited(msg); err != nil {
				return err
			}
		}
	}
	for _, id := range upd.Result.Removed {
		if id > p.last {
			continue
		}
		if err := p.deleted(id); err != nil {
			return err
		}
	}
	return nil
}

// backlog prints the newest p.lines messages of an ascending batch.
func (p *tailPrinter) backlog(msgs []models.Message) error {
	p.started = true
	if len(msgs) > p.lines {
		msgs = msgs[len(msgs)-p.lines:]
	}
	for _, msg := range msgs {
		if err := p.created(msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *tailPrinter) created(msg models.Message) error {
	p.last = max(p.last, msg.ID)
	if p.jsonl {
		return p.event(models.Event{Type: models.EventTypeMessageCreated, ChannelID: p.channelID, Message: &msg})
	}
	return p.line(msg, "")
}

// edited reports an updated message. Text output skips updates that are not
// user edits, such as link previews being attached.
func (p *tailPrinter) edited(msg models.Message) error {
	if p.jsonl {
		return p.event(models.Event{
			Type:      models.EventTypeMessageUpdated,
			ChannelID: p.channelID,
			MessageID: msg.ID,
			Content:   models.ReplaceContent(msg.Content),
			EditedAt:  msg.EditedAt,
		})
	}
	if !msg.Edited() {
		return nil
	}
	return p.line(msg, " (edited)")
}

func (p *tailPrinter) deleted(id snowflake.ID) error {
	if p.jsonl {
		return p.event(models.Event{Type: models.EventTypeMessageDeleted, ChannelID: p.channelID, MessageID: id})
	}
	_, err := fmt.Fprintf(p.out, "(message %s deleted)\n", id)
	return err
}

func (p *tailPrinter) event(ev models.Event) error {
	data, err := ev.MarshalJSONL()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = p.out.Write(data)
	return err
}

func (p *tailPrinter) line(msg models.Message, suffix string) error {
	author := msg.AuthorName
	if author == "" {
		author = msg.AuthorID.String()
	}
	text := msg.Content.Text
	for _, a := range msg.Content.Attachments {
		text = strings.TrimSpace(text + " [" + a.Filename + "]")
	}
	if msg.Kind == models.KindSystemAction {
		_, err := fmt.Fprintf(p.out, "%s * %s%s\n", msg.Timestamp().In(p.loc).Format("15:04"), text, suffix)
		return err
	}
	_, err := fmt.Fprintf(p.out, "%s %s%s: %s\n", msg.Timestamp().In(p.loc).Format("15:04"), author, suffix, text)
	return err
}
