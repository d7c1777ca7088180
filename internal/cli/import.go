package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/scrollback/internal/db"
	"github.com/tOgg1/scrollback/internal/discord"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/rest"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

const importBatchSize = 500

var (
	importFormat  string
	importChannel string

	backfillPages int
)

func init() {
	rootCmd.AddCommand(importCmd, backfillCmd)

	importCmd.Flags().StringVar(&importFormat, "format", "discord", "line format: discord (API message objects) or scrollback")
	importCmd.Flags().StringVar(&importChannel, "channel", "", "channel id for lines that carry none")

	backfillCmd.Flags().IntVar(&backfillPages, "pages", 10, "maximum number of pages to fetch")
}

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import messages into the local archive",
	Long: `Import a JSON-lines file of messages into the SQLite archive. Use "-" to
read from stdin. Existing messages are overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fallback snowflake.ID
		if importChannel != "" {
			id, err := parseChannelArg(importChannel)
			if err != nil {
				return err
			}
			fallback = id
		}
		decode, err := lineDecoder(importFormat)
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open import file: %w", err)
			}
			defer f.Close()
			in = f
		}

		cfg := GetConfig()
		if cfg.Cache.SQLitePath == "" {
			return errors.New("import needs cache.sqlite_path")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		archive, err := db.Open(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return err
		}
		defer archive.Close()

		n, err := importMessages(ctx, db.NewMessageRepository(archive), in, decode, fallback)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d messages into %s\n", n, archive.Path())
		return nil
	},
}

type decodeFunc func([]byte) (models.Message, error)

func lineDecoder(format string) (decodeFunc, error) {
	switch strings.ToLower(format) {
	case "discord":
		return func(line []byte) (models.Message, error) {
			var m discord.Message
			if err := json.Unmarshal(line, &m); err != nil {
				return models.Message{}, err
			}
			return m.Model(), nil
		}, nil
	case "scrollback", "model":
		return func(line []byte) (models.Message, error) {
			var m models.Message
			err := json.Unmarshal(line, &m)
			return m, err
		}, nil
	default:
		return nil, fmt.Errorf("unknown format %q (want discord or scrollback)", format)
	}
}

// importMessages saves every decoded line in batches and returns how many
// messages were stored.
func importMessages(ctx context.Context, repo *db.MessageRepository, in io.Reader, decode decodeFunc, fallback snowflake.ID) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var (
		batch []models.Message
		total int
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := repo.Save(ctx, batch...); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := decode([]byte(text))
		if err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		if msg.ChannelID.IsZero() {
			msg.ChannelID = fallback
		}
		if msg.ChannelID.IsZero() {
			return total, fmt.Errorf("line %d: message %s has no channel (use --channel)", line, msg.ID)
		}
		batch = append(batch, msg)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return total, fmt.Errorf("line %d: %w", line, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("read import file: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

var backfillCmd = &cobra.Command{
	Use:   "backfill [channel]",
	Short: "Archive a channel's history from the API",
	Long:  "Walk a channel's history backwards from the newest message and store every page in the local archive.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, _, err := resolveChannel(args)
		if err != nil {
			return err
		}
		if backfillPages < 1 {
			return errors.New("--pages must be positive")
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		rt, err := newRuntime(ctx, GetConfig(), runtimeOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.repo == nil {
			return errors.New("backfill needs cache.sqlite_path")
		}

		stored, pages, err := backfill(ctx, db.NewArchivingFetcher(rt.api, rt.repo), channelID, backfillPages)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archived %d messages from %d pages\n", stored, pages)
		return nil
	},
}

// backfill pages backwards until the start of the channel or maxPages.
func backfill(ctx context.Context, f *db.ArchivingFetcher, channelID snowflake.ID, maxPages int) (stored, pages int, err error) {
	var anchor snowflake.ID
	for pages < maxPages {
		page, err := f.FetchPage(ctx, channelID, anchor, history.Before, rest.MaxPageSize)
		if err != nil {
			return stored, pages, fmt.Errorf("fetch page before %s: %w", anchor, err)
		}
		pages++
		stored += len(page.Messages)
		if !page.WasFull || len(page.Messages) == 0 {
			break
		}
		anchor = page.Messages[0].ID
	}
	return stored, pages, nil
}
