package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/channel"
	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// maxRounds bounds request draining after a single step.
const maxRounds = 10000

// Line is one row of the final sequence.
type Line struct {
	Gap           bool         `json:"gap,omitempty"`
	ID            snowflake.ID `json:"id,omitempty"`
	Lower         snowflake.ID `json:"lower,omitempty"`
	Upper         snowflake.ID `json:"upper,omitempty"`
	Author        string       `json:"author,omitempty"`
	Text          string       `json:"text,omitempty"`
	Chained       bool         `json:"chained,omitempty"`
	DateSeparator bool         `json:"date_separator,omitempty"`
}

// Report is the outcome of a replay.
type Report struct {
	Channel  snowflake.ID `json:"channel_id"`
	Steps    int          `json:"steps"`
	Requests int          `json:"requests"`
	Messages int          `json:"messages"`
	Gaps     int          `json:"gaps"`
	Warnings []string     `json:"warnings,omitempty"`
	Lines    []Line       `json:"lines"`
}

// Runner replays scripts.
type Runner struct {
	cfg      channel.Config
	universe *Universe
	logger   zerolog.Logger
}

// NewRunner returns a runner with an empty server.
func NewRunner(cfg channel.Config) *Runner {
	return &Runner{
		cfg:      cfg,
		universe: NewUniverse(),
		logger:   logging.Component("replay"),
	}
}

// Universe is the runner's server history.
func (r *Runner) Universe() *Universe { return r.universe }

// Run plays steps for one channel. Message steps before the first client
// action seed the server; the channel opens at the first other step. After
// every step all planned requests are served until none remain.
func (r *Runner) Run(ctx context.Context, channelID snowflake.ID, steps []Step) (Report, error) {
	if channelID.IsZero() {
		return Report{}, fmt.Errorf("channel id is required")
	}
	mgr := channel.NewManager(r.cfg, r.universe)
	report := Report{Channel: channelID, Steps: len(steps)}
	var st *channel.State

	drain := func(upd channel.Update) error {
		queue := upd.Requests
		r.warn(&report, upd)
		for rounds := 0; len(queue) > 0; rounds++ {
			if rounds >= maxRounds {
				return fmt.Errorf("requests did not settle after %d rounds", maxRounds)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			req := queue[0]
			queue = queue[1:]
			_, next := mgr.Handle(channel.PageInput{Result: fetch.Execute(ctx, r.universe, req)})
			r.warn(&report, next)
			queue = append(queue, next.Requests...)
		}
		return nil
	}
	open := func() error {
		if st != nil {
			return nil
		}
		var upd channel.Update
		st, upd = mgr.Open(channelID)
		return drain(upd)
	}

	for i, step := range steps {
		if step.Message != nil {
			msg := *step.Message
			if msg.ChannelID.IsZero() {
				msg.ChannelID = channelID
			}
			r.universe.Add(msg)
			continue
		}
		if err := open(); err != nil {
			return report, fmt.Errorf("step %d: %w", i+1, err)
		}
		var upd channel.Update
		switch {
		case step.Event != nil:
			ev := *step.Event
			r.universe.Apply(ev)
			_, upd = mgr.Handle(channel.EventInput{Event: ev})
		case step.Scroll != nil:
			_, upd = mgr.Handle(channel.ScrollInput{ChannelID: channelID, Viewport: *step.Scroll})
		case step.Jump != nil:
			_, upd = mgr.Handle(channel.JumpInput{ChannelID: channelID, Target: *step.Jump})
		case step.Latest:
			_, upd = mgr.Handle(channel.JumpInput{ChannelID: channelID})
		}
		if err := drain(upd); err != nil {
			return report, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	if err := open(); err != nil {
		return report, err
	}

	seq := st.Sequence()
	if err := seq.Check(); err != nil {
		return report, fmt.Errorf("sequence check: %w", err)
	}
	report.Requests = r.universe.Requests()
	report.Messages = seq.MessageCount()
	report.Gaps = seq.GapCount()
	for _, e := range seq.Entries() {
		if e.IsGap() {
			report.Lines = append(report.Lines, Line{Gap: true, Lower: e.Gap.Lower, Upper: e.Gap.Upper})
			continue
		}
		line := Line{ID: e.Message.ID, Author: e.Message.AuthorName, Text: e.Message.Content.Text}
		if flags, ok := st.Flags(e.Message.ID); ok {
			line.Chained = flags.Chained
			line.DateSeparator = flags.DateSeparator
		}
		report.Lines = append(report.Lines, line)
	}
	r.logger.Debug().
		Str("channel", channelID.String()).
		Int("messages", report.Messages).
		Int("gaps", report.Gaps).
		Int("requests", report.Requests).
		Msg("replay finished")
	return report, nil
}

func (r *Runner) warn(report *Report, upd channel.Update) {
	if upd.Warning != nil {
		report.Warnings = append(report.Warnings, upd.Warning.Error())
	}
}

// WriteText renders the report one row per line.
func (rep Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "channel %s: %d messages, %d gaps, %d requests\n", rep.Channel, rep.Messages, rep.Gaps, rep.Requests)
	for _, l := range rep.Lines {
		if l.Gap {
			fmt.Fprintf(&b, "  ... gap (%s, %s)\n", bound(l.Lower), bound(l.Upper))
			continue
		}
		marker := " "
		switch {
		case l.DateSeparator:
			marker = "#"
		case l.Chained:
			marker = "+"
		}
		fmt.Fprintf(&b, "%s %s %s: %s\n", marker, l.ID, l.Author, l.Text)
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warning)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes the report as one JSON document.
func (rep Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func bound(id snowflake.ID) string {
	if id.IsZero() {
		return "open"
	}
	return id.String()
}
