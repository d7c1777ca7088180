// Package viewer renders one channel's history in the terminal and scrolls
// it with the history engine.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/channel"
	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

const (
	statusRows       = 1
	defaultStatusTTL = 5 * time.Second
	scrollStep       = 1
)

// Config controls the viewer.
type Config struct {
	ChannelID      snowflake.ID
	Title          string
	Theme          string
	ShowTimestamps bool
	// Location formats timestamps and date separators.
	Location *time.Location
	// Jump is a message to reveal once loaded. Zero starts at the live edge.
	Jump snowflake.ID
	// Events delivers realtime events, for example from the gateway.
	Events <-chan models.Event
	// OnEvent observes every event before it is applied.
	OnEvent func(models.Event)
}

// Run starts the viewer in the alternate screen. It returns the last
// message visible when the viewer exited.
func Run(ctx context.Context, cfg Config, mgr *channel.Manager, fetcher fetch.Fetcher) (snowflake.ID, error) {
	model, err := NewModel(ctx, cfg, mgr, fetcher)
	if err != nil {
		return 0, err
	}
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	return model.ReadPosition(), err
}

type pageMsg struct{ result fetch.Result }

type eventMsg struct {
	event models.Event
	ok    bool
}

type statusKind int

const (
	statusInfo statusKind = iota
	statusErr
)

// Model is the bubbletea model of the viewer. Every engine input runs on
// the bubbletea goroutine through Manager.Handle; fetches run as commands.
type Model struct {
	ctx     context.Context
	cfg     Config
	mgr     *channel.Manager
	fetcher fetch.Fetcher
	state   *channel.State
	styles  styles
	logger  zerolog.Logger

	width  int
	height int
	follow bool

	status       string
	statusKind   statusKind
	statusExpiry time.Time
	now          func() time.Time
}

// NewModel validates cfg and builds the model.
func NewModel(ctx context.Context, cfg Config, mgr *channel.Manager, fetcher fetch.Fetcher) (*Model, error) {
	if cfg.ChannelID.IsZero() {
		return nil, errors.New("channel id is required")
	}
	if mgr == nil || fetcher == nil {
		return nil, errors.New("manager and fetcher are required")
	}
	if cfg.Theme == "" {
		cfg.Theme = "default"
	}
	theme, ok := Themes[cfg.Theme]
	if !ok {
		return nil, fmt.Errorf("invalid theme %q", cfg.Theme)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Title == "" {
		cfg.Title = "#" + cfg.ChannelID.String()
	}
	return &Model{
		ctx:     ctx,
		cfg:     cfg,
		mgr:     mgr,
		fetcher: fetcher,
		styles:  newStyles(theme),
		logger:  logging.WithChannel(logging.Component("viewer"), cfg.ChannelID),
		width:   80,
		height:  24,
		follow:  cfg.Jump.IsZero(),
		now:     time.Now,
	}, nil
}

func (m *Model) Init() tea.Cmd {
	st, upd := m.mgr.Handle(channel.OpenInput{ChannelID: m.cfg.ChannelID})
	m.state = st
	st.Layout().SetHeight(m.entryHeight)

	cmds := []tea.Cmd{m.apply(upd), m.waitForEvent()}
	if !m.cfg.Jump.IsZero() {
		_, jump := m.mgr.Handle(channel.JumpInput{ChannelID: m.cfg.ChannelID, Target: m.cfg.Jump})
		cmds = append(cmds, m.apply(jump))
	}
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if m.follow {
			m.layoutBottom()
		}
		return m, m.scrolled()
	case tea.KeyMsg:
		return m.handleKey(msg)
	case pageMsg:
		_, upd := m.mgr.Handle(channel.PageInput{Result: msg.result})
		return m, m.apply(upd)
	case eventMsg:
		if !msg.ok {
			m.setStatus("realtime feed closed", statusErr)
			return m, nil
		}
		if m.cfg.OnEvent != nil {
			m.cfg.OnEvent(msg.event)
		}
		_, upd := m.mgr.Handle(channel.EventInput{Event: msg.event})
		return m, tea.Batch(m.apply(upd), m.waitForEvent())
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	layout := m.state.Layout()
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		layout.ScrollBy(-scrollStep)
	case "down", "j":
		layout.ScrollBy(scrollStep)
	case "pgup", "ctrl+b":
		layout.ScrollBy(-m.viewportRows())
	case "pgdown", "ctrl+f", " ":
		layout.ScrollBy(m.viewportRows())
	case "home", "g":
		layout.ScrollTo(0)
	case "end", "G":
		m.follow = true
		m.layoutBottom()
		_, upd := m.mgr.Handle(channel.JumpInput{ChannelID: m.cfg.ChannelID})
		return m, tea.Batch(m.apply(upd), m.scrolled())
	default:
		return m, nil
	}
	m.clampScroll()
	m.follow = m.atBottom()
	return m, m.scrolled()
}

// apply turns an engine update into fetch commands and keeps the view
// pinned to the live edge while following.
func (m *Model) apply(upd channel.Update) tea.Cmd {
	if upd.Warning != nil {
		m.logger.Debug().Err(upd.Warning).Msg("engine warning")
		var fe *fetch.Error
		if errors.As(upd.Warning, &fe) {
			m.setStatus("fetch failed, retrying: "+fe.Err.Error(), statusErr)
		} else {
			m.setStatus(upd.Warning.Error(), statusErr)
		}
	}
	if !upd.Reveal.IsZero() {
		m.follow = false
		m.setStatus("jumped to "+upd.Reveal.String(), statusInfo)
	}
	if m.follow && upd.Result.Changed() {
		m.layoutBottom()
	}

	cmds := make([]tea.Cmd, 0, len(upd.Requests))
	for _, req := range upd.Requests {
		cmds = append(cmds, m.fetch(req))
	}
	return tea.Batch(cmds...)
}

func (m *Model) fetch(req fetch.Request) tea.Cmd {
	ctx, fetcher := m.ctx, m.fetcher
	return func() tea.Msg {
		return pageMsg{result: fetch.Execute(ctx, fetcher, req)}
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	if m.cfg.Events == nil {
		return nil
	}
	events := m.cfg.Events
	return func() tea.Msg {
		ev, ok := <-events
		return eventMsg{event: ev, ok: ok}
	}
}

// scrolled reports the visible range to the engine.
func (m *Model) scrolled() tea.Cmd {
	first, last, ok := m.state.Layout().Visible(m.viewportRows())
	if !ok {
		return nil
	}
	_, upd := m.mgr.Handle(channel.ScrollInput{
		ChannelID: m.cfg.ChannelID,
		Viewport:  fetch.Viewport{First: first, Last: last},
	})
	return m.apply(upd)
}

func (m *Model) viewportRows() int {
	return max(m.height-statusRows, 1)
}

func (m *Model) layoutBottom() {
	m.state.Layout().ScrollToBottom(m.viewportRows())
}

func (m *Model) atBottom() bool {
	layout := m.state.Layout()
	return layout.ScrollTop() >= layout.Total()-m.viewportRows()
}

func (m *Model) clampScroll() {
	layout := m.state.Layout()
	if limit := layout.Total() - m.viewportRows(); layout.ScrollTop() > limit {
		layout.ScrollTo(limit)
	}
}

func (m *Model) setStatus(text string, kind statusKind) {
	m.status = text
	m.statusKind = kind
	m.statusExpiry = m.now().Add(defaultStatusTTL)
}

func (m *Model) View() string {
	if m.state == nil {
		return ""
	}
	rows := m.viewportRows()
	layout := m.state.Layout()
	seq := m.state.Sequence()

	var lines []string
	if first, last, ok := layout.Visible(rows); ok {
		skip := -layout.Offset(first)
		for pos := first; pos <= last; pos++ {
			lines = append(lines, m.render(seq.At(pos))...)
		}
		if skip > 0 {
			lines = lines[min(skip, len(lines)):]
		}
	}
	if len(lines) > rows {
		lines = lines[:rows]
	}
	for len(lines) < rows {
		lines = append(lines, "")
	}

	clip := lipgloss.NewStyle().MaxWidth(m.width)
	for i, line := range lines {
		lines[i] = clip.Render(line)
	}
	return strings.Join(append(lines, m.statusLine()), "\n")
}

// ReadPosition is the newest message on screen, or zero before anything
// has loaded.
func (m *Model) ReadPosition() snowflake.ID {
	if m.state == nil {
		return 0
	}
	first, last, ok := m.state.Layout().Visible(m.viewportRows())
	if !ok {
		return 0
	}
	seq := m.state.Sequence()
	for pos := last; pos >= first; pos-- {
		if e := seq.At(pos); !e.IsGap() {
			return e.Message.ID
		}
	}
	return 0
}

func (m *Model) statusLine() string {
	seq := m.state.Sequence()
	left := fmt.Sprintf(" %s  %d messages", m.cfg.Title, seq.MessageCount())
	if gaps := seq.GapCount(); gaps > 0 {
		left += fmt.Sprintf(", %d gaps", gaps)
	}
	if m.follow {
		left += "  [live]"
	}
	if m.status != "" && m.now().Before(m.statusExpiry) {
		style := m.styles.muted
		if m.statusKind == statusErr {
			style = m.styles.warning
		}
		left += "  " + style.Render(m.status)
	}
	return m.styles.status.Width(m.width).MaxWidth(m.width).Render(left)
}

func (m *Model) entryHeight(entry history.Entry) int {
	return len(m.render(entry))
}

// render draws one entry. The line count is the entry's layout height.
func (m *Model) render(entry history.Entry) []string {
	if entry.IsGap() {
		label := "··· older messages ···"
		switch {
		case entry.Gap.InFlight:
			label = "··· loading ···"
		case entry.Gap.OpenBottom() && !entry.Gap.OpenTop():
			label = "··· newer messages ···"
		}
		return []string{m.styles.gap.Render(label)}
	}

	msg := entry.Message
	var flags struct{ chained, separator bool }
	if f, ok := m.state.Flags(msg.ID); ok {
		flags.chained, flags.separator = f.Chained, f.DateSeparator
	}
	ts := msg.Timestamp().In(m.cfg.Location)

	var out []string
	if flags.separator {
		out = append(out, m.styles.separator.Render("── "+ts.Format("Monday, January 2, 2006")+" ──"))
	}
	if !flags.chained {
		name := msg.AuthorName
		if name == "" {
			name = msg.AuthorID.String()
		}
		header := m.styles.author(name).Render(name)
		if m.cfg.ShowTimestamps {
			header += " " + m.styles.muted.Render(ts.Format("15:04"))
		}
		if msg.Edited() {
			header += " " + m.styles.muted.Render("(edited)")
		}
		out = append(out, header)
	}

	body := m.styles.text
	if msg.Kind == models.KindSystemAction {
		body = m.styles.system
	}
	if !msg.Content.ReplyTo.IsZero() {
		out = append(out, m.styles.muted.Render("  ↳ reply to "+msg.Content.ReplyTo.String()))
	}
	if msg.Content.Text != "" {
		for _, line := range strings.Split(msg.Content.Text, "\n") {
			out = append(out, body.Render("  "+line))
		}
	}
	for _, a := range msg.Content.Attachments {
		out = append(out, m.styles.muted.Render("  [file] "+a.Filename))
	}
	for _, e := range msg.Content.Embeds {
		title := e.Title
		if title == "" {
			title = e.URL
		}
		out = append(out, m.styles.muted.Render("  [embed] "+title))
	}
	if len(out) == 0 {
		out = append(out, "")
	}
	return out
}
