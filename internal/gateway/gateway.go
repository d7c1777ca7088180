// Package gateway keeps a Discord gateway session open and turns message
// dispatches into realtime history events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/discord"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Gateway errors.
var (
	ErrNoToken        = errors.New("gateway token is not configured")
	ErrAuthFailed     = errors.New("gateway rejected the token")
	ErrFatalClose     = errors.New("gateway closed the session permanently")
	ErrZombie         = errors.New("gateway stopped acknowledging heartbeats")
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated the session")
)

// Config contains gateway settings.
type Config struct {
	// URL is the gateway endpoint including version and encoding.
	URL string

	// Token is the bot token.
	Token string

	// Intents selects the dispatches to receive.
	// Default: discord.DefaultIntents
	Intents int

	// MinBackoff is the first reconnect delay.
	// Default: 1s
	MinBackoff time.Duration

	// MaxBackoff caps the reconnect delay.
	// Default: 2m
	MaxBackoff time.Duration

	// HandshakeTimeout bounds the websocket dial.
	// Default: 10s
	HandshakeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://gateway.discord.gg/?v=10&encoding=json",
		Intents:          discord.DefaultIntents,
		MinBackoff:       time.Second,
		MaxBackoff:       2 * time.Minute,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Handler receives events on the Run goroutine.
type Handler func(models.Event)

// Client is a reconnecting gateway session. It remembers each channel's last
// message id so creates carry the id that preceded them.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu        sync.Mutex
	last      map[snowflake.ID]snowflake.ID
	names     map[snowflake.ID]string
	sessionID string
	resumeURL string
	seq       int64
}

// New creates a Client. Zero config values fall back to the defaults.
func New(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Intents == 0 {
		cfg.Intents = defaults.Intents
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaults.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaults.MaxBackoff, cfg.MinBackoff)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logging.Component("gateway"),
		last:   make(map[snowflake.ID]snowflake.ID),
		names:  make(map[snowflake.ID]string),
	}
}

// LastMessageID is the newest message id seen for a channel, zero when
// unknown.
func (c *Client) LastMessageID(channelID snowflake.ID) snowflake.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[channelID]
}

// ChannelName is the name announced for a channel, if any.
func (c *Client) ChannelName(channelID snowflake.ID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[channelID]
}

// Run keeps a session open until ctx is cancelled or the gateway rejects
// the credentials. Dropped connections are resumed after an exponential
// backoff.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	if c.cfg.Token == "" {
		return ErrNoToken
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		established, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrFatalClose) {
			return err
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("gateway connection lost")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection. established reports whether the gateway
// accepted IDENTIFY or RESUME.
func (c *Client) session(ctx context.Context, handle Handler) (established bool, err error) {
	c.mu.Lock()
	endpoint := c.cfg.URL
	resuming := c.sessionID != "" && c.resumeURL != ""
	if resuming {
		endpoint = resumeEndpoint(c.resumeURL, c.cfg.URL)
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	w := &writer{conn: conn}

	var hello discord.Hello
	p, err := readPayload(conn)
	if err != nil {
		return false, closeError(err)
	}
	if p.Op != discord.OpHello {
		return false, fmt.Errorf("expected hello, got op %d", p.Op)
	}
	if err := json.Unmarshal(p.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return false, fmt.Errorf("decode hello: %w", errors.Join(err, errors.New("missing heartbeat interval")))
	}

	if resuming {
		c.mu.Lock()
		resume := discord.Resume{Token: c.cfg.Token, SessionID: c.sessionID, Seq: c.seq}
		c.mu.Unlock()
		err = w.send(discord.OpResume, resume)
	} else {
		err = w.send(discord.OpIdentify, discord.Identify{
			Token:   c.cfg.Token,
			Intents: c.cfg.Intents,
			Properties: discord.IdentifyProperties{
				OS:      runtime.GOOS,
				Browser: "scrollback",
				Device:  "scrollback",
			},
		})
	}
	if err != nil {
		return false, err
	}

	acked := make(chan struct{}, 1)
	beatErr := make(chan error, 1)
	go func() {
		beatErr <- c.heartbeat(sessCtx, w, hello.Interval(), acked)
		cancel()
	}()

	c.logger.Debug().Bool("resume", resuming).Dur("heartbeat", hello.Interval()).Msg("gateway connected")

	for {
		p, err := readPayload(conn)
		if err != nil {
			select {
			case herr := <-beatErr:
				if herr != nil {
					return established, herr
				}
			default:
			}
			return established, closeError(err)
		}
		if p.S != nil {
			c.mu.Lock()
			c.seq = *p.S
			c.mu.Unlock()
		}

		switch p.Op {
		case discord.OpDispatch:
			if p.T == discord.EventReady || p.T == discord.EventResumed {
				established = true
			}
			c.dispatch(p.T, p.D, handle)
		case discord.OpHeartbeat:
			if err := w.send(discord.OpHeartbeat, c.currentSeq()); err != nil {
				return established, err
			}
		case discord.OpHeartbeatAck:
			select {
			case acked <- struct{}{}:
			default:
			}
		case discord.OpReconnect:
			return established, errReconnect
		case discord.OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				c.mu.Lock()
				c.sessionID, c.resumeURL, c.seq = "", "", 0
				c.mu.Unlock()
			}
			return established, errInvalidSession
		}
	}
}

// heartbeat sends a heartbeat every interval and fails when the previous
// one was never acknowledged.
func (c *Client) heartbeat(ctx context.Context, w *writer, interval time.Duration, acked <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pending := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-acked:
			pending = false
		case <-ticker.C:
			if pending {
				return ErrZombie
			}
			if err := w.send(discord.OpHeartbeat, c.currentSeq()); err != nil {
				return err
			}
			pending = true
		}
	}
}

func (c *Client) currentSeq() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == 0 {
		return nil
	}
	seq := c.seq
	return &seq
}

func (c *Client) dispatch(event string, data json.RawMessage, handle Handler) {
	logger := c.logger.With().Str("event", event).Logger()
	decode := func(v any) bool {
		if err := json.Unmarshal(data, v); err != nil {
			logger.Warn().Err(err).Msg("malformed dispatch")
			return false
		}
		return true
	}

	switch event {
	case discord.EventReady:
		var ready discord.Ready
		if !decode(&ready) {
			return
		}
		c.mu.Lock()
		c.sessionID = ready.SessionID
		c.resumeURL = ready.ResumeGatewayURL
		c.mu.Unlock()
		c.remember(ready.PrivateChannels...)
		logger.Info().Str("user", ready.User.Username).Msg("gateway session ready")
	case discord.EventGuildCreate:
		var guild discord.GuildCreate
		if !decode(&guild) {
			return
		}
		c.remember(guild.Channels...)
		c.remember(guild.Threads...)
	case discord.EventChannelCreate, discord.EventThreadCreate:
		var ch discord.Channel
		if decode(&ch) {
			c.remember(ch)
		}
	case discord.EventMessageCreate:
		var msg discord.Message
		if !decode(&msg) {
			return
		}
		c.mu.Lock()
		previous := c.last[msg.ChannelID]
		if msg.ID > previous {
			c.last[msg.ChannelID] = msg.ID
		}
		c.mu.Unlock()
		handle(discord.CreatedEvent(msg, previous))
	case discord.EventMessageUpdate:
		var upd discord.MessageUpdate
		if !decode(&upd) {
			return
		}
		if ev, ok := discord.UpdatedEvent(upd); ok {
			handle(ev)
		}
	case discord.EventMessageDelete:
		var del discord.MessageDelete
		if decode(&del) {
			for _, ev := range discord.DeletedEvents(del.ChannelID, del.ID) {
				handle(ev)
			}
		}
	case discord.EventMessageDeleteBulk:
		var del discord.MessageDeleteBulk
		if decode(&del) {
			for _, ev := range discord.DeletedEvents(del.ChannelID, del.IDs...) {
				handle(ev)
			}
		}
	}
}

func (c *Client) remember(channels ...discord.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if ch.Name != "" {
			c.names[ch.ID] = ch.Name
		}
		if ch.LastMessageID > c.last[ch.ID] {
			c.last[ch.ID] = ch.LastMessageID
		}
	}
}

// writer serializes writes; gorilla connections allow one writer at a time.
type writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *writer) send(op discord.Opcode, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(discord.Payload{Op: op, D: data})
}

func readPayload(conn *websocket.Conn) (discord.Payload, error) {
	var p discord.Payload
	err := conn.ReadJSON(&p)
	return p, err
}

// Close codes after which reconnecting cannot succeed.
const (
	closeAuthenticationFailed = 4004
	closeInvalidShard         = 4010
	closeShardingRequired     = 4011
	closeInvalidAPIVersion    = 4012
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

func closeError(err error) error {
	if websocket.IsCloseError(err, closeAuthenticationFailed) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if websocket.IsCloseError(err, closeInvalidShard, closeShardingRequired, closeInvalidAPIVersion,
		closeInvalidIntents, closeDisallowedIntents) {
		return fmt.Errorf("%w: %v", ErrFatalClose, err)
	}
	return err
}

// resumeEndpoint carries the version query of the configured URL over to
// the resume URL announced in READY.
func resumeEndpoint(resumeURL, configured string) string {
	r, err := url.Parse(resumeURL)
	if err != nil {
		return configured
	}
	if r.RawQuery == "" {
		if cfg, err := url.Parse(configured); err == nil {
			r.RawQuery = cfg.RawQuery
		}
	}
	if r.Path == "" {
		r.Path = "/"
	}
	return r.String()
}
