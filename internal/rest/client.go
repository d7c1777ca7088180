// Package rest fetches channel history pages from the Discord REST API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/tOgg1/scrollback/internal/discord"
	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// MaxPageSize is the largest limit the messages endpoint accepts.
const MaxPageSize = 100

// ErrNoToken is returned when the client has no credentials.
var ErrNoToken = errors.New("discord token is not configured")

// Config contains REST client settings.
type Config struct {
	// APIBase is the API root, e.g. https://discord.com/api/v10.
	APIBase string

	// Token is the bot token, sent as "Authorization: Bot <token>".
	Token string

	// RateLimit is the sustained request rate per second across all routes.
	// Default: 5
	RateLimit float64

	// Burst is the token bucket size.
	// Default: 5
	Burst int

	// Timeout bounds a single request.
	// Default: 15s
	Timeout time.Duration

	// UserAgent identifies the client.
	UserAgent string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIBase:   "https://discord.com/api/v10",
		RateLimit: 5,
		Burst:     5,
		Timeout:   15 * time.Second,
		UserAgent: "DiscordBot (https://github.com/tOgg1/scrollback, 1.0)",
	}
}

// APIError is a non-success response.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("discord api: status %d", e.Status)
	}
	return fmt.Sprintf("discord api: status %d: %s (code %d)", e.Status, e.Message, e.Code)
}

// RateLimitError is a 429 response.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("discord api: %s rate limit, retry after %s", scope, e.RetryAfter)
}

// Client is a history Fetcher backed by the messages endpoint. It is safe
// for concurrent use.
type Client struct {
	cfg    Config
	http   *fasthttp.Client
	global *rate.Limiter
	logger zerolog.Logger

	mu      sync.Mutex
	blocked map[string]time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a Client. Zero config values fall back to the defaults.
func New(cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.APIBase == "" {
		cfg.APIBase = defaults.APIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	c := &Client{
		cfg:     cfg,
		http:    &fasthttp.Client{Name: cfg.UserAgent},
		global:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logging.Component("rest"),
		blocked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ fetch.Fetcher = (*Client)(nil)

// FetchPage implements fetch.Fetcher. The page is returned in ascending
// order; it is full when the server returned as many messages as asked for.
func (c *Client) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	limit = min(max(limit, 1), MaxPageSize)

	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.SetUint("limit", limit)
	switch dir {
	case history.Before:
		if !anchor.IsZero() {
			args.Set("before", anchor.String())
		}
	case history.After:
		args.Set("after", anchor.String())
	case history.Around:
		args.Set("around", anchor.String())
	default:
		return fetch.Page{}, fmt.Errorf("unsupported direction %v", dir)
	}

	route := "channels/" + channelID.String() + "/messages"
	var wire []discord.Message
	if err := c.get(ctx, route, args.String(), &wire); err != nil {
		return fetch.Page{}, err
	}

	msgs := discord.Models(wire)
	return fetch.Page{Messages: msgs, WasFull: len(msgs) == limit}, nil
}

// Channel fetches a channel object, which carries last_message_id.
func (c *Client) Channel(ctx context.Context, channelID snowflake.ID) (discord.Channel, error) {
	var ch discord.Channel
	err := c.get(ctx, "channels/"+channelID.String(), "", &ch)
	return ch, err
}

func (c *Client) get(ctx context.Context, route, query string, out any) error {
	if c.cfg.Token == "" {
		return ErrNoToken
	}
	if err := c.wait(ctx, route); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := c.cfg.APIBase + "/" + route
	if query != "" {
		uri += "?" + query
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bot "+c.cfg.Token)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	start := time.Now()
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("GET %s: %w", route, err)
	}

	status := resp.StatusCode()
	c.logger.Debug().
		Str("route", route).
		Str("query", query).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("discord request")

	switch {
	case status == fasthttp.StatusTooManyRequests:
		rl := parseRateLimit(resp)
		c.block(route, rl)
		return rl
	case status < 200 || status >= 300:
		apiErr := &APIError{Status: status}
		_ = json.Unmarshal(resp.Body(), apiErr)
		return apiErr
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", route, err)
	}
	return nil
}

// wait blocks for the global limiter and any 429 pause on the route.
func (c *Client) wait(ctx context.Context, route string) error {
	c.mu.Lock()
	until, ok := c.blocked[route]
	if g, gok := c.blocked[""]; gok && g.After(until) {
		until, ok = g, true
	}
	c.mu.Unlock()

	if ok {
		if d := time.Until(until); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return c.global.Wait(ctx)
}

func (c *Client) block(route string, rl *RateLimitError) {
	key := route
	if rl.Global {
		key = ""
	}
	c.mu.Lock()
	c.blocked[key] = time.Now().Add(rl.RetryAfter)
	c.mu.Unlock()
	c.logger.Warn().
		Str("route", route).
		Bool("global", rl.Global).
		Dur("retry_after", rl.RetryAfter).
		Msg("rate limited")
}

func parseRateLimit(resp *fasthttp.Response) *RateLimitError {
	rl := &RateLimitError{Global: string(resp.Header.Peek("X-RateLimit-Global")) == "true"}

	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.RetryAfter > 0 {
		rl.RetryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		rl.Global = rl.Global || body.Global
		return rl
	}
	if secs, err := strconv.ParseFloat(string(resp.Header.Peek(fasthttp.HeaderRetryAfter)), 64); err == nil {
		rl.RetryAfter = time.Duration(secs * float64(time.Second))
	}
	return rl
}
