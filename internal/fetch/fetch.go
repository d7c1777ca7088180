// Package fetch decides which gaps need a history page and filters the
// results that come back.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

const (
	// DefaultPageSize matches the largest page the Discord API serves.
	DefaultPageSize = 100

	// DefaultDistance is how many entries beyond the viewport a gap may sit
	// and still be fetched.
	DefaultDistance = 25
)

// Page is one response of a history request.
type Page struct {
	Messages []models.Message
	// WasFull is set when the server filled the page, so more may exist.
	WasFull bool
}

// Fetcher retrieves history pages. Implementations own transport retries.
type Fetcher interface {
	FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (Page, error) {
	return f(ctx, channelID, anchor, dir, limit)
}

// Ticket identifies an issued request: the channel, gap and sequence
// generation it was planned against.
type Ticket struct {
	ID         uuid.UUID
	ChannelID  snowflake.ID
	Gap        history.GapID
	Generation uint64
	IssuedAt   time.Time
}

// Request is a page fetch planned by the Scheduler.
type Request struct {
	Ticket    Ticket
	Direction history.Direction
	Anchor    snowflake.ID
	Limit     int
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s limit=%d gap=%d gen=%d", r.Ticket.ChannelID, r.Direction, r.Anchor, r.Limit, r.Ticket.Gap, r.Ticket.Generation)
}

// Result is the outcome of executing a Request.
type Result struct {
	Request  Request
	Page     Page
	Err      error
	Duration time.Duration
}

// Execute runs req against f.
func Execute(ctx context.Context, f Fetcher, req Request) Result {
	start := time.Now()
	page, err := f.FetchPage(ctx, req.Ticket.ChannelID, req.Anchor, req.Direction, req.Limit)
	return Result{Request: req, Page: page, Err: err, Duration: time.Since(start)}
}

// Error wraps a transport failure with the request it belongs to.
type Error struct {
	Request Request
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Request, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
