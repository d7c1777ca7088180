package history

import (
	"errors"
	"fmt"

	"github.com/tOgg1/scrollback/internal/snowflake"
)

var (
	// ErrNotFound is returned for ids that are not loaded. Callers treat it
	// as a no-op.
	ErrNotFound = errors.New("entry not found")

	// ErrDuplicateID is returned when inserting a message that already exists.
	ErrDuplicateID = errors.New("duplicate message id")

	// ErrAdjacentGap is returned when a gap would touch another gap or a
	// second gap would be placed on the same edge.
	ErrAdjacentGap = errors.New("gap would be adjacent to another gap")

	// ErrProtocol marks a fetched page that cannot belong to its gap.
	ErrProtocol = errors.New("protocol violation")

	// ErrInvariant is returned by Check.
	ErrInvariant = errors.New("sequence invariant violated")
)

// ProtocolError describes why a page was discarded.
type ProtocolError struct {
	Direction Direction
	Anchor    snowflake.ID
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("page %s %s: %s", e.Direction, e.Anchor, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
