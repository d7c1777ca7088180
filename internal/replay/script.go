// Package replay drives a channel engine from a scripted transcript against
// an in-memory server, for reproducing and inspecting history behavior.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// ErrEmptyStep is returned for a script line that sets no action.
var ErrEmptyStep = errors.New("step has no action")

// Step is one line of a script. Exactly one field is set.
type Step struct {
	// Message adds to the server history without telling the client.
	Message *models.Message `json:"message,omitempty"`
	// Event is delivered to the client and mirrored into the server.
	Event *models.Event `json:"event,omitempty"`
	// Scroll moves the viewport to sequence positions.
	Scroll *fetch.Viewport `json:"scroll,omitempty"`
	// Jump asks for a message to be revealed.
	Jump *snowflake.ID `json:"jump,omitempty"`
	// Latest returns to the live edge.
	Latest bool `json:"latest,omitempty"`
}

func (s Step) validate() error {
	set := 0
	for _, ok := range []bool{s.Message != nil, s.Event != nil, s.Scroll != nil, s.Jump != nil, s.Latest} {
		if ok {
			set++
		}
	}
	switch set {
	case 0:
		return ErrEmptyStep
	case 1:
	default:
		return fmt.Errorf("step sets %d actions", set)
	}
	if s.Message != nil {
		return s.Message.Validate()
	}
	if s.Event != nil {
		return s.Event.Validate()
	}
	return nil
}

// Parse reads a JSONL script. Blank lines and lines starting with # are
// skipped.
func Parse(r io.Reader) ([]Step, error) {
	var steps []Step
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var step Step
		if err := json.Unmarshal([]byte(text), &step); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return steps, nil
}
