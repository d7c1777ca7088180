package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/scrollback/internal/config"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

// contextPath overrides the context file location in tests.
var contextPath string

func contextStore() *config.ContextStore {
	return config.NewContextStore(contextPath)
}

// resolveChannel takes the channel from the first argument, or from the
// remembered context when there is none. A "<#id>" mention is accepted.
func resolveChannel(args []string) (snowflake.ID, *config.Context, error) {
	store := contextStore()
	current, err := store.Load()
	if err != nil {
		return 0, nil, err
	}
	if len(args) > 0 {
		id, err := parseChannelArg(args[0])
		if err != nil {
			return 0, nil, err
		}
		return id, current, nil
	}
	if current.IsEmpty() {
		return 0, nil, errors.New("no channel given and no channel in context (pass a channel id or run `scrollback context set`)")
	}
	return current.ChannelID, current, nil
}

func parseChannelArg(arg string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(arg)
	trimmed = strings.TrimPrefix(trimmed, "<#")
	trimmed = strings.TrimSuffix(trimmed, ">")
	id, err := snowflake.Parse(trimmed)
	if err != nil || id.IsZero() {
		return 0, fmt.Errorf("invalid channel %q", arg)
	}
	return id, nil
}
