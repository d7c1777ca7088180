package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tOgg1/scrollback/internal/snowflake"
)

// Context is the last channel the viewer had open, so `scrollback view`
// without arguments resumes where it left off.
type Context struct {
	GuildID     snowflake.ID `yaml:"guild,omitempty"`
	GuildName   string       `yaml:"guild_name,omitempty"`
	ChannelID   snowflake.ID `yaml:"channel,omitempty"`
	ChannelName string       `yaml:"channel_name,omitempty"`
	// LastReadID is the anchor message when the viewer was closed.
	LastReadID snowflake.ID `yaml:"last_read,omitempty"`
	UpdatedAt  time.Time    `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no channel is remembered.
func (c *Context) IsEmpty() bool {
	return c.ChannelID.IsZero()
}

// SetChannel remembers a channel. The read position is reset unless the
// channel is unchanged.
func (c *Context) SetChannel(guildID, channelID snowflake.ID, name string) {
	if c.ChannelID != channelID {
		c.LastReadID = 0
	}
	if c.GuildID != guildID {
		c.GuildName = ""
	}
	c.GuildID = guildID
	c.ChannelID = channelID
	c.ChannelName = name
	c.UpdatedAt = time.Now()
}

// SetLastRead records the read position in the current channel.
func (c *Context) SetLastRead(id snowflake.ID) {
	c.LastReadID = id
	c.UpdatedAt = time.Now()
}

// Clear forgets everything.
func (c *Context) Clear() {
	*c = Context{UpdatedAt: time.Now()}
}

func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no channel)"
	}
	name := c.ChannelName
	if name == "" {
		name = c.ChannelID.String()
	}
	if c.GuildName != "" {
		return fmt.Sprintf("%s #%s", c.GuildName, name)
	}
	return "#" + name
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/scrollback/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "scrollback", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
