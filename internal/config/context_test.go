package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestContext_IsEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{
			name: "empty context",
			ctx:  Context{},
			want: true,
		},
		{
			name: "guild only",
			ctx:  Context{GuildID: 10},
			want: true,
		},
		{
			name: "with channel",
			ctx:  Context{GuildID: 10, ChannelID: 20},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.IsEmpty(); got != tt.want {
				t.Errorf("Context.IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_SetChannelResetsReadPosition(t *testing.T) {
	ctx := &Context{}
	ctx.SetChannel(10, 20, "general")
	ctx.SetLastRead(500)

	ctx.SetChannel(10, 20, "general")
	if ctx.LastReadID != 500 {
		t.Errorf("same channel should keep last read, got %s", ctx.LastReadID)
	}

	ctx.SetChannel(10, 30, "random")
	if ctx.LastReadID != 0 {
		t.Errorf("switching channel should reset last read, got %s", ctx.LastReadID)
	}
	if ctx.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{
			name: "empty",
			ctx:  Context{},
			want: "(no channel)",
		},
		{
			name: "id only",
			ctx:  Context{ChannelID: 20},
			want: "#20",
		},
		{
			name: "named",
			ctx:  Context{GuildName: "gophers", ChannelID: 20, ChannelName: "general"},
			want: "gophers #general",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("Context.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextStore_LoadSave(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "context.yaml")
	store := NewContextStore(path)

	ctx, err := store.Load()
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if !ctx.IsEmpty() {
		t.Error("expected empty context for missing file")
	}

	ctx.SetChannel(81384788765712384, 175928847299117063, "general")
	ctx.GuildName = "gophers"
	ctx.SetLastRead(175928847299117000)
	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ChannelID != ctx.ChannelID || loaded.GuildID != ctx.GuildID {
		t.Errorf("ids not round-tripped: %+v", loaded)
	}
	if loaded.LastReadID != ctx.LastReadID {
		t.Errorf("LastReadID = %s, want %s", loaded.LastReadID, ctx.LastReadID)
	}
	if loaded.String() != "gophers #general" {
		t.Errorf("String() = %q", loaded.String())
	}
}

func TestContextStore_Clear(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "context.yaml")
	store := NewContextStore(path)

	if err := store.Save(&Context{ChannelID: 1}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("context file should be removed")
	}
	if err := store.Clear(); err != nil {
		t.Errorf("Clear() on missing file error = %v", err)
	}
}

func TestContextStore_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "context.yaml")
	if err := os.WriteFile(path, []byte("channel: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewContextStore(path).Load(); err == nil {
		t.Error("expected parse error")
	}
}
