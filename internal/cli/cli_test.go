package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/db"
)

// setupCLI isolates config, context and archive paths in a temp dir and
// resets flag globals between runs.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("SCROLLBACK_CACHE_SQLITE_PATH", filepath.Join(dir, "archive.db"))
	t.Setenv("SCROLLBACK_DISCORD_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("SCROLLBACK_CACHE_REDIS_ADDR", "")
	t.Setenv("SCROLLBACK_METRICS_ADDR", "")

	contextPath = filepath.Join(dir, "context.yaml")
	reset := func() {
		cfgFile, logLevel, logFormat, metricsAddr = "", "", "", ""
		jsonOutput, jsonlOutput, verbose = false, false, false
		contextGuild, contextName = "", ""
		tailLines, tailFollow, tailOffline = 20, true, false
		importFormat, importChannel = "discord", ""
		replayChannel = "1"
		appConfig = nil
	}
	reset()
	t.Cleanup(func() {
		reset()
		contextPath = ""
	})
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "scrollback dev")

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "dev"`)
}

func TestContextCommands(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "context", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "(no channel)")

	out, err = runCLI(t, "context", "set", "<#123>", "--name", "general")
	require.NoError(t, err)
	assert.Contains(t, out, "context set to #general")

	out, err = runCLI(t, "context", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "#general")

	id, current, err := resolveChannel(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 123, id)
	assert.Equal(t, "general", current.ChannelName)

	out, err = runCLI(t, "context", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "context cleared")

	_, _, err = resolveChannel(nil)
	require.Error(t, err)
}

func TestParseChannelArg(t *testing.T) {
	tests := []struct {
		arg     string
		want    uint64
		wantErr bool
	}{
		{"123", 123, false},
		{" <#456> ", 456, false},
		{"0", 0, true},
		{"general", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			id, err := parseChannelArg(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, id)
		})
	}
}

const discordLines = `{"id":"1001","channel_id":"42","author":{"id":"7","username":"ana"},"content":"first","timestamp":"2024-05-01T12:00:00Z","type":0}
{"id":"1002","channel_id":"42","author":{"id":"8","username":"bo"},"content":"second","timestamp":"2024-05-01T12:01:00Z","type":0}

{"id":"1003","channel_id":"42","author":{"id":"7","username":"ana"},"content":"third","timestamp":"2024-05-01T12:02:00Z","type":0}
`

func TestImportThenTailOffline(t *testing.T) {
	dir := setupCLI(t)
	path := writeFile(t, dir, "export.jsonl", discordLines)

	out, err := runCLI(t, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 3 messages")

	archive, err := db.Open(context.Background(), filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	count, err := db.NewMessageRepository(archive).Count(context.Background(), 42)
	require.NoError(t, err)
	require.NoError(t, archive.Close())
	assert.Equal(t, 3, count)

	out, err = runCLI(t, "tail", "42", "--offline", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "bo: second")
	assert.Contains(t, lines[1], "ana: third")
}

func TestImportRejectsMissingChannel(t *testing.T) {
	dir := setupCLI(t)
	path := writeFile(t, dir, "export.jsonl", `{"id":"5","author_id":"7","content":{"text":"x"}}`+"\n")

	_, err := runCLI(t, "import", path, "--format", "scrollback")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel")

	out, err := runCLI(t, "import", path, "--format", "scrollback", "--channel", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 messages")

	_, err = runCLI(t, "import", path, "--format", "csv")
	require.Error(t, err)
}

func TestTailRequiresToken(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "tail", "42")
	require.ErrorIs(t, err, ErrNoToken)
}

func TestReplayCommand(t *testing.T) {
	dir := setupCLI(t)
	path := writeFile(t, dir, "session.jsonl", strings.Join([]string{
		`{"message":{"id":"1","author_id":"7","author_name":"ana","created_at":"2024-05-01T12:00:00Z","content":{"text":"one"}}}`,
		`{"message":{"id":"2","author_id":"7","author_name":"ana","created_at":"2024-05-01T12:01:00Z","content":{"text":"two"}}}`,
		`{"latest":true}`,
		`{"event":{"type":"message.create","channel_id":"9","previous":"2","message":{"id":"3","author_id":"8","author_name":"bo","created_at":"2024-05-01T12:02:00Z","content":{"text":"three"}}}}`,
	}, "\n"))

	out, err := runCLI(t, "replay", path, "--channel", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "channel 9: 3 messages, 0 gaps")
	assert.Contains(t, out, "+ 2 ana: two")
	assert.Contains(t, out, "3 bo: three")
}

func TestConfigShowMasksToken(t *testing.T) {
	setupCLI(t)
	t.Setenv("SCROLLBACK_DISCORD_TOKEN", "very-secret")

	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "page_size: 100")
}

func TestViewTarget(t *testing.T) {
	setupCLI(t)
	defer func() { viewJump, viewResume = "", false }()

	got, err := viewTarget(5, 5, 77)
	require.NoError(t, err)
	assert.Zero(t, got)

	viewResume = true
	got, err = viewTarget(5, 5, 77)
	require.NoError(t, err)
	assert.EqualValues(t, 77, got)

	got, err = viewTarget(6, 5, 77)
	require.NoError(t, err)
	assert.Zero(t, got, "last read belongs to another channel")

	viewJump = "90"
	got, err = viewTarget(6, 5, 77)
	require.NoError(t, err)
	assert.EqualValues(t, 90, got)

	viewJump = "abc"
	_, err = viewTarget(6, 5, 77)
	require.Error(t, err)
}

func TestConfigShowEnvRedactsSecrets(t *testing.T) {
	setupCLI(t)
	t.Setenv("SCROLLBACK_DISCORD_TOKEN", "very-secret")
	t.Setenv("SCROLLBACK_HISTORY_PAGE_SIZE", "25")

	out, err := runCLI(t, "config", "show", "--env")
	require.NoError(t, err)
	assert.NotContains(t, out, "very-secret")
	assert.Contains(t, out, "SCROLLBACK_DISCORD_TOKEN=[REDACTED]")
	assert.Contains(t, out, "SCROLLBACK_HISTORY_PAGE_SIZE=25")
}
