package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestInitJSONRedactsAndTagsComponent(t *testing.T) {
	prev := Logger
	defer func() {
		Logger = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}()

	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	logger := WithChannel(Component("gateway"), 42)
	logger.Info().Str("header", "Bot "+fakeToken).Msg("identify")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["component"] != "gateway" {
		t.Errorf("component = %v", line["component"])
	}
	if line["channel_id"] != "42" {
		t.Errorf("channel_id = %v", line["channel_id"])
	}
	if line["header"] != RedactedValue {
		t.Errorf("header = %v", line["header"])
	}
}

func TestFromContext(t *testing.T) {
	logger := Component("ctx-test")
	ctx := WithContext(context.Background(), logger)
	got := FromContext(ctx)
	if got.GetLevel() != logger.GetLevel() {
		t.Fatalf("expected logger from context")
	}

	fallback := FromContext(context.Background())
	if fallback.GetLevel() != Logger.GetLevel() {
		t.Fatalf("expected global logger fallback")
	}
}
