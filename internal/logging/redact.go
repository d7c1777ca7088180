package logging

import (
	"io"
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"authorization",
	"auth",
	"credential",
	"private_key",
	"privatekey",
}

type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

// Patterns for secrets that should be redacted. Order matters: header
// schemes are matched before the bare token they carry.
var secretPatterns = []secretPattern{
	// Authorization header values
	{regexp.MustCompile(`(?i)\b(?:bot|bearer)\s+[a-zA-Z0-9._-]{20,}`), RedactedValue},

	// Discord bot and user tokens: base64 id, timestamp, hmac
	{regexp.MustCompile(`[MNO][a-zA-Z0-9_-]{23,27}\.[a-zA-Z0-9_-]{6,7}\.[a-zA-Z0-9_-]{27,40}`), RedactedValue},
	{regexp.MustCompile(`mfa\.[a-zA-Z0-9_-]{20,}`), RedactedValue},

	// Webhook URLs embed their token in the path
	{regexp.MustCompile(`(discord(?:app)?\.com/api/(?:v\d+/)?webhooks/\d+/)[a-zA-Z0-9._-]+`), "${1}" + RedactedValue},

	// Generic long strings assigned to secret-looking keys
	{regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_.-]{32,})["']?`), RedactedValue},
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.re.ReplaceAllString(result, pattern.repl)
	}
	return result
}

// RedactEnv redacts environment variables, returning a safe copy.
func RedactEnv(env []string) []string {
	result := make([]string, len(env))

	for i, e := range env {
		key, value, ok := strings.Cut(e, "=")
		if !ok {
			result[i] = e
			continue
		}
		if IsSensitiveField(key) {
			result[i] = key + "=" + RedactedValue
		} else {
			result[i] = key + "=" + Redact(value)
		}
	}

	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}

// redactingWriter scrubs every write before passing it on. zerolog emits one
// event per Write, so a secret never spans two calls.
type redactingWriter struct {
	out io.Writer
}

// NewRedactingWriter wraps out so that log lines never carry tokens.
func NewRedactingWriter(out io.Writer) io.Writer {
	return redactingWriter{out: out}
}

func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
