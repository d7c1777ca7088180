package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/scrollback/internal/channel"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newRegistry()
	m := channel.NewMetrics(reg)
	m.StaleResults.Inc()

	srv, err := startMetricsServer(ctx, "127.0.0.1:0", reg)
	require.NoError(t, err)
	defer srv.Close()

	status, body := get(t, "http://"+srv.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "scrollback_")

	status, body = get(t, "http://"+srv.Addr()+"/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"ok"`)

	status, _ = get(t, "http://"+srv.Addr()+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWriteOutputJSONL(t *testing.T) {
	jsonlOutput = true
	defer func() { jsonlOutput = false }()

	var out bytes.Buffer
	require.NoError(t, WriteOutput(&out, []map[string]int{{"a": 1}, {"b": 2}}))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", out.String())
}

func TestWriteOutputJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteOutput(&out, map[string]string{"k": "v"}))
	assert.Equal(t, "{\n  \"k\": \"v\"\n}\n", out.String())
}
