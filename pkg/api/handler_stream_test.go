package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

// readSSE collects the first n events off an open stream.
func readSSE(t *testing.T, r *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for len(events) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream ended after %d of %d events", len(events), n)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimPrefix(line, "data:")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	return events
}

func openStream(t *testing.T, f *serverFixture, requestID string) (*http.Response, *bufio.Reader) {
	t.Helper()
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream-logs/request/"+requestID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestStreamLogsReplaysAndFollows(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, f.relay.Append(ctx, "pa-9", "INFO     2025-09-21 10:00:00,000 [Agent] Starting agent run"))
	require.NoError(t, f.relay.Append(ctx, "pa-9", "INFO     2025-09-21 10:00:01,000 [tools] navigate"))

	resp, reader := openStream(t, f, "pa-9")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	events := readSSE(t, reader, 3)

	require.Equal(t, "connected", events[0].name)
	assert.JSONEq(t, `{"request_id":"pa-9"}`, events[0].data)

	require.Equal(t, "log", events[1].name)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &first))
	assert.Equal(t, "INFO", first["level"])
	assert.Contains(t, first["message"], "Starting agent run")
	assert.Equal(t, "browser_use_logs:pa-9", first["stream_key"])
	assert.NotEmpty(t, first["message_id"])
	assert.Equal(t, "pa-9", first["request_id"])

	require.Equal(t, "log", events[2].name)
	assert.Contains(t, events[2].data, "navigate")
}

func TestStreamLogsHeartbeatWhenIdle(t *testing.T) {
	f := newTestServer(t)

	_, reader := openStream(t, f, "pa-idle")
	events := readSSE(t, reader, 2)

	assert.Equal(t, "connected", events[0].name)
	require.Equal(t, "heartbeat", events[1].name)
	var hb map[string]float64
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &hb))
	assert.Greater(t, hb["timestamp"], float64(0))
}

func TestStreamLogsBackendUnavailable(t *testing.T) {
	f := newTestServer(t)
	f.redis.Close()

	rec := perform(t, f.server.Handler(), http.MethodGet, "/stream-logs/request/pa-9", "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "log stream backend unavailable", decodeBody(t, rec)["error"])
}
