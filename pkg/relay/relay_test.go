package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/config"
)

func newTestRelay(t *testing.T) (*Relay, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultRedisConfig()
	cfg.SSEBlock = 50 * time.Millisecond
	return New(client, cfg), mr
}

func TestAppendAndHistory(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, "req-1", "ERROR    2025-09-21 10:00:02,123 [Agent] step failed"))
	require.NoError(t, r.Append(ctx, "req-1",
		`{"agent_name":"browser agent","msg":"clicked submit","request_id":"req-1","timestamp":1726000000.5,"source":"browser_use.agent","level":"warning"}`))

	records, err := r.History(ctx, "req-1", "")
	require.NoError(t, err)
	require.Len(t, records, 2)

	text := records[0]
	assert.Equal(t, "text", text.LogSource)
	assert.Equal(t, "ERROR", text.Level)
	assert.Equal(t, "ERROR    2025-09-21 10:00:02,123 [Agent] step failed", text.Message)
	assert.Equal(t, "req-1", text.RequestID)
	assert.Equal(t, "browser_use_logs:req-1", text.StreamKey)
	assert.NotEmpty(t, text.ID)
	assert.Positive(t, text.Timestamp)

	structured := records[1]
	assert.Equal(t, "logger", structured.LogSource)
	assert.Equal(t, "WARNING", structured.Level)
	assert.Equal(t, "clicked submit", structured.Message)
	assert.Equal(t, "browser_use.agent", structured.Source)
	assert.Equal(t, 1726000000.5, structured.Timestamp)
}

func TestHistoryFromID(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, r.Append(ctx, "req-2", msg))
	}

	all, err := r.History(ctx, "req-2", "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	// From-id is inclusive.
	tail, err := r.History(ctx, "req-2", all[1].ID)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "two", tail[0].Message)
	assert.Equal(t, "three", tail[1].Message)
}

func TestHistoryOfMissingStreamIsEmpty(t *testing.T) {
	r, _ := newTestRelay(t)

	records, err := r.History(context.Background(), "no-such-request", "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFollowerDeliversFromBeginningAndAdvances(t *testing.T) {
	r, _ := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, "req-3", "INFO     2025-09-21 10:00:00,000 [Agent] starting"))
	require.NoError(t, r.Append(ctx, "req-3", "INFO     2025-09-21 10:00:01,000 [tools] navigate"))

	f := r.Follow("req-3")

	batch, err := f.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "INFO", batch[0].Level)

	// Nothing new: block expires, empty batch signals heartbeat time.
	batch, err = f.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, r.Append(ctx, "req-3", "later line"))
	batch, err = f.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "later line", batch[0].Message)
}

func TestParseRecordFallsBackOnBadJSON(t *testing.T) {
	rec := parseRecord("req-4", "browser_use_logs:req-4", redis.XMessage{
		ID:     "1726000000500-0",
		Values: map[string]any{"msg": `{"broken": json`},
	})
	assert.Equal(t, "text", rec.LogSource)
	assert.Equal(t, "INFO", rec.Level)
	assert.Equal(t, `{"broken": json`, rec.Message)
	assert.Equal(t, 1726000000.5, rec.Timestamp)
}

func TestSniffLevel(t *testing.T) {
	cases := []struct {
		line  string
		level string
		ok    bool
	}{
		{"ERROR    2025-09-21 [Agent] boom", "ERROR", true},
		{"warning low disk", "WARNING", true},
		{"  DEBUG probing", "DEBUG", true},
		{"warning: low disk", "", false},
		{"just a line", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		level, ok := sniffLevel(tc.line)
		assert.Equalf(t, tc.ok, ok, "line %q", tc.line)
		assert.Equalf(t, tc.level, level, "line %q", tc.line)
	}
}

func TestPing(t *testing.T) {
	r, mr := newTestRelay(t)
	require.NoError(t, r.Ping(context.Background()))

	mr.Close()
	assert.Error(t, r.Ping(context.Background()))
}
