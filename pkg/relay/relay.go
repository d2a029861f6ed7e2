// Package relay carries per-request agent logs through Redis streams: agents
// append records, SSE subscribers replay history and follow the live tail.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/preflight-health/preflight/pkg/config"
)

// Record is one parsed log record, ready for the SSE envelope.
type Record struct {
	ID        string  `json:"-"`
	StreamKey string  `json:"-"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Source    string  `json:"source"`
	RequestID string  `json:"request_id"`
	Timestamp float64 `json:"timestamp"`
	// LogSource tells structured records ("logger") apart from wrapped
	// plain-text lines ("text").
	LogSource string `json:"log_source"`
}

// envelope is the structured JSON form agent sinks publish into the stream.
type envelope struct {
	AgentName string  `json:"agent_name"`
	Msg       string  `json:"msg"`
	RequestID string  `json:"request_id"`
	Timestamp float64 `json:"timestamp"`
	Source    string  `json:"source"`
	Level     string  `json:"level"`
}

// Relay reads and writes the {prefix}:{request_id} log streams.
type Relay struct {
	client redis.UniversalClient
	cfg    *config.RedisConfig
}

// New creates a relay over an existing Redis client.
func New(client redis.UniversalClient, cfg *config.RedisConfig) *Relay {
	if client == nil {
		panic("relay.New: client must not be nil")
	}
	if cfg == nil {
		panic("relay.New: cfg must not be nil")
	}
	return &Relay{client: client, cfg: cfg}
}

// Ping verifies broker connectivity. The SSE endpoint refuses new
// subscribers while the broker is unreachable.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Append adds one record to the request's stream under the "msg" field. The
// value is either a formatted log line or a JSON envelope; Follow and
// History tell them apart when parsing.
func (r *Relay) Append(ctx context.Context, requestID, msg string) error {
	key := r.cfg.LogStreamKey(requestID)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"msg": msg},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}
	return nil
}

// History returns the finite stream contents from fromID (or the beginning)
// up to the current tail.
func (r *Relay) History(ctx context.Context, requestID, fromID string) ([]Record, error) {
	if fromID == "" {
		fromID = "-"
	}
	key := r.cfg.LogStreamKey(requestID)
	msgs, err := r.client.XRange(ctx, key, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s history: %w", key, err)
	}
	records := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, parseRecord(requestID, key, m))
	}
	return records, nil
}

// Follow starts a subscriber cursor at the beginning of the request's
// stream. Each subscriber owns an independent replay cursor.
func (r *Relay) Follow(requestID string) *Follower {
	return &Follower{
		relay:     r,
		requestID: requestID,
		key:       r.cfg.LogStreamKey(requestID),
		lastID:    "0",
	}
}

// Follower iterates one subscriber's view of a request stream.
type Follower struct {
	relay     *Relay
	requestID string
	key       string
	lastID    string
}

// Next blocks up to the configured block interval and returns the next batch
// of records. An empty batch with a nil error means the block expired with
// nothing new, which is the subscriber's cue to emit a heartbeat.
func (f *Follower) Next(ctx context.Context) ([]Record, error) {
	res, err := f.relay.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{f.key, f.lastID},
		Block:   f.relay.cfg.SSEBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("following %s: %w", f.key, err)
	}

	var records []Record
	for _, stream := range res {
		for _, msg := range stream.Messages {
			records = append(records, parseRecord(f.requestID, f.key, msg))
			f.lastID = msg.ID
		}
	}
	return records, nil
}

// parseRecord turns a raw stream entry into a Record. JSON envelopes map to
// log_source "logger"; anything else is wrapped as plain text with the level
// sniffed from the leading token and the timestamp taken from the broker id.
func parseRecord(requestID, streamKey string, msg redis.XMessage) Record {
	raw, _ := msg.Values["msg"].(string)

	rec := Record{
		ID:        msg.ID,
		StreamKey: streamKey,
		RequestID: requestID,
		Message:   raw,
		Level:     "INFO",
		LogSource: "text",
		Timestamp: idTimestamp(msg.ID),
	}

	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Msg != "" {
			rec.Message = env.Msg
			rec.Source = env.Source
			if rec.Source == "" {
				rec.Source = env.AgentName
			}
			if env.RequestID != "" {
				rec.RequestID = env.RequestID
			}
			if env.Timestamp != 0 {
				rec.Timestamp = env.Timestamp
			}
			if env.Level != "" {
				rec.Level = strings.ToUpper(env.Level)
			}
			rec.LogSource = "logger"
			return rec
		}
	}

	if level, ok := sniffLevel(raw); ok {
		rec.Level = level
	}
	return rec
}

// sniffLevel reads a leading severity token off a plain text line.
func sniffLevel(line string) (string, bool) {
	first, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToUpper(first) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
		return strings.ToUpper(first), true
	}
	return "", false
}

// idTimestamp converts a stream id ("<ms>-<seq>") to float seconds, falling
// back to the current time for ids that do not parse.
func idTimestamp(id string) float64 {
	msPart, _, _ := strings.Cut(id, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return float64(time.Now().UnixMilli()) / 1000
	}
	return float64(ms) / 1000
}
