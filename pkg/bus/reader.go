package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one delivered work-topic entry. ReqID is the publisher's
// req_id attribute when present, else the broker entry id; it keys the
// dedup and inflight records downstream.
type Message struct {
	ID    string
	ReqID string
	Data  []byte
}

// Size is the approximate payload size used for flow-control accounting.
func (m Message) Size() int {
	return len(m.Data)
}

// Reader consumes the work topic through a consumer group, so delivery is
// acknowledged per entry and unacked entries can be reclaimed.
type Reader struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
}

// NewReader creates a reader for one named consumer within the group.
func NewReader(client redis.UniversalClient, stream, group, consumer string) *Reader {
	if client == nil {
		panic("NewReader: client must not be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		panic("NewReader: stream, group and consumer must not be empty")
	}
	return &Reader{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

// Consumer returns the consumer name this reader claims entries under.
func (r *Reader) Consumer() string {
	return r.consumer
}

// EnsureGroup creates the consumer group at the start of the stream,
// creating the stream itself if needed. An already existing group is fine.
func (r *Reader) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", r.group, r.stream, err)
	}
	return nil
}

// Fetch returns at most count new entries. A positive block waits that long
// for one to arrive, a negative block returns immediately, zero waits
// indefinitely. An empty result is not an error.
func (r *Reader) Fetch(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from %s: %w", r.stream, err)
	}

	var msgs []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msgs = append(msgs, parseEntry(entry))
		}
	}
	return msgs, nil
}

// Ack acknowledges one entry so the group never redelivers it.
func (r *Reader) Ack(ctx context.Context, id string) error {
	if err := r.client.XAck(ctx, r.stream, r.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}

// Reclaim transfers entries that have been pending longer than minIdle to
// this consumer, scanning from the start cursor. It returns the reclaimed
// entries and the cursor for the next scan ("0-0" when the scan wrapped).
func (r *Reader) Reclaim(ctx context.Context, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	entries, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: r.consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, start, nil
		}
		return nil, start, fmt.Errorf("failed to reclaim pending entries: %w", err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msgs = append(msgs, parseEntry(entry))
	}
	return msgs, next, nil
}

func parseEntry(entry redis.XMessage) Message {
	msg := Message{ID: entry.ID, ReqID: entry.ID}
	if v, ok := entry.Values["req_id"].(string); ok && v != "" {
		msg.ReqID = v
	}
	if v, ok := entry.Values["data"].(string); ok {
		msg.Data = []byte(v)
	}
	return msg
}
