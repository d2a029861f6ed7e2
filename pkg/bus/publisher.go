// Package bus is the Redis-stream work topic: an ordered batch publisher and
// a consumer-group reader with acknowledged delivery and stale-entry reclaim.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/preflight-health/preflight/pkg/models"
)

// Publisher appends work messages to the topic stream.
type Publisher struct {
	client redis.UniversalClient
	topic  string
}

// NewPublisher creates a publisher for the given topic stream.
func NewPublisher(client redis.UniversalClient, topic string) *Publisher {
	if client == nil {
		panic("NewPublisher: client must not be nil")
	}
	if topic == "" {
		panic("NewPublisher: topic must not be empty")
	}
	return &Publisher{client: client, topic: topic}
}

// PublishBatch appends every message in input order and returns only after
// the broker has assigned an id to each one. A single failed append fails
// the whole batch; entries already appended stay on the stream and are
// deduplicated downstream.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []models.WorkMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(msgs))
	for _, msg := range msgs {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message %d: %w", msg.SequenceNo, err)
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.topic,
			Values: map[string]any{
				"data":        string(body),
				"batch_id":    msg.BatchID,
				"sequence_no": strconv.Itoa(msg.SequenceNo),
				"total_count": strconv.Itoa(msg.TotalCount),
				"vendor":      msg.Vendor,
				"agent_type":  models.AgentTypePriorAuth,
				"req_id":      msg.RequestID,
			},
		}))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			return fmt.Errorf("message %d was not acknowledged: %w", i+1, err)
		}
	}

	slog.Debug("Published batch to work topic",
		"topic", p.topic,
		"count", len(msgs),
		"first_id", cmds[0].Val(),
		"last_id", cmds[len(cmds)-1].Val())
	return nil
}
