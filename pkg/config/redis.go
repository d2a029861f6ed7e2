package config

import (
	"fmt"
	"time"
)

// RedisConfig locates the Redis deployment that carries the work topic, the
// per-request log streams, and the dedup cache.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string

	// StreamPrefix prefixes per-request log stream keys:
	// {StreamPrefix}:{request_id}.
	StreamPrefix string

	// WorkTopic is the stream key requests are published to.
	WorkTopic string

	// ConsumerGroup is the dispatcher's consumer group on WorkTopic.
	ConsumerGroup string

	// ConsumerNamespace prefixes consumer names inside the group so
	// replicas across projects stay distinguishable.
	ConsumerNamespace string

	// SSEBlock is how long a log follow read blocks before emitting a
	// heartbeat.
	SSEBlock time.Duration
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:           "redis://localhost:6379/0",
		StreamPrefix:  "browser_use_logs",
		WorkTopic:     "prior_auth_requests",
		ConsumerGroup: "planner-dispatch",
		SSEBlock:      5000 * time.Millisecond,
	}
}

// LoadRedisConfigFromEnv builds a RedisConfig from the environment.
func LoadRedisConfigFromEnv() (*RedisConfig, error) {
	cfg := DefaultRedisConfig()
	cfg.URL = getEnvOrDefault("REDIS_URL", cfg.URL)
	cfg.StreamPrefix = getEnvOrDefault("REDIS_STREAM", cfg.StreamPrefix)
	cfg.WorkTopic = getEnvOrDefault("TOPIC_NAME", cfg.WorkTopic)
	cfg.ConsumerGroup = getEnvOrDefault("PUBSUB_SUBSCRIPTION", cfg.ConsumerGroup)
	cfg.ConsumerNamespace = getEnvOrDefault("GOOGLE_CLOUD_PROJECT", cfg.ConsumerNamespace)

	sseBlockMS, err := getEnvInt("SSE_BLOCK_MS", int(cfg.SSEBlock/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.SSEBlock = time.Duration(sseBlockMS) * time.Millisecond

	return cfg, cfg.Validate()
}

// Validate checks the configuration for unusable values.
func (c *RedisConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.StreamPrefix == "" {
		return fmt.Errorf("log stream prefix is required")
	}
	if c.WorkTopic == "" {
		return fmt.Errorf("work topic is required")
	}
	if c.SSEBlock <= 0 {
		return fmt.Errorf("SSE block interval must be positive")
	}
	return nil
}

// LogStreamKey returns the stream key for one request's logs.
func (c *RedisConfig) LogStreamKey(requestID string) string {
	return c.StreamPrefix + ":" + requestID
}
