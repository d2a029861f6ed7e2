package config

import (
	"fmt"
	"strings"
	"time"
)

// DispatchConfig contains the consumer worker pool and planner forwarding
// configuration. Timeout env names are inherited from the deployment
// manifests and are expressed in whole seconds.
type DispatchConfig struct {
	// ProcessorURL is the planner endpoint each decoded message is POSTed to.
	ProcessorURL string

	// WorkerCount is the number of consumer goroutines per replica.
	WorkerCount int

	// PollInterval is the base wait between empty reads.
	PollInterval time.Duration

	// PollIntervalJitter randomizes PollInterval to de-synchronize replicas.
	PollIntervalJitter time.Duration

	// Per-phase HTTP timeouts for the planner client.
	ConnectTimeout time.Duration // HTTP_CONNECT_TIMEOUT
	WriteTimeout   time.Duration // HTTP_WRITE_TIMEOUT
	ReadTimeout    time.Duration // HTTP_READ_TIMEOUT
	PoolTimeout    time.Duration // HTTP_TIMEOUT

	// InflightTTL bounds how long a claimed message stays locked when a
	// worker dies mid-flight.
	InflightTTL time.Duration

	// DedupTTL is how long a successfully processed request id is remembered.
	DedupTTL time.Duration

	// MaxOutstandingMessages caps concurrently claimed messages.
	MaxOutstandingMessages int

	// MaxOutstandingBytes caps the total payload bytes in flight.
	MaxOutstandingBytes int64

	// AckOnFailure acknowledges messages whose planner call failed instead
	// of leaving them pending for redelivery. Matches the original pipeline
	// when true.
	AckOnFailure bool

	// ReclaimMinIdle is how long a pending entry must sit unacked before the
	// reclaim loop hands it to another consumer.
	ReclaimMinIdle time.Duration

	// ReclaimInterval is how often the reclaim loop scans.
	ReclaimInterval time.Duration

	// GracefulShutdownTimeout caps the wait for in-flight messages on stop.
	GracefulShutdownTimeout time.Duration

	// HealthAddr is the listen address of the liveness endpoint.
	HealthAddr string
}

// DefaultDispatchConfig returns the built-in dispatch defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		ProcessorURL:            "http://localhost:8001/api/planner-preauth",
		WorkerCount:             5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		ConnectTimeout:          5 * time.Second,
		WriteTimeout:            10 * time.Second,
		ReadTimeout:             20 * time.Second,
		PoolTimeout:             5 * time.Second,
		InflightTTL:             600 * time.Second,
		DedupTTL:                86400 * time.Second,
		MaxOutstandingMessages:  50,
		MaxOutstandingBytes:     50 * 1024 * 1024,
		AckOnFailure:            true,
		ReclaimMinIdle:          5 * time.Minute,
		ReclaimInterval:         1 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		HealthAddr:              ":8090",
	}
}

// LoadDispatchConfigFromEnv builds a DispatchConfig from the environment.
func LoadDispatchConfigFromEnv() (*DispatchConfig, error) {
	cfg := DefaultDispatchConfig()
	cfg.ProcessorURL = getEnvOrDefault("PROCESSOR_URL", cfg.ProcessorURL)

	var err error
	if cfg.WorkerCount, err = getEnvInt("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = getEnvSeconds("HTTP_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getEnvSeconds("HTTP_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = getEnvSeconds("HTTP_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return nil, err
	}
	if cfg.PoolTimeout, err = getEnvSeconds("HTTP_TIMEOUT", cfg.PoolTimeout); err != nil {
		return nil, err
	}
	if cfg.InflightTTL, err = getEnvSeconds("INFLIGHT_TTL_SECONDS", cfg.InflightTTL); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = getEnvSeconds("DEDUP_TTL_SECONDS", cfg.DedupTTL); err != nil {
		return nil, err
	}
	if cfg.MaxOutstandingMessages, err = getEnvInt("MAX_OUTSTANDING_MESSAGES", cfg.MaxOutstandingMessages); err != nil {
		return nil, err
	}
	if cfg.MaxOutstandingBytes, err = getEnvInt64("MAX_OUTSTANDING_BYTES", cfg.MaxOutstandingBytes); err != nil {
		return nil, err
	}
	if cfg.AckOnFailure, err = getEnvBool("ACK_ON_FAILURE", cfg.AckOnFailure); err != nil {
		return nil, err
	}
	cfg.HealthAddr = getEnvOrDefault("HEALTH_ADDR", cfg.HealthAddr)

	return cfg, cfg.Validate()
}

// Validate checks the configuration for unusable values.
func (c *DispatchConfig) Validate() error {
	if !strings.HasPrefix(c.ProcessorURL, "http://") && !strings.HasPrefix(c.ProcessorURL, "https://") {
		return fmt.Errorf("invalid PROCESSOR_URL %q: must start with http:// or https://", c.ProcessorURL)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxOutstandingMessages < 1 {
		return fmt.Errorf("max outstanding messages must be at least 1, got %d", c.MaxOutstandingMessages)
	}
	if c.MaxOutstandingBytes < 1 {
		return fmt.Errorf("max outstanding bytes must be positive, got %d", c.MaxOutstandingBytes)
	}
	if c.InflightTTL <= 0 || c.DedupTTL <= 0 {
		return fmt.Errorf("inflight and dedup TTLs must be positive")
	}
	return nil
}
