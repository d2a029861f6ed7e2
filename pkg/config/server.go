package config

import (
	"fmt"
	"time"
)

// ServerConfig holds the HTTP listener settings for the API server.
type ServerConfig struct {
	Host string
	Port int

	// ReadTimeout and WriteTimeout guard regular handlers. WriteTimeout is
	// deliberately generous: agent runs block their request and SSE streams
	// write for as long as the client stays connected.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8000,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // unlimited: SSE and blocking agent runs
	}
}

// LoadServerConfigFromEnv builds a ServerConfig from the environment.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	cfg.Host = getEnvOrDefault("HOST", cfg.Host)

	var err error
	if cfg.Port, err = getEnvInt("PORT", cfg.Port); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for unusable values.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
