package config

import (
	"fmt"
	"os"
	"strconv"
)

// AgentConfig parameterizes agent runs: the LLM binding and the
// human-in-the-loop webhook.
type AgentConfig struct {
	// APIKey authenticates against the Gemini API. Runs fail with a
	// configuration error when empty.
	APIKey string

	// Model is the Gemini model id.
	Model string

	// Temperature is optional; nil leaves the model default in place.
	Temperature *float32

	// MaxSteps bounds the driver loop.
	MaxSteps int

	// HITLWebhookURL receives {request_id, session_id} when the agent asks
	// for a human. Empty disables the human_in_the_loop tool.
	HITLWebhookURL string
}

// DefaultAgentConfig returns the built-in agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Model:    "gemini-2.0-flash",
		MaxSteps: 50,
	}
}

// LoadAgentConfigFromEnv builds an AgentConfig from the environment.
// A missing GOOGLE_API_KEY is not an error here: it surfaces per-run as a
// configuration error so the rest of the server stays usable.
func LoadAgentConfigFromEnv() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	cfg.APIKey = os.Getenv("GOOGLE_API_KEY")
	cfg.Model = getEnvOrDefault("GEMINI_MODEL", cfg.Model)
	cfg.HITLWebhookURL = os.Getenv("HITL_WEBHOOK_URL")

	if tempStr := os.Getenv("GEMINI_TEMPERATURE"); tempStr != "" {
		temp, err := strconv.ParseFloat(tempStr, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid GEMINI_TEMPERATURE: %w", err)
		}
		temp32 := float32(temp)
		cfg.Temperature = &temp32
	}

	var err error
	if cfg.MaxSteps, err = getEnvInt("AGENT_MAX_STEPS", cfg.MaxSteps); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for unusable values.
func (c *AgentConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model id is required")
	}
	if c.MaxSteps < 1 {
		return fmt.Errorf("max steps must be at least 1, got %d", c.MaxSteps)
	}
	return nil
}
