// Package llm binds the agent driver to a language model. The production
// implementation talks to the Gemini API; tests substitute fakes behind the
// Client interface.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/preflight-health/preflight/pkg/config"
)

// ErrNoAPIKey reports a run attempted without Gemini credentials. Callers
// treat it as a configuration error rather than a driver failure.
var ErrNoAPIKey = errors.New("GOOGLE_API_KEY is not set")

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser marks turns authored by the driver: task prompts and tool
	// observations fed back to the model.
	RoleUser Role = "user"

	// RoleModel marks turns the model produced earlier in the run.
	RoleModel Role = "model"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    Role
	Content string
}

// Client generates one completion per call. The driver invokes it once per
// step; implementations must be safe for concurrent use across runs.
type Client interface {
	Generate(ctx context.Context, system string, messages []Message) (string, error)
}

// Gemini is the production Client over the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature *float32
}

var _ Client = (*Gemini)(nil)

// NewGemini builds a Gemini client from the agent configuration. An empty
// API key returns ErrNoAPIKey so the caller can fail the run without
// touching the network.
func NewGemini(ctx context.Context, cfg *config.AgentConfig) (*Gemini, error) {
	if cfg == nil {
		panic("NewGemini: cfg must not be nil")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	slog.Info("LLM client configured", "model", cfg.Model)

	return &Gemini{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Generate sends the conversation and returns the model's text reply.
func (g *Gemini) Generate(ctx context.Context, system string, messages []Message) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.temperature != nil {
		cfg.Temperature = g.temperature
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, conversationContents(messages), cfg)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model %s returned an empty response", g.model)
	}
	return text, nil
}

func conversationContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, len(messages))
	for i, msg := range messages {
		role := genai.RoleUser
		if msg.Role == RoleModel {
			role = genai.RoleModel
		}
		contents[i] = genai.NewContentFromText(msg.Content, genai.Role(role))
	}
	return contents
}
