// Package notify delivers human-in-the-loop callbacks to the operations
// webhook. A run that needs a human pauses itself and posts the request id
// here; the webhook side routes it to whoever resolves MFA prompts and
// portal questions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ErrNotConfigured reports a human-input request without a webhook URL.
var ErrNotConfigured = errors.New("HITL_WEBHOOK_URL is not set")

// Service posts human-in-the-loop callbacks.
// Nil-safe: a nil Service returns ErrNotConfigured instead of panicking, so
// callers surface the missing webhook as a tool error.
type Service struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

// NewService creates the webhook notifier. Returns nil when no URL is
// configured.
func NewService(webhookURL string) *Service {
	if webhookURL == "" {
		return nil
	}
	return NewServiceWithClient(webhookURL, &http.Client{Timeout: 10 * time.Second})
}

// NewServiceWithClient creates a Service backed by a pre-built HTTP client.
// Useful for testing against an httptest server.
func NewServiceWithClient(webhookURL string, client *http.Client) *Service {
	return &Service{
		client: client,
		url:    webhookURL,
		logger: slog.Default().With("component", "hitl-notify"),
	}
}

type humanInputPayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}

// RequestHumanInput posts {request_id, session_id} to the webhook. Failures
// are returned to the caller, never fatal: the agent reports them as tool
// errors and keeps running.
func (s *Service) RequestHumanInput(ctx context.Context, requestID, sessionID string) error {
	if s == nil {
		return ErrNotConfigured
	}

	body, err := json.Marshal(humanInputPayload{RequestID: requestID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to HITL webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HITL webhook returned status %d", resp.StatusCode)
	}

	s.logger.Info("Human input requested",
		"request_id", requestID,
		"session_id", sessionID)
	return nil
}
