// Package planner is the HTTP client that forwards decoded work messages to
// the downstream planner service.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/preflight-health/preflight/pkg/config"
)

// maxErrorBodyBytes bounds how much of a non-2xx response body gets logged.
const maxErrorBodyBytes = 500

// Dispatch is the body POSTed to the planner for one work message.
type Dispatch struct {
	RequestID   string          `json:"request_id"`
	PatientData json.RawMessage `json:"patient_data"`
	BatchID     string          `json:"batch_id"`
}

// Client posts dispatches to the planner endpoint over a shared pooled
// transport. The per-phase timeouts from the deployment manifests map onto
// the dialer, the response-header wait, and the overall request deadline.
type Client struct {
	httpClient *http.Client
	url        string
}

// NewClient creates a planner client from the dispatch configuration.
func NewClient(cfg *config.DispatchConfig) *Client {
	if cfg == nil {
		panic("NewClient: cfg must not be nil")
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxConnsPerHost:       100,
		MaxIdleConnsPerHost:   100,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ReadTimeout,
		},
		url: cfg.ProcessorURL,
	}
}

// Post sends one dispatch and returns the planner's HTTP status code. A
// non-2xx status is not an error here; the worker decides the ack policy
// from the code. Errors mean the request never completed (encode, connect,
// timeout).
func (c *Client) Post(ctx context.Context, d Dispatch) (int, error) {
	if len(d.PatientData) == 0 {
		d.PatientData = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("failed to encode dispatch for %s: %w", d.RequestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("planner request failed for %s: %w", d.RequestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		slog.Error("Planner returned non-success",
			"request_id", d.RequestID,
			"status", resp.StatusCode,
			"body", string(snippet))
	} else {
		slog.Info("Planner responded",
			"request_id", d.RequestID,
			"status", resp.StatusCode)
	}

	return resp.StatusCode, nil
}
