package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/agent"
	"github.com/preflight-health/preflight/pkg/llm"
	"github.com/preflight-health/preflight/pkg/session"
)

func TestRunAgentRejectsBadBody(t *testing.T) {
	f := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing task", `{"session_id":"session_00"}`},
		{"missing session_id", `{"task":"submit the PA"}`},
		{"not json", "task=submit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := perform(t, f.server.Handler(), http.MethodPost, "/agents", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, f.runner.calls)
		})
	}
}

func TestRunAgent(t *testing.T) {
	f := newTestServer(t)

	rec := perform(t, f.server.Handler(), http.MethodPost, "/agents",
		`{"task":"submit the PA","session_id":"session_00","request_id":"pa-1",
		  "extend_system_prompt":"Use the staging portal.",
		  "available_file_paths":["/data/referral.pdf"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Agent task completed successfully", body["message"])
	assert.Equal(t, "session_00", body["session_id"])
	assert.Equal(t, "pa-1", body["request_id"])

	require.Equal(t, 1, f.runner.calls)
	assert.Equal(t, agent.RunSpec{
		SessionID:          "session_00",
		Task:               "submit the PA",
		RequestID:          "pa-1",
		ExtendSystemPrompt: "Use the staging portal.",
		FileWhitelist:      []string{"/data/referral.pdf"},
	}, f.runner.spec)
}

func TestRunAgentRequestIDDefaultsToSession(t *testing.T) {
	f := newTestServer(t)

	rec := perform(t, f.server.Handler(), http.MethodPost, "/agents",
		`{"task":"submit the PA","session_id":"session_03"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session_03", decodeBody(t, rec)["request_id"])
	assert.Equal(t, "session_03", f.runner.spec.RequestID)
}

func TestRunAgentErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "missing api key",
			err:      fmt.Errorf("configuring model client: %w", llm.ErrNoAPIKey),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "GOOGLE_API_KEY environment variable not set",
		},
		{
			name:     "invalid spec",
			err:      fmt.Errorf("%w: task must not be empty", agent.ErrInvalidRun),
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid or inactive session ID",
		},
		{
			name:     "unknown session",
			err:      session.ErrNotFound,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid or inactive session ID",
		},
		{
			name:     "session tearing down",
			err:      session.ErrNotReady,
			wantCode: http.StatusBadRequest,
			wantMsg:  "Invalid or inactive session ID",
		},
		{
			name:     "agent already running",
			err:      session.ErrAgentActive,
			wantCode: http.StatusConflict,
			wantMsg:  "An agent is already running on this session",
		},
		{
			name:     "browser gone",
			err:      fmt.Errorf("%w: connection refused", agent.ErrBrowserUnavailable),
			wantCode: http.StatusNotFound,
			wantMsg:  "No browser session found for the given session ID",
		},
		{
			name:     "driver failure",
			err:      errors.New("model quota exhausted"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Agent execution failed: model quota exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t)
			f.runner.err = tt.err

			rec := perform(t, f.server.Handler(), http.MethodPost, "/agents",
				`{"task":"submit the PA","session_id":"session_00"}`)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantMsg, decodeBody(t, rec)["error"])
		})
	}
}

func TestAgentControlGuards(t *testing.T) {
	f := newTestServer(t)
	perform(t, f.server.Handler(), http.MethodPost, "/sessions", "")

	for _, path := range []string{"stop", "pause", "resume", "status"} {
		t.Run(path+" unknown session", func(t *testing.T) {
			rec := perform(t, f.server.Handler(), http.MethodGet, "/agents/session_99/"+path, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid or inactive session ID", decodeBody(t, rec)["error"])
		})
		t.Run(path+" no agent", func(t *testing.T) {
			rec := perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/"+path, "")
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Equal(t, "Agent not found", decodeBody(t, rec)["error"])
		})
	}
}

func TestAgentPauseResumeStop(t *testing.T) {
	f := newTestServer(t)
	perform(t, f.server.Handler(), http.MethodPost, "/sessions", "")

	handle := agent.NewHandle()
	_, err := f.registry.AttachAgent("session_00", handle)
	require.NoError(t, err)

	rec := perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decodeBody(t, rec)["status"])

	rec = perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Agent for session session_00 paused successfully", body["message"])
	assert.Equal(t, "paused", body["status"])

	info, err := f.registry.Get("session_00")
	require.NoError(t, err)
	assert.Equal(t, "agent_paused", info.State)
	assert.Equal(t, "paused", info.AgentState)

	rec = perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decodeBody(t, rec)["status"])

	info, err = f.registry.Get("session_00")
	require.NoError(t, err)
	assert.Equal(t, "agent_running", info.State)

	rec = perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Agent for session session_00 stopped successfully", body["message"])
	assert.Equal(t, "stopping", body["status"])
}

func TestAgentPauseIsIdempotent(t *testing.T) {
	f := newTestServer(t)
	perform(t, f.server.Handler(), http.MethodPost, "/sessions", "")

	handle := agent.NewHandle()
	_, err := f.registry.AttachAgent("session_00", handle)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := perform(t, f.server.Handler(), http.MethodGet, "/agents/session_00/pause", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "paused", decodeBody(t, rec)["status"])
	}
}
