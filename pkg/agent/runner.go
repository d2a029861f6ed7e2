// Package agent executes browser automation runs against live sessions.
//
// A run binds a cooperative handle to a session, attaches a tab to the
// session's Chromium over DevTools, and lets an LLM-backed driver work a
// task one action at a time. Everything the run says — structured records
// and raw driver output alike — is masked and forwarded to the log relay
// under the run's request id.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/llm"
	"github.com/preflight-health/preflight/pkg/masking"
	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/notify"
	"github.com/preflight-health/preflight/pkg/session"
)

var (
	// ErrInvalidRun marks run specs rejected before anything was started.
	ErrInvalidRun = errors.New("invalid run spec")

	// ErrBrowserUnavailable means the session exists but its DevTools
	// endpoint could not be attached.
	ErrBrowserUnavailable = errors.New("browser session unavailable")
)

// SessionBinder is the registry surface the runner binds runs through.
// Satisfied by *session.Registry.
type SessionBinder interface {
	AttachAgent(sessionID string, handle session.AgentHandle) (string, error)
	DetachAgent(sessionID string, handle session.AgentHandle)
	MarkAgentPaused(sessionID string, paused bool)
}

// ProgressWriter records run outcomes on the request ledger. Satisfied by
// *services.ProgressService.
type ProgressWriter interface {
	UpsertProgress(ctx context.Context, requestID string, update models.StatusUpdate) (*models.RequestProgress, error)
}

// RunSpec describes one agent run bound to an existing session.
type RunSpec struct {
	SessionID string
	Task      string

	// RequestID keys the run's log stream and progress row. Defaults to
	// the session id for runs launched outside a batch.
	RequestID string

	ExtendSystemPrompt string
	FileWhitelist      []string

	// AllowedTools restricts the capability list; nil enables every tool.
	AllowedTools []string
}

// RunnerDeps wires the collaborators a Runner needs. Progress, Notifier and
// Masker are optional.
type RunnerDeps struct {
	Sessions SessionBinder
	Relay    Appender
	Agent    *config.AgentConfig
	Session  *config.SessionConfig
	Progress ProgressWriter
	Notifier *notify.Service
	Masker   *masking.Service
}

// Runner executes agent runs: it binds a handle to the session, connects
// the browser, wires the per-run log sink and drives the loop to
// completion. One Runner serves concurrent runs on distinct sessions.
type Runner struct {
	sessions   SessionBinder
	relay      Appender
	cfg        *config.AgentConfig
	sessionCfg *config.SessionConfig
	progress   ProgressWriter
	notifier   *notify.Service
	masker     *masking.Service
	logger     *slog.Logger

	driver  Driver
	newLLM  func(ctx context.Context, cfg *config.AgentConfig) (llm.Client, error)
	connect func(ctx context.Context, devtoolsURL string) (BrowserDriver, error)
}

func NewRunner(deps RunnerDeps) *Runner {
	if deps.Sessions == nil {
		panic("NewRunner: sessions must not be nil")
	}
	if deps.Relay == nil {
		panic("NewRunner: relay must not be nil")
	}
	if deps.Agent == nil {
		panic("NewRunner: agent config must not be nil")
	}
	if deps.Session == nil {
		panic("NewRunner: session config must not be nil")
	}
	return &Runner{
		sessions:   deps.Sessions,
		relay:      deps.Relay,
		cfg:        deps.Agent,
		sessionCfg: deps.Session,
		progress:   deps.Progress,
		notifier:   deps.Notifier,
		masker:     deps.Masker,
		logger:     slog.Default().With("component", "agent-runner"),
		driver:     jsonDriver{},
		newLLM: func(ctx context.Context, cfg *config.AgentConfig) (llm.Client, error) {
			return llm.NewGemini(ctx, cfg)
		},
		connect: func(ctx context.Context, devtoolsURL string) (BrowserDriver, error) {
			return ConnectBrowser(ctx, devtoolsURL)
		},
	}
}

// Run executes one agent run and blocks until it finishes. Callers classify
// failures with errors.Is: ErrInvalidRun and session.ErrNotFound are caller
// mistakes, llm.ErrNoAPIKey is a deployment problem, ErrBrowserUnavailable
// means the session has no reachable browser. A run stopped through its
// handle is not an error.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (string, error) {
	if spec.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrInvalidRun)
	}
	if spec.Task == "" {
		return "", fmt.Errorf("%w: task is required", ErrInvalidRun)
	}
	requestID := spec.RequestID
	if requestID == "" {
		requestID = spec.SessionID
	}

	client, err := r.newLLM(ctx, r.cfg)
	if err != nil {
		return "", fmt.Errorf("configuring model client: %w", err)
	}

	handle := NewHandle()
	devtoolsURL, err := r.sessions.AttachAgent(spec.SessionID, handle)
	if err != nil {
		return "", err
	}
	defer r.sessions.DetachAgent(spec.SessionID, handle)

	// Per-run log plumbing: structured records through the relay handler,
	// raw driver output line-teed into the same stream.
	sink := NewRelayHandler(r.relay, requestID, r.masker)
	agentLog := slog.New(sink).With(sourceKey, "browser_use.agent")
	toolsLog := slog.New(sink).With(sourceKey, "browser_use.tools")
	tee := NewLineTee(func(line string) {
		if r.masker != nil {
			line = r.masker.Mask(line)
		}
		if err := r.relay.Append(context.WithoutCancel(ctx), requestID, line); err != nil {
			r.logger.Warn("Dropped agent event line", "request_id", requestID, "error", err)
		}
	})
	defer tee.Flush()

	driver, err := r.connect(ctx, devtoolsURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}
	defer driver.Close()

	downloads := filepath.Join(r.sessionCfg.ProfileRoot, spec.SessionID, "downloads")
	if err := driver.AllowDownloads(downloads); err != nil {
		r.logger.Warn("Could not set download directory", "session_id", spec.SessionID, "error", err)
	}

	run := &Run{
		Task:         spec.Task,
		ExtendPrompt: spec.ExtendSystemPrompt,
		MaxSteps:     r.cfg.MaxSteps,
		LLM:          client,
		Tools: newTools(toolsDeps{
			browser:    driver,
			notifier:   r.notifier,
			handle:     handle,
			markPaused: func(paused bool) { r.sessions.MarkAgentPaused(spec.SessionID, paused) },
			log:        toolsLog,
			sessionID:  spec.SessionID,
			requestID:  requestID,
			whitelist:  spec.FileWhitelist,
			allowed:    spec.AllowedTools,
		}),
		Handle: handle,
		Log:    agentLog,
		Events: tee,
	}

	agentLog.Info(fmt.Sprintf("Starting agent run: %s", spec.Task),
		"request_id", requestID, "session_id", spec.SessionID)
	r.setProgress(ctx, requestID, models.RequestStatusInProgress, "Agent run started")

	result, err := r.driver.Run(ctx, run)
	switch {
	case errors.Is(err, ErrStopped):
		agentLog.Info("Agent run stopped", "request_id", requestID)
		return "Run stopped before completion", nil
	case err != nil:
		agentLog.Error("Agent run failed", "request_id", requestID, "error", err.Error())
		r.setProgress(ctx, requestID, models.RequestStatusFailed, r.mask(err.Error()))
		return "", fmt.Errorf("agent run on session %s: %w", spec.SessionID, err)
	}

	agentLog.Info("Agent run completed", "request_id", requestID)
	r.setProgress(ctx, requestID, models.RequestStatusCompleted, r.mask(result))
	return result, nil
}

// setProgress is best effort: runs launched outside a batch have no request
// row, and a missing row must not fail the run.
func (r *Runner) setProgress(ctx context.Context, requestID string, status models.RequestStatus, remarks string) {
	if r.progress == nil {
		return
	}
	update := models.StatusUpdate{Status: status, Remarks: truncateText(remarks, 500)}
	if _, err := r.progress.UpsertProgress(context.WithoutCancel(ctx), requestID, update); err != nil {
		r.logger.Debug("Progress update skipped", "request_id", requestID, "status", string(status), "error", err)
	}
}

func (r *Runner) mask(s string) string {
	if r.masker == nil {
		return s
	}
	return r.masker.Mask(s)
}
