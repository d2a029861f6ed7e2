package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/preflight-health/preflight/pkg/session"
)

// ErrStopped reports a run that ended at a checkpoint because Stop was
// called. The runner treats it as a normal termination, not a failure.
var ErrStopped = errors.New("agent run stopped")

// Handle states reported by State.
const (
	handleStateRunning  = "running"
	handleStatePaused   = "paused"
	handleStateStopping = "stopping"
)

// Handle is the control surface of one agent run. Pause, Resume and Stop are
// non-blocking; the run honors them cooperatively at its next checkpoint
// between driver steps.
type Handle struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	resume  chan struct{} // replaced on Pause, closed on Resume/Stop
}

var _ session.AgentHandle = (*Handle)(nil)

// NewHandle creates a handle in the running state.
func NewHandle() *Handle {
	return &Handle{}
}

// Stop requests a cooperative stop. Idempotent; also wakes a paused run so
// it can observe the stop.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if h.paused {
		h.paused = false
		close(h.resume)
	}
}

// Pause suspends the run at its next checkpoint. Returns false when the run
// is already paused or stopping.
func (h *Handle) Pause() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.paused {
		return false
	}
	h.paused = true
	h.resume = make(chan struct{})
	return true
}

// Resume releases a paused run. Returns false when the run is not paused.
func (h *Handle) Resume() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || !h.paused {
		return false
	}
	h.paused = false
	close(h.resume)
	return true
}

// State reports running, paused or stopping.
func (h *Handle) State() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.stopped:
		return handleStateStopping
	case h.paused:
		return handleStatePaused
	default:
		return handleStateRunning
	}
}

// checkpoint blocks while the run is paused and reports whether it should
// keep going: nil to continue, ErrStopped after Stop, or the context error.
// The driver calls it between steps.
func (h *Handle) checkpoint(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return ErrStopped
		}
		if !h.paused {
			h.mu.Unlock()
			return nil
		}
		resume := h.resume
		h.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
