package session

import (
	"context"
	"errors"
)

// State is the lifecycle state of one session.
type State string

const (
	// StateAllocating covers slot acquisition and process chain startup.
	StateAllocating State = "allocating"
	// StateReady means the chain is up and no agent is bound.
	StateReady State = "ready"
	// StateAgentRunning and StateAgentPaused mirror the bound agent.
	StateAgentRunning State = "agent_running"
	StateAgentPaused  State = "agent_paused"
	// StateTearingDown forbids new agent commands; StateDead is terminal.
	StateTearingDown State = "tearing_down"
	StateDead        State = "dead"
)

// Registry errors.
var (
	ErrNotFound     = errors.New("session not found")
	ErrAlreadyInUse = errors.New("a session is already in use")
	ErrNotReady     = errors.New("session is not ready")
	ErrAgentActive  = errors.New("an agent is already running on this session")
	ErrNoAgent      = errors.New("no agent running on this session")
)

// Chain is the handle the registry keeps on the process stack behind a
// session. Implemented by *supervisor.Chain.
type Chain interface {
	// DevToolsURL is the websocket debugger endpoint of the session browser.
	DevToolsURL() string
	// Stop tears the stack down. Idempotent.
	Stop(ctx context.Context) error
}

// Launcher starts the process chain for an allocated slot. Implemented by
// *supervisor.Supervisor; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, slot Slot) (Chain, error)
}

// AgentHandle is the control surface a running agent binds to its session.
// Implementations must not call back into the registry from these methods.
type AgentHandle interface {
	// Stop requests a cooperative stop; the run exits at its next checkpoint.
	Stop()
	// Pause and Resume report whether the call changed anything.
	Pause() bool
	Resume() bool
	// State describes the run: running, paused or stopping.
	State() string
}

// Record is one live session: the slot it owns, the chain behind it and the
// agent handle while a run is active. The registry exclusively owns every
// record; all field access is serialized by the registry lock.
type Record struct {
	SessionID string
	Slot      Slot

	chain Chain
	state State
	agent AgentHandle
}
