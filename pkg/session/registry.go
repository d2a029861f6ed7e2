package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/models"
)

// Registry owns every live session record. Creation composes slot
// allocation, chain startup and registration; deletion composes agent stop,
// chain teardown, slot release and deregistration. All state transitions are
// serialized by the registry lock.
type Registry struct {
	cfg      *config.SessionConfig
	pool     *Pool
	launcher Launcher

	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates an empty registry over the given slot pool.
func NewRegistry(cfg *config.SessionConfig, pool *Pool, launcher Launcher) *Registry {
	if cfg == nil {
		panic("NewRegistry: cfg must not be nil")
	}
	if pool == nil {
		panic("NewRegistry: pool must not be nil")
	}
	if launcher == nil {
		panic("NewRegistry: launcher must not be nil")
	}
	return &Registry{
		cfg:      cfg,
		pool:     pool,
		launcher: launcher,
		records:  make(map[string]*Record),
	}
}

// Create allocates a slot, brings the process chain up and registers the
// session. The record is visible (state allocating) while the chain starts
// so concurrent creates cannot double-book the id or, under the single
// policy, the whole registry. On failure the id and slot are released again;
// the launcher has already cleaned up partial processes.
func (r *Registry) Create(ctx context.Context) (models.SessionInfo, error) {
	r.mu.Lock()
	sessionID, err := r.pickSessionID()
	if err != nil {
		r.mu.Unlock()
		return models.SessionInfo{}, err
	}
	slot, err := r.pool.Acquire()
	if err != nil {
		r.mu.Unlock()
		return models.SessionInfo{}, err
	}
	rec := &Record{SessionID: sessionID, Slot: slot, state: StateAllocating}
	r.records[sessionID] = rec
	r.mu.Unlock()

	chain, err := r.launcher.Launch(ctx, sessionID, slot)
	if err != nil {
		r.mu.Lock()
		delete(r.records, sessionID)
		r.pool.Release(slot)
		r.mu.Unlock()
		return models.SessionInfo{}, fmt.Errorf("starting session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	rec.chain = chain
	rec.state = StateReady
	info := r.infoLocked(rec)
	r.mu.Unlock()

	slog.Info("Session created",
		"session_id", sessionID,
		"display", slot.DisplayNum,
		"vnc_port", slot.VNCPort,
		"web_port", slot.WebPort)
	return info, nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (models.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return models.SessionInfo{}, ErrNotFound
	}
	return r.infoLocked(rec), nil
}

// List snapshots every registered session, ordered by id.
func (r *Registry) List() []models.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]models.SessionInfo, 0, len(r.records))
	for _, rec := range r.records {
		infos = append(infos, r.infoLocked(rec))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Delete tears a session down: cooperative agent stop, chain teardown, slot
// release, record removal. Unknown ids and sessions already tearing down
// return ErrNotFound. A teardown error is surfaced but the record is removed
// regardless; the chain's pattern sweep has already done what it could.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	rec, ok := r.records[sessionID]
	if !ok || rec.state == StateAllocating || rec.state == StateTearingDown {
		r.mu.Unlock()
		return ErrNotFound
	}
	rec.state = StateTearingDown
	agent := rec.agent
	chain := rec.chain
	r.mu.Unlock()

	if agent != nil {
		agent.Stop()
	}

	var stopErr error
	if chain != nil {
		stopErr = chain.Stop(ctx)
	}

	r.mu.Lock()
	rec.state = StateDead
	rec.agent = nil
	delete(r.records, sessionID)
	r.pool.Release(rec.Slot)
	r.mu.Unlock()

	if stopErr != nil {
		return fmt.Errorf("tearing down session %s: %w", sessionID, stopErr)
	}
	slog.Info("Session deleted", "session_id", sessionID)
	return nil
}

// AttachAgent binds an agent handle to a ready session and returns the
// DevTools endpoint the agent drives. At most one handle per session.
func (r *Registry) AttachAgent(sessionID string, handle AgentHandle) (string, error) {
	if handle == nil {
		panic("AttachAgent: handle must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	switch rec.state {
	case StateReady:
	case StateAgentRunning, StateAgentPaused:
		return "", ErrAgentActive
	default:
		return "", ErrNotReady
	}
	rec.agent = handle
	rec.state = StateAgentRunning
	return rec.chain.DevToolsURL(), nil
}

// DetachAgent releases the agent binding when a run finishes. Called on
// every exit path; only the owning handle detaches.
func (r *Registry) DetachAgent(sessionID string, handle AgentHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok || rec.agent != handle {
		return
	}
	rec.agent = nil
	if rec.state == StateAgentRunning || rec.state == StateAgentPaused {
		rec.state = StateReady
	}
}

// MarkAgentPaused mirrors the agent's pause state into the session record.
func (r *Registry) MarkAgentPaused(sessionID string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return
	}
	switch {
	case paused && rec.state == StateAgentRunning:
		rec.state = StateAgentPaused
	case !paused && rec.state == StateAgentPaused:
		rec.state = StateAgentRunning
	}
}

// Agent returns the live agent handle for a session. Sessions that are
// tearing down refuse agent commands.
func (r *Registry) Agent(sessionID string) (AgentHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.state == StateTearingDown || rec.state == StateDead {
		return nil, ErrNotReady
	}
	if rec.agent == nil {
		return nil, ErrNoAgent
	}
	return rec.agent, nil
}

// pickSessionID reserves a session id under the configured policy. Caller
// holds the registry lock.
func (r *Registry) pickSessionID() (string, error) {
	if r.cfg.Policy == config.SessionPolicySingle {
		if len(r.records) > 0 {
			return "", ErrAlreadyInUse
		}
		return randomSessionID()
	}

	for i := 0; i < r.cfg.PoolSize; i++ {
		id := fmt.Sprintf("session_%02d", i)
		if _, taken := r.records[id]; !taken {
			return id, nil
		}
	}
	return "", ErrPoolExhausted
}

func (r *Registry) infoLocked(rec *Record) models.SessionInfo {
	info := models.SessionInfo{
		SessionID:  rec.SessionID,
		VNCURL:     r.vncURL(rec.SessionID),
		VNCPort:    rec.Slot.VNCPort,
		WebPort:    rec.Slot.WebPort,
		DisplayNum: rec.Slot.DisplayNum,
		State:      string(rec.state),
	}
	switch rec.state {
	case StateAgentRunning:
		info.AgentState = "running"
	case StateAgentPaused:
		info.AgentState = "paused"
	}
	return info
}

func (r *Registry) vncURL(sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/vnc/vnc.html?autoconnect=1",
		strings.TrimRight(r.cfg.VNCBaseURL, "/"), sessionID)
}

// randomSessionID returns 64 random bits as sixteen hex chars grouped
// xxxx-xxxx-xxxx-xxxx.
func randomSessionID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	s := hex.EncodeToString(b[:])
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12] + "-" + s[12:16], nil
}
