package config

import (
	"fmt"
	"time"
)

// SessionPolicy selects how session ids are assigned and capped.
type SessionPolicy string

// Session policy values.
const (
	// SessionPolicyPool runs a fixed pool of named sessions
	// (session_00..session_NN), first free wins.
	SessionPolicyPool SessionPolicy = "pool"

	// SessionPolicySingle allows one session at a time with a randomly
	// generated id.
	SessionPolicySingle SessionPolicy = "single"
)

// SessionConfig controls the slot pool and the per-session process chain.
type SessionConfig struct {
	// Policy is the capacity policy: pool or single.
	Policy SessionPolicy

	// PoolSize is the number of slots (and, under the pool policy, the
	// number of fixed session names).
	PoolSize int

	// BaseDisplay, BaseVNCPort and BaseWebPort anchor the slot tuples:
	// slot i gets display BaseDisplay+i, ports BaseVNCPort+i / BaseWebPort+i.
	BaseDisplay int
	BaseVNCPort int
	BaseWebPort int

	// ProfileRoot is where per-session browser profiles live.
	ProfileRoot string

	// NoVNCRoot is the static web bundle served by the websocket proxy.
	NoVNCRoot string

	// ExtensionsDir optionally holds an unpacked browser extension to load
	// into every session. Ignored unless it contains a manifest.json.
	ExtensionsDir string

	// VNCBaseURL prefixes the vnc_url returned on session creation.
	VNCBaseURL string

	// BrowserBin is the browser binary launched for each session.
	BrowserBin string

	// DisplayReadyTimeout bounds the virtual display readiness probe.
	DisplayReadyTimeout time.Duration

	// PortReadyTimeout bounds the VNC/proxy listen probes.
	PortReadyTimeout time.Duration

	// StopGrace is how long a child gets to exit after SIGTERM before
	// it is force-killed.
	StopGrace time.Duration

	// BrowserAttachAttempts is the number of DevTools attach tries.
	BrowserAttachAttempts int
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Policy:                SessionPolicyPool,
		PoolSize:              10,
		BaseDisplay:           101,
		BaseVNCPort:           6080,
		BaseWebPort:           5080,
		ProfileRoot:           "/tmp/browser_profiles",
		NoVNCRoot:             "/usr/share/novnc",
		VNCBaseURL:            "http://localhost:8000",
		BrowserBin:            "chromium",
		DisplayReadyTimeout:   10 * time.Second,
		PortReadyTimeout:      10 * time.Second,
		StopGrace:             2 * time.Second,
		BrowserAttachAttempts: 3,
	}
}

// LoadSessionConfigFromEnv builds a SessionConfig from the environment,
// falling back to defaults for anything unset.
func LoadSessionConfigFromEnv() (*SessionConfig, error) {
	cfg := DefaultSessionConfig()

	cfg.Policy = SessionPolicy(getEnvOrDefault("SESSION_POLICY", string(cfg.Policy)))

	var err error
	if cfg.PoolSize, err = getEnvInt("SESSION_POOL_SIZE", cfg.PoolSize); err != nil {
		return nil, err
	}
	if cfg.BaseDisplay, err = getEnvInt("BASE_DISPLAY", cfg.BaseDisplay); err != nil {
		return nil, err
	}
	if cfg.BaseVNCPort, err = getEnvInt("BASE_VNC_PORT", cfg.BaseVNCPort); err != nil {
		return nil, err
	}
	if cfg.BaseWebPort, err = getEnvInt("BASE_WEB_PORT", cfg.BaseWebPort); err != nil {
		return nil, err
	}
	if cfg.DisplayReadyTimeout, err = getEnvSeconds("DISPLAY_READY_TIMEOUT", cfg.DisplayReadyTimeout); err != nil {
		return nil, err
	}
	if cfg.BrowserAttachAttempts, err = getEnvInt("BROWSER_ATTACH_ATTEMPTS", cfg.BrowserAttachAttempts); err != nil {
		return nil, err
	}

	cfg.ProfileRoot = getEnvOrDefault("PROFILE_ROOT", cfg.ProfileRoot)
	cfg.NoVNCRoot = getEnvOrDefault("NOVNC_ROOT", cfg.NoVNCRoot)
	cfg.ExtensionsDir = getEnvOrDefault("EXTENSIONS_DIR", cfg.ExtensionsDir)
	cfg.VNCBaseURL = getEnvOrDefault("VNC_BASE_URL", cfg.VNCBaseURL)
	cfg.BrowserBin = getEnvOrDefault("BROWSER_BIN", cfg.BrowserBin)

	return cfg, cfg.Validate()
}

// Validate checks the configuration for internally inconsistent values.
func (c *SessionConfig) Validate() error {
	if c.Policy != SessionPolicyPool && c.Policy != SessionPolicySingle {
		return fmt.Errorf("invalid session policy %q: must be %q or %q",
			c.Policy, SessionPolicyPool, SessionPolicySingle)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("session pool size must be at least 1, got %d", c.PoolSize)
	}
	if c.BaseDisplay < 1 {
		return fmt.Errorf("base display must be positive, got %d", c.BaseDisplay)
	}
	if c.BaseVNCPort < 1024 || c.BaseWebPort < 1024 {
		return fmt.Errorf("base ports must be above 1024, got vnc=%d web=%d",
			c.BaseVNCPort, c.BaseWebPort)
	}
	if c.BrowserAttachAttempts < 1 {
		return fmt.Errorf("browser attach attempts must be at least 1, got %d", c.BrowserAttachAttempts)
	}
	if c.BrowserBin == "" {
		return fmt.Errorf("browser binary must not be empty")
	}
	return nil
}
