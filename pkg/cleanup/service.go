// Package cleanup sweeps leftovers of crashed session stacks at boot.
package cleanup

import (
	"context"
	"log/slog"
	"os"

	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/supervisor"
)

// Service removes what earlier runs left behind: X server lock files and
// Xvfb/x11vnc/websockify processes still bound to slot displays and ports.
// It runs once at boot, before the slot pool hands out its first session;
// running it later would kill live sessions.
type Service struct {
	cfg       *config.SessionConfig
	commander supervisor.Commander
	logger    *slog.Logger
}

// NewService creates the boot sweeper.
func NewService(cfg *config.SessionConfig, commander supervisor.Commander) *Service {
	if cfg == nil {
		panic("NewService: cfg must not be nil")
	}
	if commander == nil {
		panic("NewService: commander must not be nil")
	}
	return &Service{
		cfg:       cfg,
		commander: commander,
		logger:    slog.Default().With("component", "cleanup"),
	}
}

// Sweep walks every slot in the configured range, pattern-kills orphaned
// session processes and removes stale X lock files. Failures are logged per
// slot and never abort the sweep.
func (s *Service) Sweep(ctx context.Context) {
	s.logger.Info("Sweeping stale session processes", "slots", s.cfg.PoolSize)

	locksRemoved := 0
	for i := 0; i < s.cfg.PoolSize; i++ {
		display := s.cfg.BaseDisplay + i
		vncPort := s.cfg.BaseVNCPort + i
		webPort := s.cfg.BaseWebPort + i

		for _, pattern := range supervisor.SlotPatterns(display, vncPort, webPort) {
			// pkill exits non-zero when nothing matched; that is the normal case.
			_ = s.commander.Run(ctx, "pkill", []string{"-f", pattern})
		}

		switch err := os.Remove(supervisor.XLockFile(display)); {
		case err == nil:
			locksRemoved++
			s.logger.Info("Removed stale X lock file", "display", display)
		case !os.IsNotExist(err):
			s.logger.Warn("Removing stale X lock file failed", "display", display, "error", err)
		}
	}

	s.logger.Info("Sweep finished", "slots", s.cfg.PoolSize, "locks_removed", locksRemoved)
}
