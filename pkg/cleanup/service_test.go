package cleanup

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/supervisor"
)

type fakeCommander struct {
	mu   sync.Mutex
	runs []string
}

var _ supervisor.Commander = (*fakeCommander)(nil)

func (f *fakeCommander) Start(string, []string, ...string) (supervisor.Proc, error) {
	return nil, errors.New("the sweeper never starts processes")
}

func (f *fakeCommander) Run(_ context.Context, name string, args []string, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, name+" "+strings.Join(args, " "))
	return nil
}

func (f *fakeCommander) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func sweepConfig() *config.SessionConfig {
	cfg := config.DefaultSessionConfig()
	cfg.PoolSize = 2
	// High bases so the test never touches a real display's lock file.
	cfg.BaseDisplay = 64301
	cfg.BaseVNCPort = 36080
	cfg.BaseWebPort = 35080
	return cfg
}

func TestSweepKillsEverySlotPattern(t *testing.T) {
	fc := &fakeCommander{}
	NewService(sweepConfig(), fc).Sweep(context.Background())

	runs := fc.recorded()
	require.Len(t, runs, 6, "three patterns per slot across two slots")

	joined := strings.Join(runs, "\n")
	assert.Contains(t, joined, "pkill -f Xvfb.*:64301")
	assert.Contains(t, joined, "pkill -f Xvfb.*:64302")
	assert.Contains(t, joined, "pkill -f x11vnc.*-rfbport.*36080")
	assert.Contains(t, joined, "pkill -f websockify.*35081")
}

func TestSweepRemovesStaleLockFiles(t *testing.T) {
	cfg := sweepConfig()
	lock := supervisor.XLockFile(cfg.BaseDisplay)
	require.NoError(t, os.WriteFile(lock, []byte("9999\n"), 0o644))
	t.Cleanup(func() { _ = os.Remove(lock) })

	NewService(cfg, &fakeCommander{}).Sweep(context.Background())

	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err), "stale lock file must be gone")
}

func TestSweepToleratesCommanderFailures(t *testing.T) {
	fc := failingCommander{}
	assert.NotPanics(t, func() {
		NewService(sweepConfig(), fc).Sweep(context.Background())
	})
}

type failingCommander struct{}

func (failingCommander) Start(string, []string, ...string) (supervisor.Proc, error) {
	return nil, errors.New("unused")
}

func (failingCommander) Run(context.Context, string, []string, ...string) error {
	return errors.New("pkill: command not found")
}
