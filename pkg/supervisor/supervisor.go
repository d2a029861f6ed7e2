// Package supervisor builds and tears down the per-session process chain:
// virtual display, VNC server, websocket proxy and browser. Each step gates
// the next, and every failure path cleans up whatever came up before it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/session"
)

// Spec names the slot a chain is built on.
type Spec struct {
	SessionID  string
	DisplayNum int
	VNCPort    int
	WebPort    int
}

// Supervisor starts and stops session process chains.
type Supervisor struct {
	cfg       *config.SessionConfig
	commander Commander

	// attach and dial are replaced by tests.
	attach attachFunc
	dial   dialFunc

	cleanupLog *slog.Logger
}

type attachFunc func(ctx context.Context, userDataDir string, timeout time.Duration) (string, error)

type dialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// New creates a supervisor that spawns real processes through os/exec.
func New(cfg *config.SessionConfig) *Supervisor {
	return NewWithCommander(cfg, ExecCommander{})
}

// NewWithCommander is New with a custom process commander, used by tests.
func NewWithCommander(cfg *config.SessionConfig, commander Commander) *Supervisor {
	if cfg == nil {
		panic("supervisor.New: cfg must not be nil")
	}
	if commander == nil {
		panic("supervisor.New: commander must not be nil")
	}
	return &Supervisor{
		cfg:        cfg,
		commander:  commander,
		attach:     attachDevTools,
		dial:       net.DialTimeout,
		cleanupLog: slog.With("component", "cleanup"),
	}
}

// Start brings up the full chain for one slot:
//
//  1. pre-clean the slot (stale lock file, leftover processes)
//  2. Xvfb, gated on an xdpyinfo probe
//  3. xrandr framebuffer match (best-effort)
//  4. x11vnc and websockify, both gated on their listen ports
//  5. browser launch and DevTools attach, with bounded retries
//
// On any failure the partial chain is torn down before the error returns.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Chain, error) {
	display := fmt.Sprintf(":%d", spec.DisplayNum)
	c := &Chain{
		SessionID:   spec.SessionID,
		DisplayNum:  spec.DisplayNum,
		VNCPort:     spec.VNCPort,
		WebPort:     spec.WebPort,
		UserDataDir: filepath.Join(s.cfg.ProfileRoot, spec.SessionID),
		sup:         s,
	}

	slog.Info("Starting session chain",
		"session_id", spec.SessionID,
		"display", display,
		"vnc_port", spec.VNCPort,
		"web_port", spec.WebPort)

	// A previous owner of this slot may have crashed without cleanup.
	s.preClean(ctx, spec.DisplayNum, spec.VNCPort, spec.WebPort)

	xvfb, err := s.commander.Start("Xvfb", []string{
		display, "-screen", "0", "1600x1200x24", "+extension", "RANDR", "-ac",
	})
	if err != nil {
		return nil, s.fail(c, fmt.Errorf("%w: starting Xvfb: %v", ErrDisplayNotReady, err))
	}
	c.add("Xvfb", xvfb)

	if err := s.waitForDisplay(ctx, display); err != nil {
		return nil, s.fail(c, err)
	}

	if err := s.commander.Run(ctx, "xrandr", []string{"--display", display, "--fb", "1600x1200"}); err != nil {
		slog.Warn("xrandr framebuffer match failed",
			"session_id", spec.SessionID, "display", display, "error", err)
	}

	vnc, err := s.commander.Start("x11vnc", []string{
		"-display", display, "-nopw", "-forever", "-shared",
		"-rfbport", strconv.Itoa(spec.VNCPort), "-clip", "1600x1200", "-xrandr", "resize",
	})
	if err != nil {
		return nil, s.fail(c, fmt.Errorf("%w: %v", ErrVNCStartFailed, err))
	}
	c.add("x11vnc", vnc)

	proxy, err := s.commander.Start("websockify", []string{
		"--web", s.cfg.NoVNCRoot, strconv.Itoa(spec.WebPort), "localhost:" + strconv.Itoa(spec.VNCPort),
	})
	if err != nil {
		return nil, s.fail(c, fmt.Errorf("%w: %v", ErrProxyStartFailed, err))
	}
	c.add("websockify", proxy)

	if err := s.waitForPort(ctx, spec.VNCPort); err != nil {
		return nil, s.fail(c, fmt.Errorf("%w: %v", ErrVNCStartFailed, err))
	}
	if err := s.waitForPort(ctx, spec.WebPort); err != nil {
		return nil, s.fail(c, fmt.Errorf("%w: %v", ErrProxyStartFailed, err))
	}

	if err := s.startBrowser(ctx, c, display); err != nil {
		return nil, s.fail(c, err)
	}

	slog.Info("Session chain ready",
		"session_id", spec.SessionID, "display", display, "devtools_url", c.devtoolsURL)
	return c, nil
}

// Launch adapts Start to the session registry's Launcher contract.
func (s *Supervisor) Launch(ctx context.Context, sessionID string, slot session.Slot) (session.Chain, error) {
	c, err := s.Start(ctx, Spec{
		SessionID:  sessionID,
		DisplayNum: slot.DisplayNum,
		VNCPort:    slot.VNCPort,
		WebPort:    slot.WebPort,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// fail tears down the partial chain and passes err through.
func (s *Supervisor) fail(c *Chain, err error) error {
	if stopErr := c.Stop(context.Background()); stopErr != nil {
		s.cleanupLog.Error("Cleanup after failed chain start",
			"session_id", c.SessionID, "error", stopErr)
	}
	return err
}

// preClean removes a stale X lock file and kills leftover processes still
// holding the slot's display or ports.
func (s *Supervisor) preClean(ctx context.Context, displayNum, vncPort, webPort int) {
	lock := XLockFile(displayNum)
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		s.cleanupLog.Warn("Removing stale X lock file failed", "path", lock, "error", err)
	}
	for _, pattern := range SlotPatterns(displayNum, vncPort, webPort) {
		// pkill exits non-zero when nothing matched; that is the normal case.
		_ = s.commander.Run(ctx, "pkill", []string{"-f", pattern})
	}
}

// waitForDisplay polls xdpyinfo until the display answers or the configured
// timeout passes.
func (s *Supervisor) waitForDisplay(ctx context.Context, display string) error {
	deadline := time.Now().Add(s.cfg.DisplayReadyTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := s.commander.Run(probeCtx, "xdpyinfo", []string{"-display", display})
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not answer within %s",
				ErrDisplayNotReady, display, s.cfg.DisplayReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// waitForPort blocks until something is listening on the local TCP port.
func (s *Supervisor) waitForPort(ctx context.Context, port int) error {
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	deadline := time.Now().Add(s.cfg.PortReadyTimeout)
	for {
		conn, err := s.dial("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("nothing listening on %s after %s", addr, s.cfg.PortReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// startBrowser launches the browser bound to the session display and
// verifies the DevTools endpoint, retrying the whole launch with a growing
// backoff. The profile (and downloads) directory is created first.
func (s *Supervisor) startBrowser(ctx context.Context, c *Chain, display string) error {
	downloadsDir := filepath.Join(c.UserDataDir, "downloads")
	if err := os.MkdirAll(downloadsDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating profile dir: %v", ErrBrowserAttach, err)
	}

	args := browserArgs(c.UserDataDir, display, s.cfg.ExtensionsDir)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.BrowserAttachAttempts; attempt++ {
		// The browser publishes its debugging port in the profile dir on
		// every launch; drop a stale one so attach cannot read last run's.
		_ = os.Remove(filepath.Join(c.UserDataDir, "DevToolsActivePort"))

		proc, err := s.commander.Start(s.cfg.BrowserBin, args, "DISPLAY="+display)
		if err != nil {
			return fmt.Errorf("%w: launching %s: %v", ErrBrowserAttach, s.cfg.BrowserBin, err)
		}

		wsURL, err := s.attach(ctx, c.UserDataDir, s.cfg.PortReadyTimeout)
		if err == nil {
			c.add("browser", proc)
			c.devtoolsURL = wsURL
			slog.Info("Browser attached",
				"session_id", c.SessionID, "display", display, "attempt", attempt)
			return nil
		}

		lastErr = err
		slog.Warn("Browser attach failed",
			"session_id", c.SessionID,
			"display", display,
			"attempt", attempt,
			"attempts", s.cfg.BrowserAttachAttempts,
			"error", err)
		if termErr := s.terminate(child{name: "browser", proc: proc}); termErr != nil {
			s.cleanupLog.Error("Stopping unattached browser failed",
				"session_id", c.SessionID, "error", termErr)
		}

		if attempt < s.cfg.BrowserAttachAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(2*attempt) * time.Second):
			}
		}
	}
	return fmt.Errorf("%w: display %s after %d attempts: %v",
		ErrBrowserAttach, display, s.cfg.BrowserAttachAttempts, lastErr)
}

// browserArgs assembles the launch flags for one session's browser.
// Extension flags are added only when extensionsDir holds an unpacked
// extension (a manifest.json is present).
func browserArgs(userDataDir, display, extensionsDir string) []string {
	args := []string{
		"--user-data-dir=" + userDataDir,
		"--display=" + display,
		"--start-maximized",
		"--window-position=0,0",
		"--window-size=1600,1200",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu-sandbox",
		"--remote-debugging-port=0",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--force-device-scale-factor=1",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if validExtensionDir(extensionsDir) {
		args = append(args,
			"--enable-extensions",
			"--load-extension="+extensionsDir,
			"--disable-extensions-except="+extensionsDir,
		)
	}
	return args
}

// validExtensionDir reports whether dir holds an unpacked browser extension.
func validExtensionDir(dir string) bool {
	if dir == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, "manifest.json"))
	return err == nil && info.Mode().IsRegular()
}

// teardown stops children in reverse spawn order, sweeps the slot for
// orphans and removes the X lock file. Errors are reported both on the
// cleanup logger and in the joined return value, never swallowed.
func (s *Supervisor) teardown(ctx context.Context, c *Chain) error {
	// Cleanup has to finish even when the caller's context is already dead.
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	var errs []error
	for i := len(c.procs) - 1; i >= 0; i-- {
		if err := s.terminate(c.procs[i]); err != nil {
			errs = append(errs, fmt.Errorf("%s (pid %d): %w", c.procs[i].name, c.procs[i].proc.Pid(), err))
		}
	}

	for _, pattern := range SlotPatterns(c.DisplayNum, c.VNCPort, c.WebPort) {
		_ = s.commander.Run(sweepCtx, "pkill", []string{"-f", pattern})
	}

	lock := XLockFile(c.DisplayNum)
	if err := os.Remove(lock); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("removing %s: %w", lock, err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.cleanupLog.Error("Session chain teardown finished with errors",
			"session_id", c.SessionID, "error", err)
		return err
	}
	s.cleanupLog.Info("Session chain torn down",
		"session_id", c.SessionID, "display", c.DisplayNum)
	return nil
}

// terminate delivers SIGTERM, waits out the grace period, then force-kills.
func (s *Supervisor) terminate(ch child) error {
	select {
	case <-ch.proc.Done():
		return nil
	default:
	}

	// SIGTERM may race with the process exiting on its own; the Done ladder
	// below sorts that out.
	_ = ch.proc.Signal(syscall.SIGTERM)

	select {
	case <-ch.proc.Done():
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	if err := ch.proc.Kill(); err != nil {
		select {
		case <-ch.proc.Done():
			return nil
		default:
			return fmt.Errorf("kill: %w", err)
		}
	}

	select {
	case <-ch.proc.Done():
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("still running after SIGKILL")
	}
}

// XLockFile is the X server lock file path for a display number.
func XLockFile(displayNum int) string {
	return fmt.Sprintf("/tmp/.X%d-lock", displayNum)
}

// SlotPatterns returns the pkill -f patterns matching every process a slot
// could have left behind. Shared with the boot-time orphan sweep.
func SlotPatterns(displayNum, vncPort, webPort int) []string {
	return []string{
		fmt.Sprintf("x11vnc.*-rfbport.*%d", vncPort),
		fmt.Sprintf("websockify.*%d", webPort),
		fmt.Sprintf("Xvfb.*:%d", displayNum),
	}
}
