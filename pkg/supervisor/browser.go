package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

var devToolsHTTP = &http.Client{Timeout: 5 * time.Second}

// devToolsVersion is the subset of GET /json/version we care about.
type devToolsVersion struct {
	Browser              string `json:"Browser"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// attachDevTools waits for the browser to publish its DevTools endpoint and
// verifies the connection end to end: read DevToolsActivePort from the
// profile dir, resolve the websocket debugger URL over HTTP, then drive one
// no-op navigation through it.
func attachDevTools(ctx context.Context, userDataDir string, timeout time.Duration) (string, error) {
	port, err := readDevToolsPort(ctx, userDataDir, timeout)
	if err != nil {
		return "", err
	}

	wsURL, err := debuggerURL(ctx, port)
	if err != nil {
		return "", err
	}

	if err := probeBrowser(ctx, wsURL); err != nil {
		return "", err
	}
	return wsURL, nil
}

// readDevToolsPort polls {userDataDir}/DevToolsActivePort until the browser
// has written it. The first line holds the debugging port; with
// --remote-debugging-port=0 the browser picks a free one.
func readDevToolsPort(ctx context.Context, userDataDir string, timeout time.Duration) (int, error) {
	path := filepath.Join(userDataDir, "DevToolsActivePort")
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
			port, convErr := strconv.Atoi(strings.TrimSpace(first))
			if convErr == nil && port > 0 {
				return port, nil
			}
			err = fmt.Errorf("unparseable %s: %q", path, first)
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("devtools port not published after %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// debuggerURL resolves the browser-level websocket endpoint.
func debuggerURL(ctx context.Context, port int) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := devToolsHTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("querying %s: status %d", url, resp.StatusCode)
	}

	var v devToolsVersion
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decoding %s: %w", url, err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%s returned no webSocketDebuggerUrl", url)
	}
	return v.WebSocketDebuggerURL, nil
}

// probeBrowser opens a tab over the debugger endpoint and navigates it to
// about:blank, proving the browser is actually driveable.
func probeBrowser(ctx context.Context, wsURL string) error {
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, wsURL, chromedp.NoModifyURL)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	probeCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()

	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		return fmt.Errorf("probe navigation: %w", err)
	}
	return nil
}
