package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

const (
	navigateTimeout = 45 * time.Second
	actionTimeout   = 15 * time.Second

	// maxObservation bounds page text fed back to the model.
	maxObservation = 4000
)

// BrowserDriver is the browser surface the tool set drives. Implemented by
// *Browser over the DevTools protocol; tests substitute fakes.
type BrowserDriver interface {
	Navigate(url string) error
	ExtractText() (string, error)
	Click(selector string) error
	UploadFile(index int, path string) error
	AllowDownloads(dir string) error
	Close()
}

// Browser drives the session's Chromium through its DevTools websocket. It
// opens one tab on the browser the supervisor spawned and never owns the
// browser process itself.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

var _ BrowserDriver = (*Browser)(nil)

// ConnectBrowser attaches to a DevTools endpoint handed out by the session
// registry. All contexts descend from ctx, so cancelling the run drops the
// connection too.
func ConnectBrowser(ctx context.Context, devtoolsURL string) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, devtoolsURL, chromedp.NoModifyURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force target creation now so a dead endpoint fails here, not mid-run.
	probeCtx, cancel := context.WithTimeout(tabCtx, actionTimeout)
	defer cancel()
	if err := chromedp.Run(probeCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("attaching to browser at %s: %w", devtoolsURL, err)
	}

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// Navigate loads the url and waits for the document body.
func (b *Browser) Navigate(url string) error {
	ctx, cancel := context.WithTimeout(b.tabCtx, navigateTimeout)
	defer cancel()
	err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// ExtractText returns the page location, title and visible body text,
// truncated for prompt use.
func (b *Browser) ExtractText() (string, error) {
	ctx, cancel := context.WithTimeout(b.tabCtx, actionTimeout)
	defer cancel()

	var location, title, text string
	err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("reading page text: %w", err)
	}

	return fmt.Sprintf("URL: %s\nTitle: %s\n\n%s",
		location, title, truncateText(strings.TrimSpace(text), maxObservation)), nil
}

// Click clicks the first visible element matching the CSS selector.
func (b *Browser) Click(selector string) error {
	ctx, cancel := context.WithTimeout(b.tabCtx, actionTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("clicking %q: %w", selector, err)
	}
	return nil
}

// UploadFile sets path on the index-th file input on the page (0-based).
// The query itself guarantees the node is an <input type=file>.
func (b *Browser) UploadFile(index int, path string) error {
	ctx, cancel := context.WithTimeout(b.tabCtx, actionTimeout)
	defer cancel()

	var nodes []*cdp.Node
	err := chromedp.Run(ctx,
		chromedp.Nodes(`input[type="file"]`, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return fmt.Errorf("locating file inputs: %w", err)
	}
	if index < 0 || index >= len(nodes) {
		return fmt.Errorf("no file input at index %d, the page has %d", index, len(nodes))
	}

	err = chromedp.Run(ctx,
		chromedp.SetUploadFiles([]cdp.NodeID{nodes[index].NodeID}, []string{path}, chromedp.ByNodeID))
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

// AllowDownloads routes file downloads into dir.
func (b *Browser) AllowDownloads(dir string) error {
	ctx, cancel := context.WithTimeout(b.tabCtx, actionTimeout)
	defer cancel()
	err := chromedp.Run(ctx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).WithDownloadPath(dir))
	if err != nil {
		return fmt.Errorf("setting download directory: %w", err)
	}
	return nil
}

// Close closes the run's tab and drops the DevTools connection. The browser
// process stays up; the supervisor owns it.
func (b *Browser) Close() {
	_ = chromedp.Cancel(b.tabCtx)
	b.tabCancel()
	b.allocCancel()
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n… [truncated]"
}
