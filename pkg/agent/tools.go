package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/preflight-health/preflight/pkg/notify"
)

// action is one step decision parsed from a model reply.
type action struct {
	Thought string     `json:"thought,omitempty"`
	Action  string     `json:"action"`
	Args    actionArgs `json:"args,omitempty"`
}

type actionArgs struct {
	URL       string `json:"url,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Index     int    `json:"index,omitempty"`
	Path      string `json:"path,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Result    string `json:"result,omitempty"`
	Success   *bool  `json:"success,omitempty"`
}

// parseAction extracts the single JSON action object from a model reply,
// tolerating markdown fences and prose around it.
func parseAction(reply string) (*action, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("reply contains no JSON object")
	}
	var act action
	if err := json.Unmarshal([]byte(reply[start:end+1]), &act); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	if act.Action == "" {
		return nil, fmt.Errorf(`action object is missing the "action" field`)
	}
	return &act, nil
}

// toolSpec is one capability advertised to the model.
type toolSpec struct {
	name        string
	usage       string
	description string
}

var toolCatalog = []toolSpec{
	{"navigate", `{"url": "https://…"}`, "load an absolute http(s) URL in the session browser"},
	{"click", `{"selector": "css"}`, "click the first visible element matching a CSS selector"},
	{"extract_text", `{}`, "read the current page URL, title and visible text"},
	{"upload_file", `{"index": 0, "path": "/abs/path"}`, "set an allowed file on the index-th file input of the page"},
	{"human_in_the_loop", `{}`, "pause the run and page a human; use when credentials, CAPTCHAs or judgment calls block you"},
}

// Tools is the capability set one run exposes to the model. Execute returns
// an observation string; the driver folds errors into observations rather
// than failing the run.
type Tools struct {
	browser    BrowserDriver
	notifier   *notify.Service
	handle     *Handle
	markPaused func(bool)
	log        *slog.Logger
	sessionID  string
	requestID  string
	whitelist  map[string]struct{}
	enabled    map[string]struct{}
}

type toolsDeps struct {
	browser    BrowserDriver
	notifier   *notify.Service
	handle     *Handle
	markPaused func(bool)
	log        *slog.Logger
	sessionID  string
	requestID  string
	whitelist  []string
	allowed    []string
}

func newTools(deps toolsDeps) *Tools {
	if deps.browser == nil {
		panic("newTools: browser must not be nil")
	}
	if deps.handle == nil {
		panic("newTools: handle must not be nil")
	}
	if deps.log == nil {
		deps.log = slog.Default()
	}
	if deps.markPaused == nil {
		deps.markPaused = func(bool) {}
	}

	whitelist := make(map[string]struct{}, len(deps.whitelist))
	for _, p := range deps.whitelist {
		whitelist[filepath.Clean(p)] = struct{}{}
	}

	var enabled map[string]struct{}
	if deps.allowed != nil {
		enabled = make(map[string]struct{}, len(deps.allowed))
		for _, name := range deps.allowed {
			enabled[name] = struct{}{}
		}
	}

	return &Tools{
		browser:    deps.browser,
		notifier:   deps.notifier,
		handle:     deps.handle,
		markPaused: deps.markPaused,
		log:        deps.log,
		sessionID:  deps.sessionID,
		requestID:  deps.requestID,
		whitelist:  whitelist,
		enabled:    enabled,
	}
}

// available reports whether the run exposes the named tool. A nil allowlist
// enables everything; human_in_the_loop additionally needs a notifier.
func (t *Tools) available(name string) bool {
	if name == "human_in_the_loop" && t.notifier == nil {
		return false
	}
	if t.enabled == nil {
		return true
	}
	_, ok := t.enabled[name]
	return ok
}

// describe lists the enabled tools for the system prompt.
func (t *Tools) describe() []string {
	lines := make([]string, 0, len(toolCatalog))
	for _, spec := range toolCatalog {
		if !t.available(spec.name) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s — %s", spec.name, spec.usage, spec.description))
	}
	return lines
}

// allowedFiles returns the upload whitelist in stable order.
func (t *Tools) allowedFiles() []string {
	files := make([]string, 0, len(t.whitelist))
	for p := range t.whitelist {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// Execute runs one parsed action and returns the observation.
func (t *Tools) Execute(ctx context.Context, act *action) (string, error) {
	if !t.available(act.Action) {
		return "", fmt.Errorf("unknown action %q, available: %s",
			act.Action, strings.Join(t.names(), ", "))
	}
	switch act.Action {
	case "navigate":
		return t.navigate(act.Args)
	case "click":
		return t.click(act.Args)
	case "extract_text":
		return t.browser.ExtractText()
	case "upload_file":
		return t.uploadFile(act.Args)
	case "human_in_the_loop":
		return t.humanInTheLoop(ctx, act.Args)
	default:
		return "", fmt.Errorf("unknown action %q, available: %s",
			act.Action, strings.Join(t.names(), ", "))
	}
}

func (t *Tools) names() []string {
	names := make([]string, 0, len(toolCatalog)+1)
	for _, spec := range toolCatalog {
		if t.available(spec.name) {
			names = append(names, spec.name)
		}
	}
	return append(names, "done")
}

func (t *Tools) navigate(args actionArgs) (string, error) {
	u, err := url.Parse(args.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("navigate needs an absolute http(s) url, got %q", args.URL)
	}
	if err := t.browser.Navigate(args.URL); err != nil {
		return "", err
	}
	return fmt.Sprintf("Navigated to %s", args.URL), nil
}

func (t *Tools) click(args actionArgs) (string, error) {
	if args.Selector == "" {
		return "", fmt.Errorf("click needs a css selector")
	}
	if err := t.browser.Click(args.Selector); err != nil {
		return "", err
	}
	return fmt.Sprintf("Clicked %s", args.Selector), nil
}

func (t *Tools) uploadFile(args actionArgs) (string, error) {
	if args.Path == "" {
		return "", fmt.Errorf("upload_file needs a path")
	}
	path := filepath.Clean(args.Path)
	if _, ok := t.whitelist[path]; !ok {
		return "", fmt.Errorf("path %s is not in the allowed file list for this run", path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("path %s is not readable on this host: %w", path, err)
	}
	if err := t.browser.UploadFile(args.Index, path); err != nil {
		return "", err
	}
	return fmt.Sprintf("Uploaded %s into file input %d", path, args.Index), nil
}

// humanInTheLoop pauses the run and fires the HITL webhook. When the webhook
// cannot be delivered nobody would ever resume the run, so the pause is
// rolled back and the failure surfaces as a tool error.
func (t *Tools) humanInTheLoop(ctx context.Context, args actionArgs) (string, error) {
	requestID := args.RequestID
	if requestID == "" {
		requestID = t.requestID
	}

	paused := t.handle.Pause()
	if err := t.notifier.RequestHumanInput(ctx, requestID, t.sessionID); err != nil {
		if paused {
			t.handle.Resume()
		}
		return "", fmt.Errorf("requesting human input: %w", err)
	}
	if paused {
		t.markPaused(true)
	}
	t.log.Info("Waiting for a human to take over", "request_id", requestID, "session_id", t.sessionID)
	return "Run paused for human input. A human has been notified and will resume the run when finished.", nil
}
