package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/preflight-health/preflight/pkg/masking"
)

// Appender is the relay surface the log sink writes to.
type Appender interface {
	Append(ctx context.Context, requestID, msg string) error
}

// sourceKey is the attr naming the logger that produced a record. The sink
// renders it inside brackets instead of as a key=value pair.
const sourceKey = "source"

// prettySources maps logger hierarchy names to the short tags the dashboard
// expects in brackets.
var prettySources = map[string]string{
	"browser_use.agent":           "Agent",
	"browser_use.browser.session": "BrowserSession",
	"browser.session":             "BrowserSession",
	"browser_use.tools":           "tools",
	"browser_use.dom":             "dom",
}

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*[A-Za-z]")

// stripANSI removes terminal color escapes from a captured line.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// RelayHandler is a slog.Handler that formats records as
// "LEVEL    TIMESTAMP [source] message" and appends them to the log relay
// stream of one request. Loggers built on it carry their origin via the
// "source" attr.
type RelayHandler struct {
	appender  Appender
	requestID string
	masker    *masking.Service
	level     slog.Level
	source    string
	attrs     []slog.Attr
}

// NewRelayHandler creates a handler publishing at Info and above. The masker
// may be nil.
func NewRelayHandler(appender Appender, requestID string, masker *masking.Service) *RelayHandler {
	if appender == nil {
		panic("NewRelayHandler: appender must not be nil")
	}
	return &RelayHandler{
		appender:  appender,
		requestID: requestID,
		masker:    masker,
		level:     slog.LevelInfo,
	}
}

// Enabled implements slog.Handler.
func (h *RelayHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle formats and publishes one record. The write survives request
// cancellation so teardown lines are not lost.
func (h *RelayHandler) Handle(ctx context.Context, rec slog.Record) error {
	return h.appender.Append(context.WithoutCancel(ctx), h.requestID, h.format(rec))
}

// WithAttrs implements slog.Handler. A "source" attr replaces the handler's
// source tag; everything else is prepended to record attrs.
func (h *RelayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == sourceKey {
			nh.source = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup implements slog.Handler. Groups are flattened; the relay line
// format has no nesting.
func (h *RelayHandler) WithGroup(string) slog.Handler {
	return h
}

func (h *RelayHandler) format(rec slog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s", levelName(rec.Level))
	b.WriteString(formatLogTime(rec.Time))
	b.WriteString(" [")
	b.WriteString(prettySource(h.source))
	b.WriteString("] ")
	b.WriteString(rec.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key != sourceKey {
			writeAttr(&b, a)
		}
		return true
	})

	line := stripANSI(b.String())
	if h.masker != nil {
		line = h.masker.Mask(line)
	}
	return line
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteString(" ")
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// formatLogTime renders timestamps with comma-separated milliseconds, the
// format History consumers already parse.
func formatLogTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return fmt.Sprintf("%s,%03d", t.Format("2006-01-02 15:04:05"), t.Nanosecond()/int(time.Millisecond))
}

func prettySource(name string) string {
	if pretty, ok := prettySources[name]; ok {
		return pretty
	}
	if name == "" {
		return "Agent"
	}
	return name
}

// agentEventPattern selects the driver output lines worth relaying: step
// markers, actions and results.
var agentEventPattern = regexp.MustCompile(`\[Agent\]|📍\s*Step|🦾\s*\[ACTION|📄\s*Result`)

// LineTee is an io.Writer that buffers driver output into lines and forwards
// those matching the agent event markers. Safe for concurrent writers.
type LineTee struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	forward func(line string)
}

// NewLineTee creates a tee calling forward for every matching line, ANSI
// escapes already stripped.
func NewLineTee(forward func(line string)) *LineTee {
	if forward == nil {
		panic("NewLineTee: forward must not be nil")
	}
	return &LineTee{forward: forward}
}

// Write implements io.Writer. Partial lines stay buffered until the newline
// arrives or Flush is called.
func (t *LineTee) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	for {
		line, err := t.buf.ReadString('\n')
		if err != nil {
			// Partial line: ReadString drained the buffer, put it back.
			t.buf.WriteString(line)
			break
		}
		t.emit(line)
	}
	return len(p), nil
}

// Flush forwards a trailing partial line. The runner calls it on every run
// exit path.
func (t *LineTee) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() == 0 {
		return
	}
	t.emit(t.buf.String())
	t.buf.Reset()
}

func (t *LineTee) emit(raw string) {
	line := stripANSI(strings.TrimRight(raw, "\r\n"))
	if line == "" {
		return
	}
	if agentEventPattern.MatchString(line) {
		t.forward(line)
	}
}
