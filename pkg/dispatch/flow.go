package dispatch

import "sync"

// Flow tracks the pool-wide outstanding message and byte budgets. Workers
// check AtCapacity before fetching and account every delivered entry until
// its processing finishes, so a burst of oversized payloads throttles the
// whole pool instead of one worker.
type Flow struct {
	mu          sync.Mutex
	maxMessages int
	maxBytes    int64
	messages    int
	bytes       int64
}

// NewFlow creates a flow budget with the given limits.
func NewFlow(maxMessages int, maxBytes int64) *Flow {
	return &Flow{maxMessages: maxMessages, maxBytes: maxBytes}
}

// AtCapacity reports whether either budget is exhausted. The check is
// best-effort; a concurrent fetch may still overshoot by one entry per
// worker, bounded by the worker count.
func (f *Flow) AtCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages >= f.maxMessages || f.bytes >= f.maxBytes
}

// Add accounts one delivered entry of the given size.
func (f *Flow) Add(size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages++
	f.bytes += size
}

// Done releases the accounting for one entry.
func (f *Flow) Done(size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages--
	f.bytes -= size
}

// Outstanding returns the currently accounted messages and bytes.
func (f *Flow) Outstanding() (int, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, f.bytes
}
