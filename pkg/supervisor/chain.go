package supervisor

import (
	"context"
	"sync"
)

// Chain is the running process stack behind one session, recorded in spawn
// order so teardown can walk it in reverse.
type Chain struct {
	SessionID   string
	DisplayNum  int
	VNCPort     int
	WebPort     int
	UserDataDir string

	devtoolsURL string

	procs []child

	stopOnce sync.Once
	stopErr  error
	sup      *Supervisor
}

type child struct {
	name string
	proc Proc
}

func (c *Chain) add(name string, p Proc) {
	c.procs = append(c.procs, child{name: name, proc: p})
}

// DevToolsURL returns the websocket debugger endpoint of the attached
// browser. Agents drive the browser through it.
func (c *Chain) DevToolsURL() string {
	return c.devtoolsURL
}

// Stop tears the chain down. Children are terminated in reverse spawn order
// (browser first, display server last) with a grace period before the
// force-kill, slot-scoped orphans are pattern-killed and the X lock file is
// removed. Stop is idempotent; repeat calls return the first result.
func (c *Chain) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.sup.teardown(ctx, c)
	})
	return c.stopErr
}
