package supervisor

import (
	"context"
	"os"
	"os/exec"
)

// Commander spawns the external processes a session chain is built from.
// The default implementation shells out through os/exec; tests substitute
// fakes so no real processes are involved.
type Commander interface {
	// Start launches a long-lived child. extraEnv entries ("KEY=value") are
	// appended to the inherited environment of the child only; the parent
	// environment is never touched.
	Start(name string, args []string, extraEnv ...string) (Proc, error)

	// Run executes a short-lived command and waits for it to finish.
	Run(ctx context.Context, name string, args []string, extraEnv ...string) error
}

// Proc is a handle on one supervised child process.
type Proc interface {
	Pid() int

	// Signal delivers sig to the process. Fails once the process has exited.
	Signal(sig os.Signal) error

	// Kill force-terminates the process.
	Kill() error

	// Done returns a channel closed once the process has exited and been
	// reaped.
	Done() <-chan struct{}
}

// ExecCommander is the production Commander backed by os/exec.
type ExecCommander struct{}

func (ExecCommander) Start(name string, args []string, extraEnv ...string) (Proc, error) {
	cmd := exec.Command(name, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		// Reap the child so it never lingers as a zombie.
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (ExecCommander) Run(ctx context.Context, name string, args []string, extraEnv ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	return cmd.Run()
}

type execProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProc) Done() <-chan struct{} {
	return p.done
}
