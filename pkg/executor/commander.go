package executor

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Commander abstracts subprocess execution for testability. Run starts the
// command in dir, feeds stdin when non-empty, and waits for exit.
type Commander interface {
	Run(ctx context.Context, dir string, env []string, stdin, name string, args ...string) (stdout, stderr string, err error)
}

// ExecCommander implements Commander using os/exec. Cancellation sends
// SIGTERM first and escalates to SIGKILL after a grace period, so a CLI gets
// a chance to flush its session state.
type ExecCommander struct{}

// killGracePeriod is how long a cancelled subprocess has between SIGTERM and
// SIGKILL.
const killGracePeriod = 5 * time.Second

// Run executes the command and returns captured stdout and stderr.
func (c *ExecCommander) Run(ctx context.Context, dir string, env []string, stdin, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	err := cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
