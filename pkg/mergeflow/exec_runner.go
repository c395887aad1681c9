package mergeflow

import (
	"context"
	"os/exec"
)

// ExecTestRunner implements TestRunner by invoking sh -c.
type ExecTestRunner struct{}

// RunTests executes the test command with the shell in dir and returns its
// combined output. A nonzero exit comes back as the error.
func (r *ExecTestRunner) RunTests(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	return string(out), err
}
