package slurm

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/ailabber/ailabber/pkg/errdefs"
)

// CommandRunner spawns a subprocess and returns its captured output. The
// production implementation shells out; tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs commands with os/exec under the caller's context.
type ExecRunner struct{}

// Run executes name with args, capturing stdout and stderr. A context
// deadline that fires is reported as errdefs.ErrTimeout; both output
// streams are returned even on failure so callers can surface stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), errdefs.Wrap(errdefs.ErrTimeout, "%s timed out", name)
	}
	return stdout.String(), stderr.String(), err
}

// Subprocess deadlines for the Slurm CLI tools.
const (
	SubmitTimeout = 30 * time.Second
	StatusTimeout = 10 * time.Second
	CancelTimeout = 10 * time.Second
)
