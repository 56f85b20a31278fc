package exec

import (
	"context"
	"os"
	"os/exec"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// Env is appended to the inherited environment of every command.
	Env []string
}

// NewRunner creates a new ExecRunner.
func NewRunner(env ...string) *ExecRunner {
	return &ExecRunner{Env: env}
}

// Run executes a command and returns combined stdout/stderr output. The
// process is killed when ctx is cancelled.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	return cmd.CombinedOutput()
}

// LookPath resolves an executable name against PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

var _ CommandRunner = (*ExecRunner)(nil)
