// Package exec provides an interface for command execution.
package exec

import (
	"context"
)

// CommandRunner runs external commands. Tests substitute a fake to avoid
// spawning real processes.
type CommandRunner interface {
	// Run executes a command and returns its combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// LookPath resolves an executable name against PATH.
	LookPath(name string) (string, error)
}
