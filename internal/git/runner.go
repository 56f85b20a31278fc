package git

import (
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"strings"

	iexec "github.com/ShayCichocki/loopd/internal/exec"
)

// CommandError is a failed git invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExitCode returns the git process exit code, or -1 when it did not run.
func (e *CommandError) ExitCode() int {
	var exitErr *osexec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Fallback identity used when the repository has none configured, so loop
// commits never fail on a fresh machine.
const (
	fallbackName  = "loopd"
	fallbackEmail = "loopd@localhost"
)

// ExecRunner implements Runner by invoking the git binary.
type ExecRunner struct {
	dir string
	cmd iexec.CommandRunner
}

// NewRunner creates a git runner for the repository or worktree at dir.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir, cmd: iexec.NewRunner()}
}

// NewRunnerWith creates a git runner that executes through cmd.
func NewRunnerWith(dir string, cmd iexec.CommandRunner) *ExecRunner {
	return &ExecRunner{dir: dir, cmd: cmd}
}

// In returns a runner for another directory sharing the same command runner.
func (r *ExecRunner) In(dir string) *ExecRunner {
	return &ExecRunner{dir: dir, cmd: r.cmd}
}

// Dir returns the directory commands run in.
func (r *ExecRunner) Dir() string { return r.dir }

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.cmd.Run(ctx, r.dir, "git", args...)
	if err != nil {
		return "", &CommandError{Args: args, Output: string(out), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(ctx context.Context, args ...string) error {
	_, err := r.run(ctx, args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates a branch at start without checking it out.
func (r *ExecRunner) CreateBranch(ctx context.Context, name, start string) error {
	return r.runSilent(ctx, "branch", name, start)
}

// CreateAndCheckoutBranch creates and switches to a new branch.
func (r *ExecRunner) CreateAndCheckoutBranch(ctx context.Context, name, start string) error {
	return r.runSilent(ctx, "checkout", "-b", name, start)
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "checkout", name)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		// exit code 1 means the ref is absent
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch force deletes the specified branch.
func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "branch", "-D", name)
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges(ctx context.Context) (bool, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// DiffNameStatus returns the name-status diff of the work tree against base.
func (r *ExecRunner) DiffNameStatus(ctx context.Context, base string) (string, error) {
	return r.run(ctx, "diff", "--name-status", "-M", base)
}

// DiffNumstat returns the numstat diff of the work tree against base.
func (r *ExecRunner) DiffNumstat(ctx context.Context, base string) (string, error) {
	return r.run(ctx, "diff", "--numstat", "-M", base)
}

// DiffFile returns the patch of a single path against base.
func (r *ExecRunner) DiffFile(ctx context.Context, base, path string) (string, error) {
	return r.run(ctx, "diff", base, "--", path)
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// AddAll stages all changes including untracked files.
func (r *ExecRunner) AddAll(ctx context.Context) error {
	return r.runSilent(ctx, "add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	args := append(r.identityArgs(ctx), "commit", "--no-verify", "-m", message)
	return r.runSilent(ctx, args...)
}

// RevParse resolves a ref to a commit id.
func (r *ExecRunner) RevParse(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
}

// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(ctx context.Context, branch, message string) error {
	args := append(r.identityArgs(ctx), "merge", "--no-ff", "-m", message, branch)
	return r.runSilent(ctx, args...)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	return r.runSilent(ctx, "merge", "--abort")
}

// MergeBase returns the common ancestor of two refs.
func (r *ExecRunner) MergeBase(ctx context.Context, ref1, ref2 string) (string, error) {
	return r.run(ctx, "merge-base", ref1, ref2)
}

// IsAncestor reports whether ancestor is reachable from ref.
func (r *ExecRunner) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	_, err := r.run(ctx, "merge-base", "--is-ancestor", ancestor, ref)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WorktreeAdd creates a new worktree at the given path for the branch.
func (r *ExecRunner) WorktreeAdd(ctx context.Context, path, branch string) error {
	return r.runSilent(ctx, "worktree", "add", path, branch)
}

// WorktreeAddNewBranch creates a new worktree with a new branch at start.
func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, start string) error {
	return r.runSilent(ctx, "worktree", "add", "-b", branch, path, start)
}

// WorktreeRemove removes the worktree, optionally with force.
func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	return r.runSilent(ctx, args...)
}

// WorktreeList returns a list of worktree paths.
func (r *ExecRunner) WorktreeList(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	return r.runSilent(ctx, "worktree", "prune")
}

// Push pushes branch to remote, setting upstream.
func (r *ExecRunner) Push(ctx context.Context, remote, branch string) error {
	return r.runSilent(ctx, "push", "--set-upstream", remote, branch)
}

// RemoteExists returns true if the named remote is configured.
func (r *ExecRunner) RemoteExists(ctx context.Context, remote string) (bool, error) {
	out, err := r.run(ctx, "remote")
	if err != nil {
		return false, err
	}
	for _, name := range splitLines(out) {
		if name == remote {
			return true, nil
		}
	}
	return false, nil
}

// identityArgs supplies a committer identity when none is configured.
func (r *ExecRunner) identityArgs(ctx context.Context) []string {
	var args []string
	if name, _ := r.run(ctx, "config", "user.name"); name == "" {
		args = append(args, "-c", "user.name="+fallbackName)
	}
	if email, _ := r.run(ctx, "config", "user.email"); email == "" {
		args = append(args, "-c", "user.email="+fallbackEmail)
	}
	return args
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
