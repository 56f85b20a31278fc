// Package git provides an interface for git operations.
package git

import "context"

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the checked out branch.
	CurrentBranch(ctx context.Context) (string, error)
	// CreateBranch creates a branch at start without checking it out.
	CreateBranch(ctx context.Context, name, start string) error
	// CreateAndCheckoutBranch creates a branch at start and switches to it (git checkout -b).
	CreateAndCheckoutBranch(ctx context.Context, name, start string) error
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(ctx context.Context, name string) error
	// BranchExists returns true if the local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// DeleteBranch force deletes the specified branch.
	DeleteBranch(ctx context.Context, name string) error
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status(ctx context.Context) (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges(ctx context.Context) (bool, error)
	// DiffNameStatus returns `git diff --name-status` of the work tree against base.
	DiffNameStatus(ctx context.Context, base string) (string, error)
	// DiffNumstat returns `git diff --numstat` of the work tree against base.
	DiffNumstat(ctx context.Context, base string) (string, error)
	// DiffFile returns the patch of a single path against base.
	DiffFile(ctx context.Context, base, path string) (string, error)
	// ConflictedFiles returns files with unmerged changes.
	ConflictedFiles(ctx context.Context) ([]string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages every change, including untracked files.
	AddAll(ctx context.Context) error
	// Commit creates a commit with the given message.
	Commit(ctx context.Context, message string) error
	// RevParse resolves a ref to a commit id.
	RevParse(ctx context.Context, ref string) (string, error)
}

// MergeOperations defines the interface for git merge operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the branch with --no-ff and a custom message.
	MergeNoFFMessage(ctx context.Context, branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort(ctx context.Context) error
	// MergeBase returns the common ancestor of two refs.
	MergeBase(ctx context.Context, ref1, ref2 string) (string, error)
	// IsAncestor reports whether ancestor is reachable from ref.
	IsAncestor(ctx context.Context, ancestor, ref string) (bool, error)
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a worktree at path for an existing branch.
	WorktreeAdd(ctx context.Context, path, branch string) error
	// WorktreeAddNewBranch creates a worktree at path with a new branch at start.
	WorktreeAddNewBranch(ctx context.Context, path, branch, start string) error
	// WorktreeRemove removes the worktree at path, optionally with force.
	WorktreeRemove(ctx context.Context, path string, force bool) error
	// WorktreeList returns the paths of all worktrees.
	WorktreeList(ctx context.Context) ([]string, error)
	// WorktreePrune removes stale worktree entries.
	WorktreePrune(ctx context.Context) error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// Push pushes branch to remote and sets upstream.
	Push(ctx context.Context, remote, branch string) error
	// RemoteExists returns true if the named remote is configured.
	RemoteExists(ctx context.Context, remote string) (bool, error)
}

// Runner defines the complete interface for git operations against one
// repository or worktree. Consumers should prefer the focused interfaces.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	RemoteOperations
	// Run executes an arbitrary git command and returns its trimmed output.
	Run(ctx context.Context, args ...string) (string, error)
	// Dir returns the directory commands run in.
	Dir() string
}
