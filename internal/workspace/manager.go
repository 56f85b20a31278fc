// Package workspace manages the isolated git worktree each loop runs in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/loopd/internal/git"
	"github.com/ShayCichocki/loopd/internal/logging"
)

// BranchPrefix namespaces every branch loopd creates.
const BranchPrefix = "loopd/"

// DefaultScaffoldDir is the directory ClearScaffold empties.
const DefaultScaffoldDir = ".planning"

// Workspace is the isolated checkout of one loop.
type Workspace struct {
	Repo       string    `json:"repo"`
	Branch     string    `json:"branch"`
	Path       string    `json:"path"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options configures a Manager.
type Options struct {
	// WorktreeDir holds the worktrees. Empty means <repo>/.loopd/worktrees.
	WorktreeDir string
	// ScaffoldDir is relative to the worktree root.
	ScaffoldDir string
	// Locks is shared by every Manager touching the same repositories.
	Locks *LockSet
	// NewRunner opens a git runner for a directory. Defaults to git.NewRunner.
	NewRunner func(dir string) git.Runner
}

// Manager performs the git side of the loop lifecycle.
type Manager struct {
	worktreeDir string
	scaffoldDir string
	locks       *LockSet
	newRunner   func(dir string) git.Runner
	logger      zerolog.Logger
}

// NewManager creates a workspace manager.
func NewManager(opts Options) *Manager {
	if opts.ScaffoldDir == "" {
		opts.ScaffoldDir = DefaultScaffoldDir
	}
	if opts.Locks == nil {
		opts.Locks = NewLockSet()
	}
	if opts.NewRunner == nil {
		opts.NewRunner = func(dir string) git.Runner { return git.NewRunner(dir) }
	}
	return &Manager{
		worktreeDir: opts.WorktreeDir,
		scaffoldDir: opts.ScaffoldDir,
		locks:       opts.Locks,
		newRunner:   opts.NewRunner,
		logger:      logging.Component("workspace"),
	}
}

// BranchName derives the working branch of a loop from its name and id.
func BranchName(name, loopID string) string {
	id := strings.ReplaceAll(loopID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return BranchPrefix + slug(name) + "-" + id
}

// ReviewBranchName is the branch of review cycle n.
func ReviewBranchName(originalBranch string, cycle int) string {
	return fmt.Sprintf("%s-review-%d", originalBranch, cycle)
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "loop"
	}
	return out
}

func (m *Manager) worktreePath(repo, loopID string) string {
	dir := m.worktreeDir
	if dir == "" {
		dir = filepath.Join(repo, ".loopd", "worktrees")
	}
	return filepath.Join(dir, loopID)
}

// CreateWorkspace creates the loop branch off baseBranch and checks it out in a
// dedicated worktree. The main checkout is not touched.
func (m *Manager) CreateWorkspace(ctx context.Context, repo, baseBranch, loopID, name string) (*Workspace, error) {
	repo, err := filepath.Abs(repo)
	if err != nil {
		return nil, opError("create workspace", err)
	}
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(repo)
	if _, err := g.RevParse(ctx, baseBranch); err != nil {
		return nil, opError("create workspace", fmt.Errorf("base branch %q: %w", baseBranch, err))
	}

	branch := BranchName(name, loopID)
	path := m.worktreePath(repo, loopID)
	if _, err := os.Stat(path); err == nil {
		return nil, opError("create workspace", fmt.Errorf("worktree path %s already exists", path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, opError("create workspace", fmt.Errorf("create worktree directory: %w", err))
	}
	if err := g.WorktreeAddNewBranch(ctx, path, branch, baseBranch); err != nil {
		return nil, opError("create workspace", err)
	}

	m.logger.Info().Str("repo", repo).Str("branch", branch).Str("path", path).Msg("workspace created")
	return &Workspace{
		Repo:       repo,
		Branch:     branch,
		Path:       path,
		BaseBranch: baseBranch,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// ClearScaffold empties the scaffold directory of a worktree. A missing
// directory is not an error.
func (m *Manager) ClearScaffold(path string) error {
	dir := filepath.Join(path, m.scaffoldDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scaffold directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear scaffold: %w", err)
		}
	}
	return nil
}

// CommitAll stages and commits every change in the worktree. It reports
// whether a commit was created.
func (m *Manager) CommitAll(ctx context.Context, repo, path, message string) (bool, error) {
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(path)
	changed, err := g.HasChanges(ctx)
	if err != nil {
		return false, opError("commit", err)
	}
	if !changed {
		return false, nil
	}
	if err := g.AddAll(ctx); err != nil {
		return false, opError("commit", err)
	}
	if err := g.Commit(ctx, message); err != nil {
		return false, opError("commit", err)
	}
	return true, nil
}

// Diff lists the files the worktree changed since it forked from base,
// including uncommitted edits to tracked files.
func (m *Manager) Diff(ctx context.Context, repo, path, base string) ([]FileChange, error) {
	unlock := m.locks.RLock(repo)
	defer unlock()

	g := m.newRunner(path)
	forkPoint, err := g.MergeBase(ctx, base, "HEAD")
	if err != nil {
		return nil, opError("diff", err)
	}
	nameStatus, err := g.DiffNameStatus(ctx, forkPoint)
	if err != nil {
		return nil, opError("diff", err)
	}
	changes := parseNameStatus(nameStatus)
	if len(changes) == 0 {
		return []FileChange{}, nil
	}
	numstat, err := g.DiffNumstat(ctx, forkPoint)
	if err != nil {
		return nil, opError("diff", err)
	}
	mergeStats(changes, parseNumstat(numstat))

	for i := range changes {
		if changes[i].Binary {
			continue
		}
		patch, err := g.DiffFile(ctx, forkPoint, changes[i].Path)
		if err != nil {
			return nil, opError("diff", err)
		}
		changes[i].Patch = patch
	}
	return changes, nil
}

// Merge merges branch into base with a merge commit and returns the commit
// id base points at afterwards. Work already contained in base is a no-op
// returning the current head of base. The merge runs in the main checkout when
// it has base checked out, otherwise in a temporary detached worktree. On
// conflict the merge is aborted.
func (m *Manager) Merge(ctx context.Context, repo, branch, base string) (string, error) {
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(repo)
	merged, err := g.IsAncestor(ctx, branch, base)
	if err != nil {
		return "", opError("merge", err)
	}
	if merged {
		head, err := g.RevParse(ctx, base)
		if err != nil {
			return "", opError("merge", err)
		}
		return head, nil
	}

	message := fmt.Sprintf("Merge branch '%s' into %s", branch, base)
	current, err := g.CurrentBranch(ctx)
	if err != nil {
		return "", opError("merge", err)
	}
	if current == base {
		if err := m.mergeIn(ctx, g, branch, message); err != nil {
			return "", err
		}
		return m.head(ctx, g, base)
	}

	oldBase, err := g.RevParse(ctx, base)
	if err != nil {
		return "", opError("merge", err)
	}
	tmp, err := os.MkdirTemp("", "loopd-merge-*")
	if err != nil {
		return "", opError("merge", err)
	}
	// git worktree add wants a path that does not exist yet
	tmpPath := filepath.Join(tmp, "wt")
	defer func() {
		if err := g.WorktreeRemove(context.WithoutCancel(ctx), tmpPath, true); err != nil {
			m.logger.Warn().Err(err).Str("path", tmpPath).Msg("remove merge worktree")
		}
		_ = os.RemoveAll(tmp)
	}()
	if _, err := g.Run(ctx, "worktree", "add", "--detach", tmpPath, oldBase); err != nil {
		return "", opError("merge", err)
	}

	wt := m.newRunner(tmpPath)
	if err := m.mergeIn(ctx, wt, branch, message); err != nil {
		return "", err
	}
	commit, err := wt.RevParse(ctx, "HEAD")
	if err != nil {
		return "", opError("merge", err)
	}
	// compare-and-swap so a concurrent writer outside loopd is not clobbered
	if _, err := g.Run(ctx, "update-ref", "refs/heads/"+base, commit, oldBase); err != nil {
		return "", opError("merge", err)
	}
	return commit, nil
}

func (m *Manager) mergeIn(ctx context.Context, g git.Runner, branch, message string) error {
	if err := g.MergeNoFFMessage(ctx, branch, message); err != nil {
		conflicts, _ := g.ConflictedFiles(ctx)
		if abortErr := g.MergeAbort(context.WithoutCancel(ctx)); abortErr != nil {
			m.logger.Warn().Err(abortErr).Str("dir", g.Dir()).Msg("abort merge")
		}
		return &GitOperationError{Op: "merge", Err: err, Conflicts: conflicts}
	}
	return nil
}

func (m *Manager) head(ctx context.Context, g git.Runner, ref string) (string, error) {
	commit, err := g.RevParse(ctx, ref)
	if err != nil {
		return "", opError("merge", err)
	}
	return commit, nil
}

// Push publishes branch from the worktree to remote and returns the remote
// branch name.
func (m *Manager) Push(ctx context.Context, repo, path, branch, remote string) (string, error) {
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(path)
	ok, err := g.RemoteExists(ctx, remote)
	if err != nil {
		return "", opError("push", err)
	}
	if !ok {
		return "", opError("push", fmt.Errorf("remote %q is not configured", remote))
	}
	if err := g.Push(ctx, remote, branch); err != nil {
		return "", opError("push", err)
	}
	return remote + "/" + branch, nil
}

// CreateReviewBranch creates the branch for review cycle n off the current
// head of base and switches the worktree to it.
func (m *Manager) CreateReviewBranch(ctx context.Context, repo, path, originalBranch, base string, cycle int) (string, error) {
	unlock := m.locks.Lock(repo)
	defer unlock()

	branch := ReviewBranchName(originalBranch, cycle)
	g := m.newRunner(path)
	if err := g.CreateAndCheckoutBranch(ctx, branch, base); err != nil {
		return "", opError("create review branch", err)
	}
	m.logger.Info().Str("branch", branch).Int("cycle", cycle).Msg("review branch created")
	return branch, nil
}

// DropReviewBranch undoes CreateReviewBranch: the worktree goes back to
// previous and branch is deleted.
func (m *Manager) DropReviewBranch(ctx context.Context, repo, path, branch, previous string) error {
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(path)
	if err := g.CheckoutBranch(ctx, previous); err != nil {
		return opError("drop review branch", err)
	}
	if err := g.DeleteBranch(ctx, branch); err != nil {
		return opError("drop review branch", err)
	}
	m.logger.Info().Str("branch", branch).Str("restored", previous).Msg("review branch dropped")
	return nil
}

// DestroyWorkspace removes the worktree and, when deleteBranch is set, its
// branch. Missing pieces are skipped.
func (m *Manager) DestroyWorkspace(ctx context.Context, repo, path, branch string, deleteBranch bool) error {
	unlock := m.locks.Lock(repo)
	defer unlock()

	g := m.newRunner(repo)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := g.WorktreeRemove(ctx, path, true); err != nil {
				return opError("destroy workspace", err)
			}
		}
	}
	if err := g.WorktreePrune(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("prune worktrees")
	}
	if !deleteBranch || branch == "" {
		return nil
	}
	exists, err := g.BranchExists(ctx, branch)
	if err != nil {
		return opError("destroy workspace", err)
	}
	if exists {
		if err := g.DeleteBranch(ctx, branch); err != nil {
			return opError("destroy workspace", err)
		}
	}
	return nil
}

// BranchExists reports whether the repository has the local branch.
func (m *Manager) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	unlock := m.locks.RLock(repo)
	defer unlock()

	return m.newRunner(repo).BranchExists(ctx, branch)
}
