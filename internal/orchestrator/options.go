package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/namer"
	"github.com/ShayCichocki/loopd/internal/state"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// Defaults applied to loops that leave a setting empty.
const (
	DefaultMaxIterations        = 20
	DefaultBaseBranch           = "main"
	DefaultBackend              = "acp"
	DefaultRemote               = "origin"
	DefaultMaxConsecutiveErrors = 3
)

// Store is the persistence the manager writes every transition to.
type Store interface {
	state.LoopStore
	state.CommentStore
}

// Workspaces is the git side of a loop. *workspace.Manager implements it.
type Workspaces interface {
	CreateWorkspace(ctx context.Context, repo, baseBranch, loopID, name string) (*workspace.Workspace, error)
	ClearScaffold(path string) error
	CommitAll(ctx context.Context, repo, path, message string) (bool, error)
	Diff(ctx context.Context, repo, path, base string) ([]workspace.FileChange, error)
	Merge(ctx context.Context, repo, branch, base string) (string, error)
	Push(ctx context.Context, repo, path, branch, remote string) (string, error)
	CreateReviewBranch(ctx context.Context, repo, path, originalBranch, base string, cycle int) (string, error)
	DropReviewBranch(ctx context.Context, repo, path, branch, previous string) error
	DestroyWorkspace(ctx context.Context, repo, path, branch string, deleteBranch bool) error
}

var _ Workspaces = (*workspace.Manager)(nil)

// Defaults holds the values new loops inherit.
type Defaults struct {
	MaxIterations int
	BaseBranch    string
	Backend       string
	Remote        string
}

// Options configures a Manager.
type Options struct {
	Store      Store
	Workspaces Workspaces
	Backends   *backend.Registry

	// Connect holds the connection settings per backend name. The directory
	// is always replaced by the loop's worktree.
	Connect map[string]backend.ConnectConfig

	// Summarizer names loops created without a name. Nil uses the heuristic.
	Summarizer  namer.Summarizer
	NameTimeout time.Duration

	Defaults Defaults

	// PermissionDecision answers every permission request. Defaults to always.
	PermissionDecision backend.PermissionDecision
	// MaxConsecutiveErrors is how many failed iterations in a row are
	// tolerated before the loop fails.
	MaxConsecutiveErrors int
	// TurnTimeout bounds a single agent turn. Zero means no bound.
	TurnTimeout time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Defaults.MaxIterations <= 0 {
		o.Defaults.MaxIterations = DefaultMaxIterations
	}
	if o.Defaults.BaseBranch == "" {
		o.Defaults.BaseBranch = DefaultBaseBranch
	}
	if o.Defaults.Backend == "" {
		o.Defaults.Backend = DefaultBackend
	}
	if o.Defaults.Remote == "" {
		o.Defaults.Remote = DefaultRemote
	}
	if o.PermissionDecision == "" {
		o.PermissionDecision = backend.DecisionAlways
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.NameTimeout <= 0 {
		o.NameTimeout = namer.DefaultTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// CreateLoopRequest describes a new loop. Zero values fall back to the
// manager defaults.
type CreateLoopRequest struct {
	Prompt        string                 `json:"prompt"`
	Name          string                 `json:"name,omitempty"`
	Directory     string                 `json:"directory"`
	PlanMode      bool                   `json:"plan_mode,omitempty"`
	Model         *models.ModelSelection `json:"model,omitempty"`
	MaxIterations int                    `json:"max_iterations,omitempty"`
	ClearScaffold bool                   `json:"clear_scaffold,omitempty"`
	BaseBranch    string                 `json:"base_branch,omitempty"`
	Backend       string                 `json:"backend,omitempty"`
	Remote        string                 `json:"remote,omitempty"`
	// Start launches the loop right after it is persisted.
	Start bool `json:"start,omitempty"`
}

// AcceptResult is returned by AcceptLoop.
type AcceptResult struct {
	MergeCommit string `json:"merge_commit"`
}

// Push sync states.
const (
	SyncPushed   = "pushed"
	SyncUpToDate = "up_to_date"
)

// PushResult is returned by PushLoop.
type PushResult struct {
	RemoteBranch string `json:"remote_branch"`
	SyncStatus   string `json:"sync_status"`
}

// AddressResult is returned by AddressComments once the agent has been
// instructed.
type AddressResult struct {
	ReviewCycle int      `json:"review_cycle"`
	Branch      string   `json:"branch,omitempty"`
	CommentIDs  []string `json:"comment_ids"`
}

// ReviewHistory summarizes the review cycles of a loop.
type ReviewHistory struct {
	Addressable      bool                    `json:"addressable"`
	CompletionAction models.CompletionAction `json:"completion_action,omitempty"`
	ReviewCycles     int                     `json:"review_cycles"`
	ReviewBranches   []string                `json:"review_branches"`
}
