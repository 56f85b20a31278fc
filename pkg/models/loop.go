package models

import "time"

// LoopStatus represents the lifecycle state of a loop.
type LoopStatus string

const (
	// LoopStatusIdle indicates the loop was created but not started.
	LoopStatusIdle LoopStatus = "idle"
	// LoopStatusPlanning indicates the agent is drafting or revising a plan.
	LoopStatusPlanning LoopStatus = "planning"
	// LoopStatusStarting indicates a workspace and session are being prepared.
	LoopStatusStarting LoopStatus = "starting"
	// LoopStatusRunning indicates iterations are in progress.
	LoopStatusRunning LoopStatus = "running"
	// LoopStatusCompleted indicates the agent printed the completion marker.
	LoopStatusCompleted LoopStatus = "completed"
	// LoopStatusMerged indicates the working branch was merged into base.
	LoopStatusMerged LoopStatus = "merged"
	// LoopStatusPushed indicates the working branch was pushed to the remote.
	LoopStatusPushed LoopStatus = "pushed"
	// LoopStatusDeleted indicates the loop was discarded.
	LoopStatusDeleted LoopStatus = "deleted"
	// LoopStatusStopped indicates the loop was interrupted (stop request or restart).
	LoopStatusStopped LoopStatus = "stopped"
	// LoopStatusFailed indicates an unrecoverable error.
	LoopStatusFailed LoopStatus = "failed"
	// LoopStatusMaxIterations indicates the iteration cap was hit without completion.
	LoopStatusMaxIterations LoopStatus = "max_iterations"
)

// Valid returns true if the status is a known value.
func (s LoopStatus) Valid() bool {
	switch s {
	case LoopStatusIdle, LoopStatusPlanning, LoopStatusStarting, LoopStatusRunning,
		LoopStatusCompleted, LoopStatusMerged, LoopStatusPushed, LoopStatusDeleted,
		LoopStatusStopped, LoopStatusFailed, LoopStatusMaxIterations:
		return true
	default:
		return false
	}
}

func (s LoopStatus) String() string { return string(s) }

// IsActive returns true while an agent may be working on the loop.
func (s LoopStatus) IsActive() bool {
	return s == LoopStatusStarting || s == LoopStatusRunning || s == LoopStatusPlanning
}

// IsErrored returns true for the error-bearing terminal states.
func (s LoopStatus) IsErrored() bool {
	return s == LoopStatusFailed || s == LoopStatusMaxIterations
}

// IterationOutcome is the result of a single iteration.
type IterationOutcome string

const (
	// OutcomeContinue means no completion marker was seen.
	OutcomeContinue IterationOutcome = "continue"
	// OutcomeComplete means the completion marker was seen.
	OutcomeComplete IterationOutcome = "complete"
	// OutcomeError means the iteration ended without a usable response.
	OutcomeError IterationOutcome = "error"
)

// CompletionAction is how a completed loop left its working branch.
type CompletionAction string

const (
	CompletionMerge CompletionAction = "merge"
	CompletionPush  CompletionAction = "push"
)

// MaxRecentIterations bounds LoopState.RecentIterations.
const MaxRecentIterations = 10

// ModelSelection identifies the model the agent should use.
type ModelSelection struct {
	ProviderID string `json:"provider_id,omitempty"`
	ModelID    string `json:"model_id"`
}

// LoopConfig is the immutable part of a loop, fixed at creation time.
type LoopConfig struct {
	// ID is the unique identifier for the loop.
	ID string `json:"id"`
	// Name is a short human-readable title.
	Name string `json:"name"`
	// Prompt is the task given to the agent.
	Prompt string `json:"prompt"`
	// Directory is the path to the git repository the loop works against.
	Directory string `json:"directory"`
	// PlanMode starts the loop with a planning phase.
	PlanMode bool `json:"plan_mode"`
	// Model selects the agent model; nil uses the backend default.
	Model *ModelSelection `json:"model,omitempty"`
	// MaxIterations caps the number of execution iterations.
	MaxIterations int `json:"max_iterations"`
	// ClearScaffold empties the scaffold directory before the first iteration.
	ClearScaffold bool `json:"clear_scaffold"`
	// BaseBranch is the branch the working branch forks from and merges into.
	BaseBranch string `json:"base_branch"`
	// Backend is the registry name of the agent backend.
	Backend string `json:"backend"`
	// Remote is the git remote used by push.
	Remote string `json:"remote"`
	// CreatedAt is when the loop was created.
	CreatedAt time.Time `json:"created_at"`
}

// IterationSummary records the outcome of one iteration.
type IterationSummary struct {
	Iteration   int              `json:"iteration"`
	Outcome     IterationOutcome `json:"outcome"`
	Summary     string           `json:"summary,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// LoopError records why a loop stopped.
type LoopError struct {
	Message   string    `json:"message"`
	Iteration int       `json:"iteration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GitState tracks the workspace of a loop.
type GitState struct {
	// OriginalBranch is the branch created for the loop.
	OriginalBranch string `json:"original_branch"`
	// WorkingBranch is the branch the next iteration runs against.
	WorkingBranch string `json:"working_branch"`
	// WorktreePath is the isolated working directory.
	WorktreePath string `json:"worktree_path"`
	// MergeCommit is the commit created by the most recent accept.
	MergeCommit string `json:"merge_commit,omitempty"`
}

// PlanModeState tracks the planning phase.
type PlanModeState struct {
	Active         bool   `json:"active"`
	FeedbackRounds int    `json:"feedback_rounds"`
	IsPlanReady    bool   `json:"is_plan_ready"`
	PlanContent    string `json:"plan_content,omitempty"`
}

// ReviewModeState tracks post-completion review cycles.
type ReviewModeState struct {
	Addressable      bool             `json:"addressable"`
	CompletionAction CompletionAction `json:"completion_action"`
	ReviewCycles     int              `json:"review_cycles"`
	// ReviewBranches holds the original branch followed by one entry per cycle.
	ReviewBranches []string `json:"review_branches"`
}

// SessionRef identifies the backend session serving the loop.
type SessionRef struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

// LoopState is the mutable part of a loop.
type LoopState struct {
	Status           LoopStatus         `json:"status"`
	CurrentIteration int                `json:"current_iteration"`
	RecentIterations []IterationSummary `json:"recent_iterations,omitempty"`
	Error            *LoopError         `json:"error,omitempty"`
	Git              *GitState          `json:"git,omitempty"`
	PlanMode         *PlanModeState     `json:"plan_mode,omitempty"`
	ReviewMode       *ReviewModeState   `json:"review_mode,omitempty"`
	Session          *SessionRef        `json:"session,omitempty"`
	Todos            []TodoItem         `json:"todos,omitempty"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Loop is one managed run of an agent against a git branch.
type Loop struct {
	Config LoopConfig `json:"config"`
	State  LoopState  `json:"state"`
}

// RecordIteration appends a summary, keeping at most MaxRecentIterations entries.
func (s *LoopState) RecordIteration(summary IterationSummary) {
	s.RecentIterations = append(s.RecentIterations, summary)
	if n := len(s.RecentIterations); n > MaxRecentIterations {
		s.RecentIterations = append([]IterationSummary(nil), s.RecentIterations[n-MaxRecentIterations:]...)
	}
}

// Clone returns a deep copy of the loop so callers can read it without locks.
func (l *Loop) Clone() *Loop {
	if l == nil {
		return nil
	}
	c := *l
	if l.Config.Model != nil {
		m := *l.Config.Model
		c.Config.Model = &m
	}
	c.State.RecentIterations = append([]IterationSummary(nil), l.State.RecentIterations...)
	c.State.Todos = append([]TodoItem(nil), l.State.Todos...)
	if l.State.Error != nil {
		e := *l.State.Error
		c.State.Error = &e
	}
	if l.State.Git != nil {
		g := *l.State.Git
		c.State.Git = &g
	}
	if l.State.PlanMode != nil {
		p := *l.State.PlanMode
		c.State.PlanMode = &p
	}
	if l.State.ReviewMode != nil {
		r := *l.State.ReviewMode
		r.ReviewBranches = append([]string(nil), l.State.ReviewMode.ReviewBranches...)
		c.State.ReviewMode = &r
	}
	if l.State.Session != nil {
		s := *l.State.Session
		c.State.Session = &s
	}
	if l.State.StartedAt != nil {
		t := *l.State.StartedAt
		c.State.StartedAt = &t
	}
	if l.State.CompletedAt != nil {
		t := *l.State.CompletedAt
		c.State.CompletedAt = &t
	}
	return &c
}

// ReviewComment is one address-comments submission.
type ReviewComment struct {
	ID          string    `json:"id"`
	LoopID      string    `json:"loop_id"`
	CommentText string    `json:"comment_text"`
	ReviewCycle int       `json:"review_cycle"`
	CreatedAt   time.Time `json:"created_at"`
}
