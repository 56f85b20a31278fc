package api

import (
	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeValidation     = "validation_error"
	CodeNotAddressable = "not_addressable"
	CodeNotCompleted   = "not_completed"
	CodeNotPlanning    = "not_planning"
	CodePlanNotReady   = "plan_not_ready"
	CodeInvalidState   = "invalid_state"
	CodeNotFound       = "not_found"
	CodeShuttingDown   = "shutting_down"
	CodeGit            = "git_error"
	CodeInternal       = "internal"
)

// CreateLoopBody is the POST /loops request. Start defaults to true.
type CreateLoopBody struct {
	orchestrator.CreateLoopRequest
	Start *bool `json:"start,omitempty"`
}

// AddressCommentsBody is the address-comments request. Comments may also be
// sent as an array of strings.
type AddressCommentsBody struct {
	Comments string `json:"comments"`
}

// PlanFeedbackBody is the plan feedback request.
type PlanFeedbackBody struct {
	Feedback string `json:"feedback"`
}

// SuccessResponse acknowledges an action.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// AcceptResponse is returned by accept.
type AcceptResponse struct {
	Success     bool   `json:"success"`
	MergeCommit string `json:"mergeCommit"`
}

// PushResponse is returned by push.
type PushResponse struct {
	Success      bool   `json:"success"`
	RemoteBranch string `json:"remoteBranch"`
	SyncStatus   string `json:"syncStatus"`
}

// AddressResponse is returned by address-comments.
type AddressResponse struct {
	Success     bool     `json:"success"`
	ReviewCycle int      `json:"reviewCycle"`
	Branch      string   `json:"branch,omitempty"`
	CommentIDs  []string `json:"commentIds"`
}

// ReviewHistory is the history object of ReviewHistoryResponse.
type ReviewHistory struct {
	Addressable      bool                    `json:"addressable"`
	ReviewCycles     int                     `json:"reviewCycles"`
	CompletionAction models.CompletionAction `json:"completionAction,omitempty"`
	ReviewBranches   []string                `json:"reviewBranches"`
}

// ReviewHistoryResponse is returned by review-history.
type ReviewHistoryResponse struct {
	Success bool          `json:"success"`
	History ReviewHistory `json:"history"`
}

// CommentsResponse is returned by comments, newest review cycle first.
type CommentsResponse struct {
	Success  bool                   `json:"success"`
	Comments []models.ReviewComment `json:"comments"`
}

func historyBody(h *orchestrator.ReviewHistory) ReviewHistory {
	branches := h.ReviewBranches
	if branches == nil {
		branches = []string{}
	}
	return ReviewHistory{
		Addressable:      h.Addressable,
		ReviewCycles:     h.ReviewCycles,
		CompletionAction: h.CompletionAction,
		ReviewBranches:   branches,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
