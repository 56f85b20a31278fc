package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// AcceptLoop merges the working branch of a completed loop into its base
// branch. Accepting a merged loop again returns the existing merge commit.
func (m *Manager) AcceptLoop(ctx context.Context, id string) (*AcceptResult, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.loop.State.Status
	git := h.loop.State.Git
	if st == models.LoopStatusMerged && git != nil {
		return &AcceptResult{MergeCommit: git.MergeCommit}, nil
	}
	if st != models.LoopStatusCompleted || git == nil {
		return nil, stateError(ErrNotCompleted, st)
	}

	ctx, span := m.tracer.Start(ctx, "loop.accept", trace.WithAttributes(
		attribute.String("loop.id", id),
		attribute.String("git.branch", git.WorkingBranch),
	))
	defer span.End()

	commit, err := m.opts.Workspaces.Merge(ctx, h.loop.Config.Directory, git.WorkingBranch, h.loop.Config.BaseBranch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, m.recordActionError(ctx, h, err)
	}

	git.MergeCommit = commit
	h.loop.State.Error = nil
	h.loop.State.Status = models.LoopStatusMerged
	m.enterReview(h, models.CompletionMerge)
	if err := m.save(ctx, h); err != nil {
		return nil, err
	}
	h.log.Info().Str("commit", commit).Str("base", h.loop.Config.BaseBranch).Msg("loop merged")
	return &AcceptResult{MergeCommit: commit}, nil
}

// PushLoop publishes the working branch of a completed loop. Pushing an
// already pushed loop pushes again and reports up_to_date.
func (m *Manager) PushLoop(ctx context.Context, id string) (*PushResult, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.loop.State.Status
	git := h.loop.State.Git
	var syncStatus string
	switch {
	case git == nil:
		return nil, stateError(ErrNotCompleted, st)
	case st == models.LoopStatusCompleted:
		syncStatus = SyncPushed
	case st == models.LoopStatusPushed:
		syncStatus = SyncUpToDate
	default:
		return nil, stateError(ErrNotCompleted, st)
	}

	ctx, span := m.tracer.Start(ctx, "loop.push", trace.WithAttributes(
		attribute.String("loop.id", id),
		attribute.String("git.branch", git.WorkingBranch),
		attribute.String("git.remote", h.loop.Config.Remote),
	))
	defer span.End()

	remoteBranch, err := m.opts.Workspaces.Push(ctx, h.loop.Config.Directory, git.WorktreePath, git.WorkingBranch, h.loop.Config.Remote)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, m.recordActionError(ctx, h, err)
	}

	h.loop.State.Error = nil
	h.loop.State.Status = models.LoopStatusPushed
	m.enterReview(h, models.CompletionPush)
	if err := m.save(ctx, h); err != nil {
		return nil, err
	}
	h.log.Info().Str("remote_branch", remoteBranch).Str("sync", syncStatus).Msg("loop pushed")
	return &PushResult{RemoteBranch: remoteBranch, SyncStatus: syncStatus}, nil
}

// recordActionError keeps the status and records a failed completion
// action. Callers hold h.mu.
func (m *Manager) recordActionError(ctx context.Context, h *loopHandle, err error) error {
	h.loop.State.Error = &models.LoopError{
		Message:   err.Error(),
		Iteration: h.loop.State.CurrentIteration,
		Timestamp: m.opts.Now().UTC(),
	}
	if serr := m.save(ctx, h); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

func (m *Manager) enterReview(h *loopHandle, action models.CompletionAction) {
	rm := h.loop.State.ReviewMode
	if rm == nil {
		rm = &models.ReviewModeState{ReviewBranches: []string{h.loop.State.Git.OriginalBranch}}
		h.loop.State.ReviewMode = rm
	}
	rm.Addressable = true
	rm.CompletionAction = action
}

// AddressComments starts a review cycle on a merged or pushed loop. The
// comment is persisted before the agent runs; the call returns once the
// agent has been instructed.
func (m *Manager) AddressComments(ctx context.Context, id, comments string) (*AddressResult, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	if !addressable(h.snapshot()) {
		return nil, stateError(ErrNotAddressable, h.snapshot().State.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !addressable(h.loop) {
		return nil, stateError(ErrNotAddressable, h.loop.State.Status)
	}
	if strings.TrimSpace(comments) == "" {
		return nil, validationError("comments", "must not be empty")
	}
	if m.isClosing() {
		return nil, ErrShuttingDown
	}

	rm := h.loop.State.ReviewMode
	git := h.loop.State.Git
	cycle := rm.ReviewCycles + 1

	ctx, span := m.tracer.Start(ctx, "loop.address_comments", trace.WithAttributes(
		attribute.String("loop.id", id),
		attribute.Int("review.cycle", cycle),
	))
	defer span.End()

	var branch string
	if rm.CompletionAction == models.CompletionMerge {
		branch, err = m.opts.Workspaces.CreateReviewBranch(ctx, h.loop.Config.Directory, git.WorktreePath,
			git.OriginalBranch, h.loop.Config.BaseBranch, cycle)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	// The comment and the new cycle are written together; on failure the
	// in-memory loop is untouched and the review branch is dropped.
	next := h.loop.Clone()
	nrm, ngit := next.State.ReviewMode, next.State.Git
	if branch != "" {
		ngit.WorkingBranch = branch
	}
	nrm.ReviewBranches = append(nrm.ReviewBranches, ngit.WorkingBranch)
	nrm.ReviewCycles = cycle
	next.State.Status = models.LoopStatusStarting
	next.State.CompletedAt = nil
	next.State.Error = nil
	next.State.UpdatedAt = m.opts.Now().UTC()

	comment := &models.ReviewComment{LoopID: id, CommentText: comments, ReviewCycle: cycle}
	if err := m.opts.Store.AddCommentWithLoop(context.WithoutCancel(ctx), comment, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if branch != "" {
			if derr := m.opts.Workspaces.DropReviewBranch(context.WithoutCancel(ctx), h.loop.Config.Directory,
				git.WorktreePath, branch, git.WorkingBranch); derr != nil {
				h.log.Warn().Err(derr).Str("branch", branch).Msg("failed to drop review branch")
			}
		}
		return nil, fmt.Errorf("persist comment: %w", err)
	}
	h.loop = next
	h.publish()
	git = ngit

	if err := m.ensureSession(ctx, h); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return nil, err
	}
	if err := m.beginIteration(ctx, h); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return nil, err
	}
	if err := m.send(ctx, h, reviewPrompt(cycle, comments)); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return nil, err
	}
	runCtx, r := m.beginRun(h)
	go m.runExecution(runCtx, h, r, "", true)

	h.log.Info().Int("review_cycle", cycle).Str("branch", git.WorkingBranch).Msg("addressing review comments")
	return &AddressResult{ReviewCycle: cycle, Branch: branch, CommentIDs: []string{comment.ID}}, nil
}

func addressable(l *models.Loop) bool {
	rm := l.State.ReviewMode
	if rm == nil || !rm.Addressable || l.State.Git == nil {
		return false
	}
	return l.State.Status == models.LoopStatusMerged || l.State.Status == models.LoopStatusPushed
}

// GetReviewHistory reports the review cycles of a loop.
func (m *Manager) GetReviewHistory(ctx context.Context, id string) (*ReviewHistory, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	loop := h.snapshot()
	rm := loop.State.ReviewMode
	if rm == nil {
		return &ReviewHistory{ReviewBranches: []string{}}, nil
	}
	return &ReviewHistory{
		Addressable:      addressable(loop),
		CompletionAction: rm.CompletionAction,
		ReviewCycles:     rm.ReviewCycles,
		ReviewBranches:   append([]string{}, rm.ReviewBranches...),
	}, nil
}

// GetComments returns every review comment of a loop, newest cycle first.
// Comments outlive the loop record.
func (m *Manager) GetComments(ctx context.Context, id string) ([]models.ReviewComment, error) {
	comments, err := m.opts.Store.ListComments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// GetDiff lists the changes of the working branch since it forked from the
// base branch.
func (m *Manager) GetDiff(ctx context.Context, id string) ([]workspace.FileChange, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	loop := h.snapshot()
	git := loop.State.Git
	if git == nil || loop.State.Status == models.LoopStatusDeleted {
		return nil, fmt.Errorf("%w: loop has no workspace", ErrInvalidState)
	}
	return m.opts.Workspaces.Diff(ctx, loop.Config.Directory, git.WorktreePath, loop.Config.BaseBranch)
}
