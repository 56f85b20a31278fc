package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// SendPlanFeedback asks the agent to revise its plan. It returns once the
// feedback has been delivered; the revision arrives in the background.
func (m *Manager) SendPlanFeedback(ctx context.Context, id, feedback string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if st := h.loop.State.Status; st != models.LoopStatusPlanning {
		return stateError(ErrNotPlanning, st)
	}
	if strings.TrimSpace(feedback) == "" {
		return validationError("feedback", "must not be empty")
	}
	if h.planTurn {
		return fmt.Errorf("%w: the agent is still drafting the plan", ErrInvalidState)
	}

	pm := h.loop.State.PlanMode
	if pm == nil {
		return stateError(ErrNotPlanning, h.loop.State.Status)
	}
	pm.FeedbackRounds++
	pm.IsPlanReady = false
	if err := m.save(ctx, h); err != nil {
		return err
	}

	if err := m.ensureSession(ctx, h); err != nil {
		return m.recordPlanError(ctx, h, err)
	}
	if err := m.send(ctx, h, feedbackPrompt(feedback)); err != nil {
		return m.recordPlanError(ctx, h, err)
	}
	h.planTurn = true
	runCtx, r := m.beginRun(h)
	go m.runPlan(runCtx, h, r, "", true)
	h.log.Info().Int("feedback_rounds", pm.FeedbackRounds).Msg("plan feedback sent")
	return nil
}

func (m *Manager) recordPlanError(ctx context.Context, h *loopHandle, err error) error {
	h.loop.State.Error = &models.LoopError{Message: err.Error(), Timestamp: m.opts.Now().UTC()}
	if serr := m.save(ctx, h); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// AcceptPlan ends planning and starts executing the accepted plan in the
// same session.
func (m *Manager) AcceptPlan(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if st := h.loop.State.Status; st != models.LoopStatusPlanning {
		return stateError(ErrNotPlanning, st)
	}
	pm := h.loop.State.PlanMode
	if pm == nil || !pm.IsPlanReady || h.planTurn {
		return ErrPlanNotReady
	}

	pm.Active = false
	h.loop.State.Status = models.LoopStatusStarting
	h.loop.State.Error = nil
	if err := m.save(ctx, h); err != nil {
		return err
	}
	if err := m.ensureSession(ctx, h); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return err
	}
	if err := m.beginIteration(ctx, h); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return err
	}
	if err := m.send(ctx, h, planAcceptedPrompt(h.loop.Config.Prompt, pm.PlanContent)); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return err
	}
	runCtx, r := m.beginRun(h)
	go m.runExecution(runCtx, h, r, "", true)
	h.log.Info().Int("feedback_rounds", pm.FeedbackRounds).Msg("plan accepted")
	return nil
}

// DiscardPlan abandons a loop during planning and removes its workspace.
func (m *Manager) DiscardPlan(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	if st := h.snapshot().State.Status; st != models.LoopStatusPlanning {
		return stateError(ErrNotPlanning, st)
	}
	h.cancelRun()

	h.mu.Lock()
	defer h.mu.Unlock()
	if st := h.loop.State.Status; st != models.LoopStatusPlanning {
		return stateError(ErrNotPlanning, st)
	}
	m.releaseAgent(h)
	if err := m.destroyWorkspace(ctx, h); err != nil {
		return err
	}
	h.loop.State.Status = models.LoopStatusDeleted
	h.log.Info().Msg("plan discarded")
	return m.save(ctx, h)
}
