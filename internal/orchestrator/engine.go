package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/pkg/models"
)

var errStreamEnded = errors.New("agent event stream ended")

func (m *Manager) maxIterations(cfg models.LoopConfig) int {
	if cfg.MaxIterations > 0 {
		return cfg.MaxIterations
	}
	return m.opts.Defaults.MaxIterations
}

// prepare makes sure the loop has a worktree and a live agent session.
// Callers hold h.mu.
func (m *Manager) prepare(ctx context.Context, h *loopHandle) error {
	if err := m.ensureWorkspace(ctx, h); err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	if err := m.ensureSession(ctx, h); err != nil {
		return fmt.Errorf("prepare session: %w", err)
	}
	return nil
}

func (m *Manager) ensureWorkspace(ctx context.Context, h *loopHandle) error {
	if h.loop.State.Git != nil {
		return nil
	}
	cfg := h.loop.Config
	ws, err := m.opts.Workspaces.CreateWorkspace(ctx, cfg.Directory, cfg.BaseBranch, cfg.ID, cfg.Name)
	if err != nil {
		return err
	}
	h.loop.State.Git = &models.GitState{
		OriginalBranch: ws.Branch,
		WorkingBranch:  ws.Branch,
		WorktreePath:   ws.Path,
	}
	if err := m.save(ctx, h); err != nil {
		return err
	}
	h.log.Info().Str("branch", ws.Branch).Str("worktree", ws.Path).Msg("workspace created")

	if cfg.ClearScaffold {
		if err := m.opts.Workspaces.ClearScaffold(ws.Path); err != nil {
			return err
		}
		if _, err := m.opts.Workspaces.CommitAll(ctx, cfg.Directory, ws.Path, "loopd: clear scaffold"); err != nil {
			return err
		}
	}
	return nil
}

// ensureSession connects the loop's backend and subscribes to its session,
// reusing the session when the backend still knows it. Callers hold h.mu.
func (m *Manager) ensureSession(ctx context.Context, h *loopHandle) error {
	if h.agent != nil && h.events != nil && !h.events.Ended() {
		return nil
	}
	m.releaseAgent(h)

	git := h.loop.State.Git
	if git == nil {
		return errors.New("workspace not prepared")
	}
	cfg := h.loop.Config
	agent, err := m.opts.Backends.New(cfg.Backend)
	if err != nil {
		return err
	}
	cc := m.opts.Connect[cfg.Backend]
	cc.Directory = git.WorktreePath
	if err := agent.Connect(ctx, cc); err != nil {
		return err
	}

	var sessionID string
	if ref := h.loop.State.Session; ref != nil && ref.Backend == cfg.Backend {
		if s, err := agent.GetSession(ctx, ref.ID); err == nil && s != nil {
			sessionID = s.ID
		}
	}
	if sessionID == "" {
		s, err := agent.CreateSession(ctx, backend.SessionOptions{
			Title:     cfg.Name,
			Directory: git.WorktreePath,
			Model:     cfg.Model,
		})
		if err != nil {
			_ = agent.Disconnect()
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = s.ID
	}

	subCtx, subCancel := context.WithCancel(m.baseCtx)
	events, err := agent.SubscribeToEvents(subCtx, sessionID)
	if err != nil {
		subCancel()
		_ = agent.Disconnect()
		return fmt.Errorf("subscribe: %w", err)
	}
	h.agent, h.events, h.subCancel = agent, events, subCancel
	h.loop.State.Session = &models.SessionRef{ID: sessionID, Backend: cfg.Backend}
	h.log.Debug().Str("session_id", sessionID).Str("backend", cfg.Backend).Msg("agent session ready")
	return m.save(ctx, h)
}

// releaseAgent ends the subscription and disconnects. Callers hold h.mu.
func (m *Manager) releaseAgent(h *loopHandle) {
	if h.subCancel != nil {
		h.subCancel()
	}
	if h.agent != nil {
		if err := h.agent.Disconnect(); err != nil {
			h.log.Warn().Err(err).Msg("failed to disconnect agent")
		}
	}
	h.agent, h.events, h.subCancel = nil, nil, nil
}

// send hands a prompt to the agent without waiting for the reply. Callers
// hold h.mu.
func (m *Manager) send(ctx context.Context, h *loopHandle, text string) error {
	if h.agent == nil || h.loop.State.Session == nil {
		return backend.ErrNotConnected
	}
	err := h.agent.SendPromptAsync(ctx, h.loop.State.Session.ID, backend.Prompt{
		Text:  text,
		Model: h.loop.Config.Model,
	})
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// beginIteration advances the iteration counter and persists the running
// status. Callers hold h.mu.
func (m *Manager) beginIteration(ctx context.Context, h *loopHandle) error {
	h.loop.State.CurrentIteration++
	h.loop.State.Status = models.LoopStatusRunning
	return m.save(ctx, h)
}

// turn sends prompt (unless already sent) and waits for the agent's reply.
// h.mu is held on entry and exit but released while waiting.
func (m *Manager) turn(ctx context.Context, h *loopHandle, spanName, prompt string, sent bool) (string, error) {
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("loop.id", h.loop.Config.ID),
		attribute.Int("loop.iteration", h.loop.State.CurrentIteration),
	))
	defer span.End()

	out, err := m.exchange(ctx, h, prompt, sent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (m *Manager) exchange(ctx context.Context, h *loopHandle, prompt string, sent bool) (string, error) {
	if !sent {
		if err := m.ensureSession(ctx, h); err != nil {
			return "", err
		}
		if err := m.send(ctx, h, prompt); err != nil {
			return "", err
		}
	}
	agent, events := h.agent, h.events
	if events == nil {
		return "", backend.ErrNotConnected
	}

	h.mu.Unlock()
	out, err := m.awaitTurn(ctx, h, agent, events)
	h.mu.Lock()

	if err != nil && ctx.Err() == nil && (errors.Is(err, errStreamEnded) || errors.Is(err, context.DeadlineExceeded)) {
		// the session is in an unknown state; reconnect on the next turn
		if h.events == events {
			m.releaseAgent(h)
		}
	}
	return out, err
}

// awaitTurn consumes the event stream until the turn completes, answering
// permission requests and questions on the way.
func (m *Manager) awaitTurn(ctx context.Context, h *loopHandle, agent backend.Backend, events *eventstream.Stream[backend.AgentEvent]) (string, error) {
	if m.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.TurnTimeout)
		defer cancel()
	}
	log := h.log

	var agentErr string
	for {
		ev, ok, err := events.Next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errStreamEnded
		}

		switch ev.Type {
		case backend.EventMessageComplete:
			return ev.Content, nil
		case backend.EventPermissionAsked:
			err := agent.ReplyToPermission(ctx, ev.RequestID, m.opts.PermissionDecision)
			if err != nil && !backend.IsUnknownRequest(err) {
				log.Warn().Err(err).Str("permission", ev.Permission).Msg("failed to answer permission")
			}
		case backend.EventQuestionAsked:
			if err := agent.ReplyToQuestion(ctx, ev.RequestID, firstOptions(ev.Questions)); err != nil && !backend.IsUnknownRequest(err) {
				log.Warn().Err(err).Msg("failed to answer question")
			}
		case backend.EventTodoUpdated:
			h.mu.Lock()
			h.loop.State.Todos = ev.Todos
			h.publish()
			h.mu.Unlock()
		case backend.EventToolStart:
			log.Debug().Str("tool", ev.ToolName).Msg("tool started")
		case backend.EventError:
			agentErr = ev.Message
			log.Warn().Str("error", ev.Message).Msg("agent error")
		case backend.EventSessionStatus:
			if ev.Status == backend.SessionIdle && agentErr != "" {
				return "", fmt.Errorf("agent error: %s", agentErr)
			}
		}
	}
}

// firstOptions answers every question with its first option.
func firstOptions(questions []backend.Question) [][]string {
	answers := make([][]string, len(questions))
	for i, q := range questions {
		answers[i] = []string{}
		if len(q.Options) > 0 {
			answers[i] = []string{q.Options[0].Label}
		}
	}
	return answers
}

// finish moves the loop into a terminal status. Callers hold h.mu.
func (m *Manager) finish(ctx context.Context, h *loopHandle, status models.LoopStatus, cause error) {
	now := m.opts.Now().UTC()
	h.loop.State.Status = status
	if cause != nil {
		h.loop.State.Error = &models.LoopError{
			Message:   cause.Error(),
			Iteration: h.loop.State.CurrentIteration,
			Timestamp: now,
		}
		h.iterLog().Error().Err(cause).Str("status", status.String()).Msg("loop ended")
	} else {
		h.loop.State.Error = nil
		h.iterLog().Info().Str("status", status.String()).Msg("loop ended")
	}
	if status == models.LoopStatusCompleted {
		h.loop.State.CompletedAt = &now
	}
	m.releaseAgent(h)
	if err := m.save(ctx, h); err != nil {
		// readers still see the terminal status; Recover stops the stale row
		h.publish()
	}
}

// runExecution iterates until the completion marker, the iteration budget,
// too many consecutive errors or cancellation. When sent is true the first
// iteration was already started by the caller.
func (m *Manager) runExecution(ctx context.Context, h *loopHandle, r *run, prompt string, sent bool) {
	defer m.endRun(h, r)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !sent {
		if err := m.prepare(ctx, h); err != nil {
			if ctx.Err() == nil {
				m.finish(ctx, h, models.LoopStatusFailed, err)
			}
			return
		}
	}

	budget := m.maxIterations(h.loop.Config)
	first := h.loop.State.CurrentIteration
	if sent {
		first--
	}
	failures := 0

	for {
		if !sent {
			if h.loop.State.CurrentIteration-first >= budget {
				m.finish(ctx, h, models.LoopStatusMaxIterations, &IterationLimitExceeded{MaxIterations: budget})
				return
			}
			if err := m.beginIteration(ctx, h); err != nil {
				m.finish(ctx, h, models.LoopStatusFailed, err)
				return
			}
		}
		iteration := h.loop.State.CurrentIteration
		started := m.opts.Now().UTC()

		out, err := m.turn(ctx, h, "loop.iteration", prompt, sent)
		sent = false
		if ctx.Err() != nil {
			return
		}

		msg := fmt.Sprintf("loopd: iteration %d", iteration)
		if _, cerr := m.opts.Workspaces.CommitAll(ctx, h.loop.Config.Directory, h.loop.State.Git.WorktreePath, msg); cerr != nil {
			m.finish(ctx, h, models.LoopStatusFailed, cerr)
			return
		}

		summary := models.IterationSummary{
			Iteration:   iteration,
			StartedAt:   started,
			CompletedAt: m.opts.Now().UTC(),
		}
		prompt = continuationPrompt(iteration + 1)

		if err != nil {
			failures++
			summary.Outcome = models.OutcomeError
			summary.Summary = err.Error()
			h.loop.State.RecordIteration(summary)
			h.iterLog().Warn().Err(err).Int("consecutive", failures).Msg("iteration failed")
			if failures > m.opts.MaxConsecutiveErrors {
				m.finish(ctx, h, models.LoopStatusFailed, fmt.Errorf("%d consecutive iteration errors: %w", failures, err))
				return
			}
			if err := m.save(ctx, h); err != nil {
				m.finish(ctx, h, models.LoopStatusFailed, err)
				return
			}
			continue
		}
		failures = 0
		summary.Summary = iterationSummary(out)

		if HasCompletionMarker(out) {
			summary.Outcome = models.OutcomeComplete
			h.loop.State.RecordIteration(summary)
			m.finish(ctx, h, models.LoopStatusCompleted, nil)
			return
		}
		summary.Outcome = models.OutcomeContinue
		h.loop.State.RecordIteration(summary)
		h.iterLog().Info().Str("summary", summary.Summary).Msg("iteration finished")
		if err := m.save(ctx, h); err != nil {
			m.finish(ctx, h, models.LoopStatusFailed, err)
			return
		}
	}
}

// runPlan runs one planning turn and records the plan. The session stays
// connected for feedback and acceptance.
func (m *Manager) runPlan(ctx context.Context, h *loopHandle, r *run, prompt string, sent bool) {
	defer m.endRun(h, r)
	h.mu.Lock()
	defer h.mu.Unlock()
	defer func() { h.planTurn = false }()

	if !sent {
		if err := m.prepare(ctx, h); err != nil {
			if ctx.Err() == nil {
				m.finish(ctx, h, models.LoopStatusFailed, err)
			}
			return
		}
	}

	out, err := m.turn(ctx, h, "loop.plan", prompt, sent)
	if ctx.Err() != nil {
		return
	}
	pm := h.loop.State.PlanMode
	if err != nil {
		h.loop.State.Error = &models.LoopError{Message: err.Error(), Timestamp: m.opts.Now().UTC()}
		h.log.Warn().Err(err).Msg("plan turn failed")
		if serr := m.save(ctx, h); serr != nil {
			m.finish(ctx, h, models.LoopStatusFailed, serr)
		}
		return
	}
	h.loop.State.Error = nil
	pm.PlanContent = stripMarkers(out)
	pm.IsPlanReady = HasPlanReadyMarker(out)
	if err := m.save(ctx, h); err != nil {
		m.finish(ctx, h, models.LoopStatusFailed, err)
		return
	}
	h.log.Info().Bool("ready", pm.IsPlanReady).Int("feedback_rounds", pm.FeedbackRounds).Msg("plan drafted")
}
