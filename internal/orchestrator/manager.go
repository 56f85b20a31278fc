package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/internal/logging"
	"github.com/ShayCichocki/loopd/internal/namer"
	"github.com/ShayCichocki/loopd/pkg/models"
)

const tracerName = "github.com/ShayCichocki/loopd/internal/orchestrator"

// run is one background phase of a loop.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// loopHandle owns the in-memory state of one loop. mu guards loop and the
// agent fields; snap is a lock-free copy for readers.
type loopHandle struct {
	mu   sync.Mutex
	loop *models.Loop
	snap atomic.Pointer[models.Loop]
	log  zerolog.Logger

	agent     backend.Backend
	events    *eventstream.Stream[backend.AgentEvent]
	subCancel context.CancelFunc
	// planTurn is set while the agent is drafting or revising a plan.
	planTurn bool

	runMu sync.Mutex
	run   *run
}

func newHandle(loop *models.Loop) *loopHandle {
	h := &loopHandle{loop: loop, log: logging.WithLoop(loop.Config.ID)}
	h.publish()
	return h
}

func (h *loopHandle) publish() {
	h.snap.Store(h.loop.Clone())
}

func (h *loopHandle) snapshot() *models.Loop {
	return h.snap.Load().Clone()
}

// cancelRun cancels the active background phase and waits for it to return.
// It must not be called with h.mu held.
func (h *loopHandle) cancelRun() {
	h.runMu.Lock()
	r := h.run
	h.runMu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Manager owns every loop and drives their state machines.
type Manager struct {
	opts   Options
	log    zerolog.Logger
	tracer trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc
	runs       sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*loopHandle
	closing bool
}

// NewManager creates a manager. Call Recover before serving requests.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:       opts,
		log:        logging.Component("orchestrator"),
		tracer:     otel.Tracer(tracerName),
		baseCtx:    ctx,
		baseCancel: cancel,
		handles:    make(map[string]*loopHandle),
	}
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// handle returns the live handle of a loop, loading it from the store on
// first use.
func (m *Manager) handle(ctx context.Context, id string) (*loopHandle, error) {
	m.mu.Lock()
	h, ok := m.handles[id]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	loop, err := m.opts.Store.GetLoop(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load loop: %w", err)
	}
	if loop == nil {
		return nil, fmt.Errorf("%w: %s", ErrLoopNotFound, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[id]; ok {
		return h, nil
	}
	h = newHandle(loop)
	m.handles[id] = h
	return h, nil
}

// save persists the loop and refreshes the snapshot. Callers hold h.mu.
// Persistence outlives a cancelled request.
func (m *Manager) save(ctx context.Context, h *loopHandle) error {
	h.loop.State.UpdatedAt = m.opts.Now().UTC()
	if err := m.opts.Store.SaveLoop(context.WithoutCancel(ctx), h.loop); err != nil {
		h.log.Error().Err(err).Str("status", h.loop.State.Status.String()).Msg("failed to persist loop")
		return fmt.Errorf("persist loop: %w", err)
	}
	h.publish()
	return nil
}

func (m *Manager) beginRun(h *loopHandle) (context.Context, *run) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	h.runMu.Lock()
	h.run = r
	h.runMu.Unlock()
	m.runs.Add(1)
	return ctx, r
}

func (m *Manager) endRun(h *loopHandle, r *run) {
	h.runMu.Lock()
	if h.run == r {
		h.run = nil
	}
	h.runMu.Unlock()
	r.cancel()
	close(r.done)
	m.runs.Done()
}

// CreateLoop validates and persists a new idle loop, starting it when
// requested.
func (m *Manager) CreateLoop(ctx context.Context, req CreateLoopRequest) (*models.Loop, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, validationError("prompt", "must not be empty")
	}
	if strings.TrimSpace(req.Directory) == "" {
		return nil, validationError("directory", "is required")
	}
	if req.MaxIterations < 0 {
		return nil, validationError("max_iterations", "must not be negative")
	}
	dir, err := filepath.Abs(req.Directory)
	if err != nil {
		return nil, validationError("directory", err.Error())
	}
	backendName := req.Backend
	if backendName == "" {
		backendName = m.opts.Defaults.Backend
	}
	if !slices.Contains(m.opts.Backends.Names(), backendName) {
		return nil, validationError("backend", fmt.Sprintf("unknown backend %q", backendName))
	}
	if m.isClosing() {
		return nil, ErrShuttingDown
	}

	name := namer.Sanitize(req.Name)
	if name == "" {
		name, err = namer.GenerateLoopName(ctx, m.opts.Summarizer, req.Prompt, m.opts.NameTimeout)
		if err != nil {
			return nil, validationError("prompt", err.Error())
		}
	}

	now := m.opts.Now().UTC()
	loop := &models.Loop{
		Config: models.LoopConfig{
			ID:            uuid.New().String(),
			Name:          name,
			Prompt:        req.Prompt,
			Directory:     dir,
			PlanMode:      req.PlanMode,
			Model:         req.Model,
			MaxIterations: req.MaxIterations,
			ClearScaffold: req.ClearScaffold,
			BaseBranch:    firstNonEmpty(req.BaseBranch, m.opts.Defaults.BaseBranch),
			Backend:       backendName,
			Remote:        firstNonEmpty(req.Remote, m.opts.Defaults.Remote),
			CreatedAt:     now,
		},
		State: models.LoopState{Status: models.LoopStatusIdle},
	}

	h := newHandle(loop)
	h.mu.Lock()
	err = m.save(ctx, h)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.handles[loop.Config.ID] = h
	m.mu.Unlock()
	h.log.Info().Str("name", name).Str("backend", backendName).Bool("plan_mode", req.PlanMode).Msg("loop created")

	if req.Start {
		if err := m.StartLoop(ctx, loop.Config.ID); err != nil {
			return nil, err
		}
	}
	return h.snapshot(), nil
}

// StartLoop launches an idle or stopped loop. Plan-mode loops whose plan
// was not accepted resume planning; everything else resumes iterating.
func (m *Manager) StartLoop(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.loop.State.Status
	if st != models.LoopStatusIdle && st != models.LoopStatusStopped {
		return stateError(ErrInvalidState, st)
	}
	if m.isClosing() {
		return ErrShuttingDown
	}

	now := m.opts.Now().UTC()
	h.loop.State.Error = nil
	if h.loop.State.StartedAt == nil {
		h.loop.State.StartedAt = &now
	}

	pm := h.loop.State.PlanMode
	if h.loop.Config.PlanMode && (pm == nil || pm.Active) {
		if pm == nil {
			pm = &models.PlanModeState{Active: true}
			h.loop.State.PlanMode = pm
		}
		pm.IsPlanReady = false
		h.loop.State.Status = models.LoopStatusPlanning
		if err := m.save(ctx, h); err != nil {
			return err
		}
		h.planTurn = true
		runCtx, r := m.beginRun(h)
		go m.runPlan(runCtx, h, r, planPrompt(h.loop.Config.Prompt), false)
		h.log.Info().Msg("planning started")
		return nil
	}

	h.loop.State.Status = models.LoopStatusStarting
	if err := m.save(ctx, h); err != nil {
		return err
	}
	prompt := executionPrompt(h.loop.Config.Prompt)
	if h.loop.State.CurrentIteration > 0 {
		prompt = continuationPrompt(h.loop.State.CurrentIteration + 1)
	}
	runCtx, r := m.beginRun(h)
	go m.runExecution(runCtx, h, r, prompt, false)
	h.log.Info().Int("iteration", h.loop.State.CurrentIteration).Msg("loop started")
	return nil
}

// GetLoop returns a copy of the loop.
func (m *Manager) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	h, err := m.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.snapshot(), nil
}

// ListLoops returns every persisted loop, newest first, with live state
// for loops held in memory.
func (m *Manager) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	loops, err := m.opts.Store.ListLoops(ctx)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range loops {
		if h, ok := m.handles[l.Config.ID]; ok {
			loops[i] = h.snapshot()
		}
	}
	return loops, nil
}

// StopLoop interrupts an active loop. The loop can be resumed with StartLoop.
func (m *Manager) StopLoop(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	if st := h.snapshot().State.Status; !st.IsActive() {
		return stateError(ErrInvalidState, st)
	}
	h.cancelRun()

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loop.State.Status.IsActive() {
		// finished on its own
		return nil
	}
	return m.markStopped(ctx, h, "stopped by user")
}

// markStopped records an interruption. Callers hold h.mu.
func (m *Manager) markStopped(ctx context.Context, h *loopHandle, reason string) error {
	m.releaseAgent(h)
	h.loop.State.Status = models.LoopStatusStopped
	h.loop.State.Error = &models.LoopError{
		Message:   reason,
		Iteration: h.loop.State.CurrentIteration,
		Timestamp: m.opts.Now().UTC(),
	}
	h.log.Info().Str("reason", reason).Msg("loop stopped")
	return m.save(ctx, h)
}

// DiscardLoop tears down the workspace and marks the loop deleted. Branches
// survive when the loop was merged or pushed.
func (m *Manager) DiscardLoop(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	if st := h.snapshot().State.Status; st == models.LoopStatusDeleted {
		return stateError(ErrInvalidState, st)
	}
	h.cancelRun()

	h.mu.Lock()
	defer h.mu.Unlock()
	if st := h.loop.State.Status; st == models.LoopStatusDeleted {
		return stateError(ErrInvalidState, st)
	}
	m.releaseAgent(h)
	if err := m.destroyWorkspace(ctx, h); err != nil {
		return err
	}
	h.loop.State.Status = models.LoopStatusDeleted
	h.log.Info().Msg("loop discarded")
	return m.save(ctx, h)
}

func (m *Manager) destroyWorkspace(ctx context.Context, h *loopHandle) error {
	git := h.loop.State.Git
	if git == nil {
		return nil
	}
	deleteBranch := h.loop.State.ReviewMode == nil
	return m.opts.Workspaces.DestroyWorkspace(ctx, h.loop.Config.Directory, git.WorktreePath, git.WorkingBranch, deleteBranch)
}

// PurgeLoop removes an inactive loop record. Review comments are kept.
func (m *Manager) PurgeLoop(ctx context.Context, id string) error {
	h, err := m.handle(ctx, id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if st := h.loop.State.Status; st.IsActive() {
		return stateError(ErrInvalidState, st)
	}
	m.releaseAgent(h)
	if h.loop.State.Status != models.LoopStatusDeleted {
		if err := m.destroyWorkspace(ctx, h); err != nil {
			return err
		}
	}
	if err := m.opts.Store.DeleteLoop(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("delete loop: %w", err)
	}
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
	h.log.Info().Msg("loop purged")
	return nil
}

// Recover marks loops that were mid-run when the process died as stopped.
// Plans that were ready stay in planning and can still be accepted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	loops, err := m.opts.Store.ListLoopsByStatus(ctx,
		models.LoopStatusStarting, models.LoopStatusRunning, models.LoopStatusPlanning)
	if err != nil {
		return 0, fmt.Errorf("list interrupted loops: %w", err)
	}
	recovered := 0
	for _, loop := range loops {
		if interruptedPlanReady(loop) {
			continue
		}
		h, err := m.handle(ctx, loop.Config.ID)
		if err != nil {
			return recovered, err
		}
		h.mu.Lock()
		err = m.markStopped(ctx, h, fmt.Sprintf("interrupted by restart while %s", loop.State.Status))
		h.mu.Unlock()
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		m.log.Info().Int("count", recovered).Msg("recovered interrupted loops")
	}
	return recovered, nil
}

func interruptedPlanReady(l *models.Loop) bool {
	return l.State.Status == models.LoopStatusPlanning && l.State.PlanMode != nil && l.State.PlanMode.IsPlanReady
}

// Shutdown cancels every background phase, marks interrupted loops stopped
// and disconnects all agents.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	handles := make([]*loopHandle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	m.baseCancel()
	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for loops: %w", ctx.Err())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.agent != nil {
				h.agent.AbortAllSubscriptions()
			}
			if h.loop.State.Status.IsActive() && !interruptedPlanReady(h.loop) {
				return m.markStopped(gctx, h, "interrupted by shutdown")
			}
			m.releaseAgent(h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.log.Info().Int("loops", len(handles)).Msg("orchestrator stopped")
	return nil
}

// iterLog returns the loop logger with the current iteration attached.
func (h *loopHandle) iterLog() *zerolog.Logger {
	l := h.log.With().Int("iteration", h.loop.State.CurrentIteration).Logger()
	return &l
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsNotFound reports whether err means the loop does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoopNotFound)
}
