package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/loopd/internal/backend"
	"github.com/ShayCichocki/loopd/internal/eventstream"
	"github.com/ShayCichocki/loopd/internal/state"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// script drives every fakeAgent created from one registry.
type script struct {
	mu       sync.Mutex
	replies  []string
	fallback string
	sendErr  error
	// hang swallows prompts without replying.
	hang bool
	// touch writes a file into the worktree on every turn.
	touch          bool
	askPermission  bool
	askQuestion    bool
	prompts        []string
	permissions    []backend.PermissionDecision
	answers        [][][]string
	connects       int
	disconnects    int
	sessionsOpened int
}

func (s *script) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hang {
		return "", false
	}
	if len(s.replies) == 0 {
		return s.fallback, true
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, true
}

func (s *script) promptsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *script) setHang(v bool) {
	s.mu.Lock()
	s.hang = v
	s.mu.Unlock()
}

type fakeAgent struct {
	script *script

	mu       sync.Mutex
	dir      string
	sessions map[string]bool
	streams  []*eventstream.Stream[backend.AgentEvent]
	turns    int
}

func newRegistry(t *testing.T, s *script) *backend.Registry {
	t.Helper()
	reg := backend.NewRegistry()
	if err := reg.Register("fake", func() backend.Backend {
		return &fakeAgent{script: s, sessions: make(map[string]bool)}
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func (a *fakeAgent) Connect(_ context.Context, cfg backend.ConnectConfig) error {
	a.script.mu.Lock()
	a.script.connects++
	a.script.mu.Unlock()
	a.mu.Lock()
	a.dir = cfg.Directory
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Disconnect() error {
	a.script.mu.Lock()
	a.script.disconnects++
	a.script.mu.Unlock()
	a.AbortAllSubscriptions()
	return nil
}

func (a *fakeAgent) CreateSession(_ context.Context, opts backend.SessionOptions) (*backend.AgentSession, error) {
	a.script.mu.Lock()
	a.script.sessionsOpened++
	id := fmt.Sprintf("session-%d", a.script.sessionsOpened)
	a.script.mu.Unlock()
	a.mu.Lock()
	a.sessions[id] = true
	a.mu.Unlock()
	return &backend.AgentSession{ID: id, Title: opts.Title, CreatedAt: time.Now()}, nil
}

func (a *fakeAgent) GetSession(_ context.Context, id string) (*backend.AgentSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sessions[id] {
		return nil, nil
	}
	return &backend.AgentSession{ID: id}, nil
}

func (a *fakeAgent) DeleteSession(_ context.Context, id string) error {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) SendPrompt(context.Context, string, backend.Prompt) (*backend.AgentResponse, error) {
	return nil, errors.New("not used")
}

func (a *fakeAgent) SendPromptAsync(_ context.Context, sessionID string, p backend.Prompt) error {
	a.script.mu.Lock()
	a.script.prompts = append(a.script.prompts, p.Text)
	err := a.script.sendErr
	touch, askPerm, askQuestion := a.script.touch, a.script.askPermission, a.script.askQuestion
	a.script.mu.Unlock()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.turns++
	turn, dir := a.turns, a.dir
	streams := append([]*eventstream.Stream[backend.AgentEvent](nil), a.streams...)
	a.mu.Unlock()

	reply, ok := a.script.next()
	if !ok {
		return nil
	}
	if touch {
		name := filepath.Join(dir, fmt.Sprintf("turn-%d-%d.txt", time.Now().UnixNano(), turn))
		if err := os.WriteFile(name, []byte(reply), 0644); err != nil {
			return err
		}
	}

	go func() {
		for _, s := range streams {
			if askPerm {
				s.Push(backend.AgentEvent{Type: backend.EventPermissionAsked, SessionID: sessionID, RequestID: fmt.Sprintf("perm-%d", turn), Permission: "edit"})
			}
			if askQuestion {
				s.Push(backend.AgentEvent{Type: backend.EventQuestionAsked, SessionID: sessionID, RequestID: fmt.Sprintf("q-%d", turn), Questions: []backend.Question{
					{Question: "Which?", Options: []backend.QuestionOption{{Label: "first"}, {Label: "second"}}},
					{Question: "Empty?"},
				}})
			}
			s.Push(backend.AgentEvent{Type: backend.EventTodoUpdated, SessionID: sessionID, Todos: []models.TodoItem{{ID: "1", Content: "work", Status: models.TodoInProgress}}})
			s.Push(backend.AgentEvent{Type: backend.EventMessageStart, SessionID: sessionID, MessageID: "m"})
			s.Push(backend.AgentEvent{Type: backend.EventMessageComplete, SessionID: sessionID, MessageID: "m", Content: reply})
			s.Push(backend.AgentEvent{Type: backend.EventSessionStatus, SessionID: sessionID, Status: backend.SessionIdle})
		}
	}()
	return nil
}

func (a *fakeAgent) SubscribeToEvents(ctx context.Context, _ string) (*eventstream.Stream[backend.AgentEvent], error) {
	s := eventstream.New[backend.AgentEvent]()
	a.mu.Lock()
	a.streams = append(a.streams, s)
	a.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.Done():
		}
		s.End()
	}()
	return s, nil
}

func (a *fakeAgent) ReplyToPermission(_ context.Context, _ string, d backend.PermissionDecision) error {
	a.script.mu.Lock()
	a.script.permissions = append(a.script.permissions, d)
	a.script.mu.Unlock()
	return nil
}

func (a *fakeAgent) ReplyToQuestion(_ context.Context, _ string, answers [][]string) error {
	a.script.mu.Lock()
	a.script.answers = append(a.script.answers, answers)
	a.script.mu.Unlock()
	return nil
}

func (a *fakeAgent) AbortAllSubscriptions() {
	a.mu.Lock()
	streams := a.streams
	a.streams = nil
	a.mu.Unlock()
	for _, s := range streams {
		s.End()
	}
}

// fakeWorkspaces records git operations without touching a repository.
type fakeWorkspaces struct {
	mu        sync.Mutex
	commits   []string
	merges    int
	mergeErr  error
	pushes    int
	destroyed []destroyCall
	dropped   []string
	root      string
}

type destroyCall struct {
	branch       string
	deleteBranch bool
}

func (w *fakeWorkspaces) CreateWorkspace(_ context.Context, _, _, loopID, name string) (*workspace.Workspace, error) {
	return &workspace.Workspace{
		Branch: workspace.BranchName(name, loopID),
		Path:   filepath.Join(w.root, loopID),
	}, nil
}

func (w *fakeWorkspaces) ClearScaffold(string) error { return nil }

func (w *fakeWorkspaces) CommitAll(_ context.Context, _, _, message string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commits = append(w.commits, message)
	return true, nil
}

func (w *fakeWorkspaces) Diff(context.Context, string, string, string) ([]workspace.FileChange, error) {
	return []workspace.FileChange{{Path: "a.go", Status: workspace.ChangeAdded, Additions: 1}}, nil
}

func (w *fakeWorkspaces) Merge(context.Context, string, string, string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mergeErr != nil {
		return "", w.mergeErr
	}
	w.merges++
	return fmt.Sprintf("merge-%d", w.merges), nil
}

func (w *fakeWorkspaces) Push(_ context.Context, _, _, branch, remote string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pushes++
	return remote + "/" + branch, nil
}

func (w *fakeWorkspaces) CreateReviewBranch(_ context.Context, _, _, originalBranch, _ string, cycle int) (string, error) {
	return workspace.ReviewBranchName(originalBranch, cycle), nil
}

func (w *fakeWorkspaces) DropReviewBranch(_ context.Context, _, _, branch, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dropped = append(w.dropped, branch)
	return nil
}

func (w *fakeWorkspaces) DestroyWorkspace(_ context.Context, _, _, branch string, deleteBranch bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, destroyCall{branch, deleteBranch})
	return nil
}

func (w *fakeWorkspaces) commitMessages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commits...)
}

func openStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "loopd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	mgr    *Manager
	store  *state.DB
	script *script
	ws     *fakeWorkspaces
}

func newHarness(t *testing.T, s *script, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:  openStore(t),
		script: s,
		ws:     &fakeWorkspaces{root: t.TempDir()},
	}
	opts := Options{
		Store:      h.store,
		Workspaces: h.ws,
		Backends:   newRegistry(t, s),
		Defaults:   Defaults{Backend: "fake"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.mgr = NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, req CreateLoopRequest) *models.Loop {
	t.Helper()
	if req.Prompt == "" {
		req.Prompt = "Add a health check endpoint"
	}
	if req.Name == "" {
		req.Name = "health check"
	}
	if req.Directory == "" {
		req.Directory = t.TempDir()
	}
	loop, err := h.mgr.CreateLoop(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateLoop() error = %v", err)
	}
	return loop
}

// waitFor polls the loop until cond holds.
func (h *harness) waitFor(t *testing.T, id string, what string, cond func(*models.Loop) bool) *models.Loop {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		loop, err := h.mgr.GetLoop(context.Background(), id)
		if err != nil {
			t.Fatalf("GetLoop() error = %v", err)
		}
		if cond(loop) {
			return loop
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status %s, error %+v", what, loop.State.Status, loop.State.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitStatus(t *testing.T, id string, status models.LoopStatus) *models.Loop {
	t.Helper()
	return h.waitFor(t, id, string(status), func(l *models.Loop) bool { return l.State.Status == status })
}

// flakyStore fails writes on demand.
type flakyStore struct {
	*state.DB

	mu sync.Mutex
	// failSave decides per write whether SaveLoop fails.
	failSave   func(*models.Loop) bool
	commentErr error
}

var errDiskFull = errors.New("disk full")

func withFlakyStore(fs **flakyStore) func(*Options) {
	return func(o *Options) {
		*fs = &flakyStore{DB: o.Store.(*state.DB)}
		o.Store = *fs
	}
}

func (s *flakyStore) SaveLoop(ctx context.Context, loop *models.Loop) error {
	s.mu.Lock()
	fail := s.failSave != nil && s.failSave(loop)
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.DB.SaveLoop(ctx, loop)
}

func (s *flakyStore) AddCommentWithLoop(ctx context.Context, c *models.ReviewComment, loop *models.Loop) error {
	s.mu.Lock()
	err := s.commentErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.DB.AddCommentWithLoop(ctx, c, loop)
}
