package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/loopd/pkg/models"
)

type fakeSource struct {
	loops   []*models.Loop
	err     error
	stopped []string
}

func (f *fakeSource) ListLoops(context.Context) ([]*models.Loop, error) {
	return f.loops, f.err
}

func (f *fakeSource) StopLoop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func loop(id, name string, status models.LoopStatus) *models.Loop {
	return &models.Loop{
		Config: models.LoopConfig{ID: id, Name: name, MaxIterations: 10},
		State:  models.LoopState{Status: status, CurrentIteration: 2},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newApp(src *fakeSource) *WatchApp {
	app := NewWatchApp(src, "127.0.0.1:7777", time.Second)
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return app
}

func TestWatchApp_PollAndSelect(t *testing.T) {
	src := &fakeSource{loops: []*models.Loop{
		loop("aaaaaaaa-1", "add-tests", models.LoopStatusRunning),
		loop("bbbbbbbb-2", "fix-lint", models.LoopStatusCompleted),
	}}
	app := newApp(src)

	msg := app.poll()()
	if _, cmd := app.Update(msg); cmd == nil {
		t.Error("expected a tick to be scheduled after a poll")
	}
	if app.selected != "aaaaaaaa-1" {
		t.Errorf("selected = %q, want first loop", app.selected)
	}

	app.Update(key("down"))
	if app.selected != "bbbbbbbb-2" {
		t.Errorf("selected = %q after down", app.selected)
	}
	app.Update(key("down"))
	if app.selected != "bbbbbbbb-2" {
		t.Errorf("selection should stop at the last loop, got %q", app.selected)
	}
	app.Update(key("k"))
	if app.selected != "aaaaaaaa-1" {
		t.Errorf("selected = %q after k", app.selected)
	}

	view := app.View()
	for _, want := range []string{"add-tests", "fix-lint", "running", "completed", "2/10"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestWatchApp_SelectionFollowsLoopAcrossPolls(t *testing.T) {
	app := newApp(&fakeSource{})
	app.Update(LoopsMsg{Loops: []*models.Loop{
		loop("a", "one", models.LoopStatusIdle),
		loop("b", "two", models.LoopStatusIdle),
	}})
	app.Update(key("down"))

	// A new loop appears at the top.
	app.Update(LoopsMsg{Loops: []*models.Loop{
		loop("c", "three", models.LoopStatusIdle),
		loop("a", "one", models.LoopStatusIdle),
		loop("b", "two", models.LoopStatusIdle),
	}})
	if app.selected != "b" {
		t.Errorf("selected = %q, want b", app.selected)
	}

	app.Update(LoopsMsg{Loops: []*models.Loop{loop("c", "three", models.LoopStatusIdle)}})
	if app.selected != "c" {
		t.Errorf("selected = %q after b disappeared, want c", app.selected)
	}
}

func TestWatchApp_Filter(t *testing.T) {
	app := newApp(&fakeSource{})
	app.Update(LoopsMsg{Loops: []*models.Loop{
		loop("a1", "add-tests", models.LoopStatusIdle),
		loop("b2", "fix-lint", models.LoopStatusIdle),
	}})

	app.Update(key("/"))
	if !app.filter.Active() {
		t.Fatal("expected filter to be active")
	}
	for _, r := range "lint" {
		app.Update(key(string(r)))
	}
	app.Update(key("enter"))

	vis := app.visible()
	if len(vis) != 1 || vis[0].Config.ID != "b2" {
		t.Fatalf("visible = %v, want only b2", vis)
	}
	if app.selected != "b2" {
		t.Errorf("selected = %q, want b2", app.selected)
	}

	app.Update(key("/"))
	app.Update(key("esc"))
	if len(app.visible()) != 2 {
		t.Error("esc should clear the filter")
	}
}

func TestWatchApp_StopSelected(t *testing.T) {
	src := &fakeSource{}
	app := newApp(src)
	app.Update(LoopsMsg{Loops: []*models.Loop{
		loop("done", "finished", models.LoopStatusCompleted),
		loop("live", "working", models.LoopStatusRunning),
	}})

	if _, cmd := app.Update(key("s")); cmd != nil {
		t.Error("stopping an inactive loop should do nothing")
	}

	app.Update(key("j"))
	_, cmd := app.Update(key("s"))
	if cmd == nil {
		t.Fatal("expected a stop command")
	}
	res, ok := cmd().(StopResultMsg)
	if !ok {
		t.Fatalf("expected StopResultMsg")
	}
	if len(src.stopped) != 1 || src.stopped[0] != "live" {
		t.Errorf("stopped = %v", src.stopped)
	}
	app.Update(res)
	if !strings.Contains(app.View(), "stopped live") {
		t.Error("expected stop notice in view")
	}
}

func TestWatchApp_ServerError(t *testing.T) {
	app := newApp(&fakeSource{})
	app.Update(LoopsMsg{Loops: []*models.Loop{loop("a", "one", models.LoopStatusIdle)}})
	app.Update(LoopsMsg{Err: errors.New("connection refused")})

	view := app.View()
	if !strings.Contains(view, "server unreachable") {
		t.Error("expected error banner")
	}
	if !strings.Contains(view, "one") {
		t.Error("last known loops should remain visible")
	}
}

func TestWatchApp_Detail(t *testing.T) {
	l := loop("a", "one", models.LoopStatusFailed)
	l.State.Todos = []models.TodoItem{
		{ID: "1", Content: "write parser", Status: models.TodoCompleted},
		{ID: "2", Content: "write tests", Status: models.TodoPending},
	}
	l.State.Error = &models.LoopError{Message: "agent error: boom"}
	l.State.PlanMode = &models.PlanModeState{Active: true, IsPlanReady: true, FeedbackRounds: 2}

	app := newApp(&fakeSource{})
	app.Update(LoopsMsg{Loops: []*models.Loop{l}})

	view := app.View()
	for _, want := range []string{"write parser", "50%", "agent error: boom", "ready for review"} {
		if !strings.Contains(view, want) {
			t.Errorf("detail missing %q", want)
		}
	}
}

func TestWatchApp_Quit(t *testing.T) {
	app := newApp(&fakeSource{})
	_, cmd := app.Update(key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if app.View() != "" {
		t.Error("view should be empty after quitting")
	}
}
