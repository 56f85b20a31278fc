package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/loopd/internal/version"
	"github.com/ShayCichocki/loopd/pkg/models"
)

// Source is the server as seen by the watcher. *api.Client implements it.
type Source interface {
	ListLoops(ctx context.Context) ([]*models.Loop, error)
	StopLoop(ctx context.Context, id string) error
}

// LoopsMsg carries a fresh poll result.
type LoopsMsg struct {
	Loops []*models.Loop
	Err   error
}

// StopResultMsg reports the outcome of a stop request.
type StopResultMsg struct {
	ID  string
	Err error
}

type tickMsg time.Time

const requestTimeout = 5 * time.Second

// WatchApp is the bubbletea model for `loopd watch`.
type WatchApp struct {
	src      Source
	interval time.Duration

	header  *Header
	filter  *FilterField
	spinner spinner.Model

	loops    []*models.Loop
	selected string
	err      error
	notice   string

	width    int
	height   int
	quitting bool

	// Styles
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	selectedStyle lipgloss.Style
	dimStyle      lipgloss.Style
	errorStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	panelStyle    lipgloss.Style
}

// NewWatchApp creates a watcher polling src every interval.
func NewWatchApp(src Source, addr string, interval time.Duration) *WatchApp {
	if interval <= 0 {
		interval = time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))

	return &WatchApp{
		src:      src,
		interval: interval,
		header:   NewHeader(addr, version.Get()),
		filter:   NewFilterField(),
		spinner:  sp,
		width:    80,

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		selectedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("237")).
			Bold(true),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		panelStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1),
	}
}

// RunWatch runs the watcher until the user quits or ctx is cancelled.
func RunWatch(ctx context.Context, src Source, addr string, interval time.Duration) error {
	p := tea.NewProgram(NewWatchApp(src, addr, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *WatchApp) poll() tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		loops, err := src.ListLoops(ctx)
		return LoopsMsg{Loops: loops, Err: err}
	}
}

func (a *WatchApp) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *WatchApp) stop(id string) tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return StopResultMsg{ID: id, Err: src.StopLoop(ctx, id)}
	}
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.poll(), a.spinner.Tick)
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.header.SetWidth(msg.Width)
		return a, nil

	case tea.KeyMsg:
		if a.filter.Active() {
			var cmd tea.Cmd
			a.filter, cmd = a.filter.Update(msg)
			a.clampSelection()
			return a, cmd
		}
		return a.handleKey(msg)

	case LoopsMsg:
		a.err = msg.Err
		if msg.Err == nil {
			a.loops = msg.Loops
			a.clampSelection()
		}
		return a, a.tick()

	case tickMsg:
		return a, a.poll()

	case StopResultMsg:
		if msg.Err != nil {
			a.notice = fmt.Sprintf("stop %s: %v", shortID(msg.ID), msg.Err)
		} else {
			a.notice = fmt.Sprintf("stopped %s", shortID(msg.ID))
		}
		return a, a.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *WatchApp) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		a.quitting = true
		return a, tea.Quit
	case "up", "k":
		a.move(-1)
	case "down", "j":
		a.move(1)
	case "/":
		return a, a.filter.Focus()
	case "s":
		if l := a.current(); l != nil && l.State.Status.IsActive() {
			a.notice = "stopping " + shortID(l.Config.ID) + "..."
			return a, a.stop(l.Config.ID)
		}
	}
	return a, nil
}

// visible returns the loops passing the filter, in server order.
func (a *WatchApp) visible() []*models.Loop {
	out := make([]*models.Loop, 0, len(a.loops))
	for _, l := range a.loops {
		if a.filter.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

func (a *WatchApp) indexOf(loops []*models.Loop, id string) int {
	for i, l := range loops {
		if l.Config.ID == id {
			return i
		}
	}
	return -1
}

// clampSelection keeps the selection on a visible loop, following the
// loop by id across polls.
func (a *WatchApp) clampSelection() {
	vis := a.visible()
	if len(vis) == 0 {
		a.selected = ""
		return
	}
	if a.indexOf(vis, a.selected) < 0 {
		a.selected = vis[0].Config.ID
	}
}

func (a *WatchApp) move(delta int) {
	vis := a.visible()
	if len(vis) == 0 {
		return
	}
	i := a.indexOf(vis, a.selected) + delta
	i = max(0, min(i, len(vis)-1))
	a.selected = vis[i].Config.ID
}

func (a *WatchApp) current() *models.Loop {
	vis := a.visible()
	if i := a.indexOf(vis, a.selected); i >= 0 {
		return vis[i]
	}
	return nil
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.header.View())
	b.WriteString("\n")

	if a.err != nil {
		b.WriteString(a.errorStyle.Render("server unreachable: " + a.err.Error()))
		b.WriteString("\n")
	}

	vis := a.visible()
	if len(vis) == 0 {
		b.WriteString(a.dimStyle.Render("no loops"))
		b.WriteString("\n")
	}
	for _, l := range vis {
		b.WriteString(a.renderRow(l))
		b.WriteString("\n")
	}

	if l := a.current(); l != nil {
		b.WriteString("\n")
		b.WriteString(a.panelStyle.Width(max(a.width-4, 20)).Render(a.renderDetail(l)))
		b.WriteString("\n")
	}

	if v := a.filter.View(); v != "" {
		b.WriteString(v)
		b.WriteString("\n")
	}
	if a.notice != "" {
		b.WriteString(a.dimStyle.Render(a.notice))
		b.WriteString("\n")
	}
	b.WriteString(a.dimStyle.Render("↑/↓ select  / filter  s stop  q quit"))
	return b.String()
}

func (a *WatchApp) renderRow(l *models.Loop) string {
	marker := "  "
	if l.State.Status.IsActive() {
		marker = a.spinner.View() + " "
	}
	name := l.Config.Name
	if len(name) > 32 {
		name = name[:29] + "..."
	}
	row := fmt.Sprintf("%s%-8s %-32s %s %s",
		marker,
		shortID(l.Config.ID),
		name,
		statusStyle(l.State.Status).Width(15).Render(string(l.State.Status)),
		iterationText(l),
	)
	if l.Config.ID == a.selected {
		return a.selectedStyle.Render(row)
	}
	return row
}

func (a *WatchApp) renderDetail(l *models.Loop) string {
	var b strings.Builder
	field := func(label, value string) {
		b.WriteString(a.labelStyle.Render(label))
		b.WriteString(a.valueStyle.Render(value))
		b.WriteString("\n")
	}

	field("Loop:", l.Config.ID)
	field("Directory:", l.Config.Directory)
	if g := l.State.Git; g != nil {
		field("Branch:", g.WorkingBranch)
		if g.MergeCommit != "" {
			field("Merge commit:", g.MergeCommit)
		}
	}
	field("Iteration:", iterationText(l))

	if pm := l.State.PlanMode; pm != nil && pm.Active {
		ready := "drafting"
		if pm.IsPlanReady {
			ready = "ready for review"
		}
		field("Plan:", fmt.Sprintf("%s (%d feedback rounds)", ready, pm.FeedbackRounds))
	}
	if rm := l.State.ReviewMode; rm != nil {
		field("Review:", fmt.Sprintf("%s, %d cycles, addressable=%t", rm.CompletionAction, rm.ReviewCycles, rm.Addressable))
	}

	if len(l.State.Todos) > 0 {
		done := 0
		for _, t := range l.State.Todos {
			if t.Status == models.TodoCompleted {
				done++
			}
		}
		pct := float64(done) / float64(len(l.State.Todos)) * 100
		b.WriteString(a.labelStyle.Render("Todos:"))
		b.WriteString(a.renderProgressBar(pct, 24))
		b.WriteString("\n")
		for _, t := range l.State.Todos {
			b.WriteString("  ")
			b.WriteString(todoGlyph(t.Status))
			b.WriteString(" ")
			b.WriteString(t.Content)
			b.WriteString("\n")
		}
	}

	if e := l.State.Error; e != nil {
		b.WriteString(a.errorStyle.Render("Error: " + e.Message))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderProgressBar renders a progress bar.
func (a *WatchApp) renderProgressBar(pct float64, width int) string {
	pct = max(0, min(pct, 100))
	filled := int(pct / 100 * float64(width))
	bar := a.progressFull.Render(strings.Repeat("█", filled)) +
		a.progressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %.0f%%", bar, pct)
}

func iterationText(l *models.Loop) string {
	if l.Config.MaxIterations > 0 {
		return fmt.Sprintf("%d/%d", l.State.CurrentIteration, l.Config.MaxIterations)
	}
	return fmt.Sprintf("%d", l.State.CurrentIteration)
}

func statusStyle(s models.LoopStatus) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch {
	case s.IsActive():
		return style.Foreground(lipgloss.Color("34"))
	case s.IsErrored():
		return style.Foreground(lipgloss.Color("196"))
	case s == models.LoopStatusCompleted || s == models.LoopStatusMerged || s == models.LoopStatusPushed:
		return style.Foreground(lipgloss.Color("45"))
	case s == models.LoopStatusStopped:
		return style.Foreground(lipgloss.Color("214"))
	default:
		return style.Foreground(lipgloss.Color("245"))
	}
}

func todoGlyph(s models.TodoStatus) string {
	switch s {
	case models.TodoCompleted:
		return "✓"
	case models.TodoInProgress:
		return "▸"
	case models.TodoCancelled:
		return "✗"
	default:
		return "·"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
