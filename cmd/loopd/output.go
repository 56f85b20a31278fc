package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/loopd/pkg/models"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v in the selected output format. table renders the human
// form and may be nil when v has none.
func render(w io.Writer, v any, table func(w io.Writer)) error {
	switch flagOutput {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputTable:
		if table != nil {
			table(w)
			return nil
		}
	}
	out, err := toYAML(v)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func printResult(v any, table func(w io.Writer)) error {
	return render(os.Stdout, v, table)
}

// toYAML renders v as block YAML keyed by its JSON field names.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	blockStyle(&node)
	return yaml.Marshal(&node)
}

// blockStyle clears the flow and quoting styles JSON input leaves behind.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func statusColor(s models.LoopStatus) *color.Color {
	switch {
	case s.IsActive():
		return color.New(color.FgGreen)
	case s.IsErrored():
		return color.New(color.FgRed)
	case s == models.LoopStatusCompleted || s == models.LoopStatusMerged || s == models.LoopStatusPushed:
		return color.New(color.FgCyan)
	case s == models.LoopStatusStopped:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Faint)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func iterations(l *models.Loop) string {
	if l.Config.MaxIterations > 0 {
		return fmt.Sprintf("%d/%d", l.State.CurrentIteration, l.Config.MaxIterations)
	}
	return fmt.Sprintf("%d", l.State.CurrentIteration)
}

func printLoopTable(w io.Writer, loops []*models.Loop) {
	if len(loops) == 0 {
		fmt.Fprintln(w, "No loops. Create one with 'loopd loop create \"your task\"'.")
		return
	}
	fmt.Fprintf(w, "%-8s  %-28s  %-14s  %-7s  %s\n", "ID", "NAME", "STATUS", "ITER", "UPDATED")
	for _, l := range loops {
		status := fmt.Sprintf("%-14s", l.State.Status)
		fmt.Fprintf(w, "%-8s  %-28s  %s  %-7s  %s\n",
			shortID(l.Config.ID),
			truncate(l.Config.Name, 28),
			statusColor(l.State.Status).Sprint(status),
			iterations(l),
			ago(l.State.UpdatedAt),
		)
	}
}

func printLoopDetail(w io.Writer, l *models.Loop) {
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-16s %s\n", label+":", value)
		}
	}
	line("ID", l.Config.ID)
	line("Name", l.Config.Name)
	line("Status", statusColor(l.State.Status).Sprint(l.State.Status))
	line("Directory", l.Config.Directory)
	line("Backend", l.Config.Backend)
	line("Base branch", l.Config.BaseBranch)
	line("Iteration", iterations(l))
	if m := l.Config.Model; m != nil {
		line("Model", strings.TrimPrefix(m.ProviderID+"/"+m.ModelID, "/"))
	}
	if g := l.State.Git; g != nil {
		line("Branch", g.WorkingBranch)
		line("Worktree", g.WorktreePath)
		line("Merge commit", g.MergeCommit)
	}
	if pm := l.State.PlanMode; pm != nil && pm.Active {
		line("Plan ready", fmt.Sprintf("%t (%d feedback rounds)", pm.IsPlanReady, pm.FeedbackRounds))
	}
	if rm := l.State.ReviewMode; rm != nil {
		line("Review", fmt.Sprintf("%s, %d cycles, addressable=%t", rm.CompletionAction, rm.ReviewCycles, rm.Addressable))
	}
	if e := l.State.Error; e != nil {
		line("Error", color.RedString(e.Message))
	}
	line("Prompt", truncate(l.Config.Prompt, 200))

	if len(l.State.Todos) > 0 {
		fmt.Fprintln(w, "\nTodos:")
		for _, t := range l.State.Todos {
			fmt.Fprintf(w, "  [%s] %s\n", todoMark(t.Status), t.Content)
		}
	}
	if len(l.State.RecentIterations) > 0 {
		fmt.Fprintln(w, "\nRecent iterations:")
		for _, it := range l.State.RecentIterations {
			fmt.Fprintf(w, "  #%-3d %-8s %s\n", it.Iteration, it.Outcome, truncate(it.Summary, 80))
		}
	}
	if pm := l.State.PlanMode; pm != nil && pm.Active && pm.PlanContent != "" {
		fmt.Fprintf(w, "\nPlan:\n%s\n", pm.PlanContent)
	}
}

func todoMark(s models.TodoStatus) string {
	switch s {
	case models.TodoCompleted:
		return "x"
	case models.TodoInProgress:
		return ">"
	case models.TodoCancelled:
		return "-"
	default:
		return " "
	}
}
