package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ShayCichocki/loopd/internal/control"
	"github.com/ShayCichocki/loopd/internal/orchestrator"
	"github.com/ShayCichocki/loopd/internal/workspace"
	"github.com/ShayCichocki/loopd/pkg/models"
)

var loopCmd = &cobra.Command{
	Use:     "loop",
	Aliases: []string{"loops"},
	Short:   "Create and drive loops on a running server",
}

var (
	createName          string
	createDir           string
	createPlan          bool
	createModel         string
	createMaxIterations int
	createClearScaffold bool
	createBase          string
	createBackend       string
	createRemote        string
	createNoStart       bool
)

var loopCreateCmd = &cobra.Command{
	Use:   "create <prompt>",
	Short: "Create a loop and start it",
	Long: `Create a loop for the given prompt and start it.

The prompt may also be read from a file with '@path' or from stdin with '-'.

Examples:
  loopd loop create "Add pagination to the users endpoint"
  loopd loop create --plan --dir ../api @task.md
  loopd loop create --model anthropic/claude-sonnet-4-5 --max-iterations 5 "Fix flaky tests"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readText(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		dir, err := filepath.Abs(createDir)
		if err != nil {
			return fmt.Errorf("resolve directory: %w", err)
		}
		model, err := parseModel(createModel)
		if err != nil {
			return err
		}
		req := orchestrator.CreateLoopRequest{
			Prompt:        prompt,
			Name:          createName,
			Directory:     dir,
			PlanMode:      createPlan,
			Model:         model,
			MaxIterations: createMaxIterations,
			ClearScaffold: createClearScaffold,
			BaseBranch:    createBase,
			Backend:       createBackend,
			Remote:        createRemote,
		}
		loop, err := newClient().CreateLoop(cmd.Context(), req, !createNoStart)
		if err != nil {
			return err
		}
		return printResult(loop, func(w io.Writer) {
			fmt.Fprintf(w, "Created loop %s (%s) %s\n",
				color.New(color.Bold).Sprint(loop.Config.Name), shortID(loop.Config.ID),
				statusColor(loop.State.Status).Sprint(loop.State.Status))
		})
	},
}

var loopListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List loops",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loops, err := newClient().ListLoops(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(loops, func(w io.Writer) { printLoopTable(w, loops) })
	},
}

var loopGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loop, err := newClient().GetLoop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(loop, func(w io.Writer) { printLoopDetail(w, loop) })
	},
}

var stopViaSignal bool

var loopStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running loop",
	Long: `Stop a running loop.

With --signal the stop request is dropped into the server's control
directory instead of sent over HTTP, which works even when the HTTP
listener is unreachable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if stopViaSignal {
			if err := control.SendStop(cfg.ControlDir(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Stop signal written for %s\n", args[0])
			return nil
		}
		return simpleAction(cmd.Context(), args[0], "Stopped", newClient().StopLoop)
	},
}

func simpleActionCmd(use, short, done string, fn func(c clientActions) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleAction(cmd.Context(), args[0], done, fn(newClient()))
		},
	}
}

// clientActions is the part of the API client the single-verb commands use.
type clientActions interface {
	StartLoop(ctx context.Context, id string) error
	DiscardLoop(ctx context.Context, id string) error
	PurgeLoop(ctx context.Context, id string) error
	AcceptPlan(ctx context.Context, id string) error
	DiscardPlan(ctx context.Context, id string) error
}

func simpleAction(ctx context.Context, id, done string, fn func(context.Context, string) error) error {
	if err := fn(ctx, id); err != nil {
		return err
	}
	return printResult(map[string]any{"success": true, "id": id}, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n", done, id)
	})
}

var loopAcceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Merge a completed loop into its base branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().AcceptLoop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(res, func(w io.Writer) {
			fmt.Fprintf(w, "Merged %s at %s\n", args[0], shortID(res.MergeCommit))
		})
	},
}

var loopPushCmd = &cobra.Command{
	Use:   "push <id>",
	Short: "Push a completed loop's branch to its remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().PushLoop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(res, func(w io.Writer) {
			if res.SyncStatus == orchestrator.SyncUpToDate {
				fmt.Fprintf(w, "%s is already up to date\n", res.RemoteBranch)
				return
			}
			fmt.Fprintf(w, "Pushed %s\n", res.RemoteBranch)
		})
	},
}

var addressFile string

var loopAddressCmd = &cobra.Command{
	Use:   "address <id> [comment...]",
	Short: "Send review comments back to the agent",
	Long: `Start a review cycle on a merged or pushed loop.

Comments come from the remaining arguments, from --file, or from stdin
when neither is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comments, err := collectComments(args[1:], addressFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		res, err := newClient().AddressComments(cmd.Context(), args[0], comments)
		if err != nil {
			return err
		}
		return printResult(res, func(w io.Writer) {
			fmt.Fprintf(w, "Review cycle %d started for %s", res.ReviewCycle, args[0])
			if res.Branch != "" {
				fmt.Fprintf(w, " on %s", res.Branch)
			}
			fmt.Fprintln(w)
		})
	},
}

var loopHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a loop's review history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().ReviewHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printResult(h, func(w io.Writer) {
			fmt.Fprintf(w, "Addressable:   %t\n", h.Addressable)
			if h.CompletionAction != "" {
				fmt.Fprintf(w, "Completed via: %s\n", h.CompletionAction)
			}
			fmt.Fprintf(w, "Review cycles: %d\n", h.ReviewCycles)
			for _, b := range h.ReviewBranches {
				fmt.Fprintf(w, "  %s\n", b)
			}
		})
	},
}

var loopCommentsCmd = &cobra.Command{
	Use:   "comments <id>",
	Short: "List the review comments recorded for a loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comments, err := newClient().Comments(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if comments == nil {
			comments = []models.ReviewComment{}
		}
		return printResult(comments, func(w io.Writer) { printComments(w, comments) })
	},
}

var diffPatch bool

var loopDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show the files a loop changed against its base branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes, err := newClient().Diff(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if changes == nil {
			changes = []workspace.FileChange{}
		}
		return printResult(changes, func(w io.Writer) { printDiff(w, changes, diffPatch) })
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Review the plan of a loop created with --plan",
}

var planFeedbackFile string

var planFeedbackCmd = &cobra.Command{
	Use:   "feedback <id> [text...]",
	Short: "Ask the agent to revise its plan",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedback, err := collectComments(args[1:], planFeedbackFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return simpleAction(cmd.Context(), args[0], "Feedback sent to", func(ctx context.Context, id string) error {
			return newClient().PlanFeedback(ctx, id, feedback)
		})
	},
}

func init() {
	loopCreateCmd.Flags().StringVar(&createName, "name", "", "Loop name (default: generated from the prompt)")
	loopCreateCmd.Flags().StringVarP(&createDir, "dir", "C", ".", "Repository the loop works on")
	loopCreateCmd.Flags().BoolVar(&createPlan, "plan", false, "Draft a plan for review before building")
	loopCreateCmd.Flags().StringVarP(&createModel, "model", "m", "", "Model as provider/model or model")
	loopCreateCmd.Flags().IntVar(&createMaxIterations, "max-iterations", 0, "Iteration budget (default: defaults.max_iterations)")
	loopCreateCmd.Flags().BoolVar(&createClearScaffold, "clear-scaffold", false, "Empty the scaffold directory in the new worktree")
	loopCreateCmd.Flags().StringVar(&createBase, "base", "", "Base branch (default: defaults.base_branch)")
	loopCreateCmd.Flags().StringVar(&createBackend, "backend", "", "Agent backend (default: defaults.backend)")
	loopCreateCmd.Flags().StringVar(&createRemote, "remote", "", "Push remote (default: defaults.remote)")
	loopCreateCmd.Flags().BoolVar(&createNoStart, "no-start", false, "Create the loop without starting it")

	loopStopCmd.Flags().BoolVar(&stopViaSignal, "signal", false, "Write a stop signal file instead of calling the API")
	loopAddressCmd.Flags().StringVarP(&addressFile, "file", "f", "", "Read comments from a file")
	loopDiffCmd.Flags().BoolVarP(&diffPatch, "patch", "p", false, "Include unified patches")
	planFeedbackCmd.Flags().StringVarP(&planFeedbackFile, "file", "f", "", "Read feedback from a file")

	planCmd.AddCommand(planFeedbackCmd)
	planCmd.AddCommand(simpleActionCmd("accept", "Accept the plan and start building", "Plan accepted for",
		func(c clientActions) func(context.Context, string) error { return c.AcceptPlan }))
	planCmd.AddCommand(simpleActionCmd("discard", "Discard the plan and the loop", "Plan discarded for",
		func(c clientActions) func(context.Context, string) error { return c.DiscardPlan }))

	loopCmd.AddCommand(loopCreateCmd)
	loopCmd.AddCommand(loopListCmd)
	loopCmd.AddCommand(loopGetCmd)
	loopCmd.AddCommand(simpleActionCmd("start", "Start or resume a loop", "Started",
		func(c clientActions) func(context.Context, string) error { return c.StartLoop }))
	loopCmd.AddCommand(loopStopCmd)
	loopCmd.AddCommand(simpleActionCmd("discard", "Discard a loop and remove its worktree", "Discarded",
		func(c clientActions) func(context.Context, string) error { return c.DiscardLoop }))
	loopCmd.AddCommand(simpleActionCmd("purge", "Delete a finished loop's record", "Purged",
		func(c clientActions) func(context.Context, string) error { return c.PurgeLoop }))
	loopCmd.AddCommand(loopAcceptCmd)
	loopCmd.AddCommand(loopPushCmd)
	loopCmd.AddCommand(loopAddressCmd)
	loopCmd.AddCommand(loopHistoryCmd)
	loopCmd.AddCommand(loopCommentsCmd)
	loopCmd.AddCommand(loopDiffCmd)
	loopCmd.AddCommand(planCmd)
}

// parseModel accepts "provider/model" or a bare model id.
func parseModel(s string) (*models.ModelSelection, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	provider, model, found := strings.Cut(s, "/")
	if !found {
		return &models.ModelSelection{ModelID: s}, nil
	}
	if provider == "" || model == "" {
		return nil, fmt.Errorf("invalid model %q: expected provider/model", s)
	}
	return &models.ModelSelection{ProviderID: provider, ModelID: model}, nil
}

// readText resolves "-" to stdin and "@path" to the file's content.
func readText(arg string, stdin io.Reader) (string, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprintln(os.Stderr, "Reading from stdin, finish with Ctrl-D:")
		}
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		return arg, nil
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("input is empty")
	}
	return text, nil
}

// collectComments joins positional comments, or reads them from file or stdin.
func collectComments(args []string, file string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		if file != "" {
			return "", errors.New("pass comments as arguments or --file, not both")
		}
		return strings.Join(args, "\n\n"), nil
	}
	if file != "" {
		return readText("@"+file, stdin)
	}
	return readText("-", stdin)
}

func printComments(w io.Writer, comments []models.ReviewComment) {
	if len(comments) == 0 {
		fmt.Fprintln(w, "No review comments.")
		return
	}
	cycle := -1
	for _, c := range comments {
		if c.ReviewCycle != cycle {
			cycle = c.ReviewCycle
			fmt.Fprintln(w, color.New(color.Bold).Sprintf("Cycle %d", cycle))
		}
		fmt.Fprintf(w, "  %s  %s\n", color.New(color.Faint).Sprint(c.CreatedAt.Format("2006-01-02 15:04")), c.CommentText)
	}
}

func printDiff(w io.Writer, changes []workspace.FileChange, patch bool) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No changes.")
		return
	}
	var adds, dels int
	for _, c := range changes {
		adds += c.Additions
		dels += c.Deletions
		path := c.Path
		if c.OldPath != "" {
			path = c.OldPath + " -> " + c.Path
		}
		stat := fmt.Sprintf("%s %s",
			color.GreenString("+%d", c.Additions), color.RedString("-%d", c.Deletions))
		if c.Binary {
			stat = "binary"
		}
		fmt.Fprintf(w, "%-9s %s  %s\n", c.Status, path, stat)
		if patch && c.Patch != "" {
			fmt.Fprintln(w, c.Patch)
		}
	}
	fmt.Fprintf(w, "%d files changed, %d insertions(+), %d deletions(-)\n", len(changes), adds, dels)
}
