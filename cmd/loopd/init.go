package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loopd/internal/config"
)

var (
	initForce       bool
	initNoGit       bool
	initProjectName string
	initSkipAgent   bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Prepare a repository for loopd",
	Long: `Prepare a directory for use with loopd.

This command sets up everything a loop needs:
  - Verifies prerequisites (git, the agent command)
  - Initializes the git repository and an initial commit if needed
  - Ignores the .loopd/ worktree directory
  - Creates a .loopd.yaml project configuration template

Examples:
  loopd init              # Initialize current directory
  loopd init ./myproject  # Initialize specific directory
  loopd init --no-git     # Skip git initialization`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Rewrite the project config even if it exists")
	initCmd.Flags().BoolVar(&initNoGit, "no-git", false, "Skip git initialization")
	initCmd.Flags().StringVar(&initProjectName, "project-name", "", "Override auto-detected project name")
	initCmd.Flags().BoolVar(&initSkipAgent, "skip-agent-check", false, "Skip the agent command availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing loopd in %s...\n\n", absPath)

	if err := checkGitInstalled(); err != nil {
		printStatus("✗", "Git not found", color.FgRed)
		return err
	}
	printStatus("✓", "Git found", color.FgGreen)

	if !initSkipAgent && cfg.Defaults.Backend == "acp" {
		if _, err := exec.LookPath(cfg.Agent.Command); err != nil {
			printStatus("⚠", fmt.Sprintf("Agent command %q not found in PATH (set agent.command)", cfg.Agent.Command), color.FgYellow)
		} else {
			printStatus("✓", fmt.Sprintf("Agent command %s found", cfg.Agent.Command), color.FgGreen)
		}
	}

	if cfg.Namer.Provider == config.NamerAnthropic {
		switch src := config.GetAPIKeySource(cfg); src {
		case config.KeySourceNone:
			printStatus("⚠", "No Anthropic API key (loop names fall back to the prompt)", color.FgYellow)
		default:
			printStatus("✓", fmt.Sprintf("Anthropic credentials from %s", src), color.FgGreen)
		}
	}

	if !initNoGit {
		if err := initGitRepo(absPath, cfg.Defaults.BaseBranch); err != nil {
			return err
		}
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore with loopd entries", color.FgGreen)
	} else {
		fmt.Println("Skipping git initialization (--no-git flag)")
	}

	created, err := createProjectConfig(absPath, initForce)
	if err != nil {
		return fmt.Errorf("creating project config: %w", err)
	}
	if created {
		printStatus("✓", "Created "+config.ProjectConfigName+" template", color.FgGreen)
	} else {
		printStatus("✓", config.ProjectConfigName+" exists", color.FgGreen)
	}

	projectName := initProjectName
	if projectName == "" {
		projectName = detectProjectName(absPath)
	}

	fmt.Printf("\n%s loopd initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  1. Start the server:")
	fmt.Println("     loopd serve")
	fmt.Println()
	fmt.Println("  2. Create a loop:")
	fmt.Printf("     loopd loop create --dir %s \"your task here\"\n", absPath)
	fmt.Println()
	fmt.Println("  3. Watch it run:")
	fmt.Println("     loopd watch")
	fmt.Println()
	fmt.Println("Project details:")
	fmt.Printf("  Project name: %s\n", projectName)
	fmt.Printf("  Repository: %s\n", absPath)
	if !initNoGit {
		fmt.Printf("  Base branch: %s\n", cfg.Defaults.BaseBranch)
	}
	return nil
}

// checkGitInstalled checks if git is installed
func checkGitInstalled() error {
	if _, err := exec.LookPath("git"); err != nil {
		return errors.New("git not found in PATH\n\n" +
			"loopd runs every loop in a git worktree.\n\n" +
			"Install git with:\n" +
			"  - macOS: brew install git\n" +
			"  - Ubuntu/Debian: sudo apt-get install git\n" +
			"  - Other: https://git-scm.com/downloads")
	}
	return nil
}

// initGitRepo initializes the repository and makes sure the base branch
// exists, since worktrees are branched from it.
func initGitRepo(repoPath, baseBranch string) error {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); os.IsNotExist(err) {
		if out, err := gitCmd(repoPath, "init"); err != nil {
			return fmt.Errorf("git init failed: %s\n%s", err, out)
		}
		printStatus("✓", "Initialized git repository", color.FgGreen)
	} else {
		printStatus("✓", "Git repository exists", color.FgGreen)
	}

	hasCommits, err := hasAnyCommits(repoPath)
	if err != nil {
		return fmt.Errorf("checking for commits: %w", err)
	}
	if !hasCommits {
		if err := ensureInitialCommit(repoPath); err != nil {
			return fmt.Errorf("creating initial commit: %w", err)
		}
		printStatus("✓", "Created initial commit", color.FgGreen)
	} else {
		printStatus("✓", "Git repository has commits", color.FgGreen)
	}

	if err := ensureBaseBranch(repoPath, baseBranch); err != nil {
		return fmt.Errorf("ensuring base branch: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Base branch %s exists", baseBranch), color.FgGreen)
	return nil
}

func gitCmd(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// hasAnyCommits checks if the repository has any commits
func hasAnyCommits(repoPath string) (bool, error) {
	out, err := gitCmd(repoPath, "rev-list", "-n", "1", "--all")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 128 {
			return false, nil
		}
		return false, fmt.Errorf("git rev-list failed: %s", out)
	}
	return strings.TrimSpace(out) != "", nil
}

// ensureInitialCommit creates an initial commit so worktrees have a base.
func ensureInitialCommit(repoPath string) error {
	if out, err := gitCmd(repoPath, "add", "."); err != nil {
		return fmt.Errorf("git add failed: %s\n%s", err, out)
	}
	if out, err := gitCmd(repoPath, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
		return fmt.Errorf("git commit failed: %s\n%s", err, out)
	}
	return nil
}

// ensureBaseBranch makes sure branch exists. A fresh repository whose only
// branch is master (or an unborn default) is renamed to branch.
func ensureBaseBranch(repoPath, branch string) error {
	if _, err := gitCmd(repoPath, "rev-parse", "--verify", branch); err == nil {
		return nil
	}
	out, err := gitCmd(repoPath, "branch", "--list")
	if err != nil {
		return fmt.Errorf("git branch failed: %s", out)
	}
	if strings.Count(strings.TrimSpace(out), "\n") > 0 {
		return fmt.Errorf("branch %s does not exist (set defaults.base_branch or create it)", branch)
	}
	if out, err := gitCmd(repoPath, "branch", "-M", branch); err != nil {
		return fmt.Errorf("renaming branch to %s: %s\n%s", branch, err, out)
	}
	return nil
}

// gitignoreEntries are added to the repository's .gitignore.
var gitignoreEntries = []string{
	".loopd/",
}

// updateGitignore adds loopd entries to .gitignore if not present
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existing string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existing = string(data)
	}

	lines := make(map[string]bool)
	for _, l := range strings.Split(existing, "\n") {
		lines[strings.TrimSpace(l)] = true
	}
	var missing []string
	for _, entry := range gitignoreEntries {
		if !lines[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(existing)
	if existing != "" && !strings.HasSuffix(existing, "\n") {
		b.WriteString("\n")
	}
	if existing != "" {
		b.WriteString("\n")
	}
	b.WriteString("# loopd\n")
	for _, entry := range missing {
		b.WriteString(entry + "\n")
	}
	return os.WriteFile(gitignorePath, []byte(b.String()), 0644)
}

const projectConfigTemplate = `# loopd project configuration
# This file overrides ~/.config/loopd/config.yaml for loops in this repository.

# defaults:
#   max_iterations: 20
#   base_branch: main
#   backend: acp
#   remote: origin
#   scaffold_dir: .planning

# agent:
#   command: claude-code-acp
#   permission_decision: always
#   turn_timeout: 30m

# namer:
#   provider: backend
`

// createProjectConfig writes the .loopd.yaml template. It reports whether a
// file was written.
func createProjectConfig(repoPath string, force bool) (bool, error) {
	configPath := filepath.Join(repoPath, config.ProjectConfigName)
	if _, err := os.Stat(configPath); err == nil && !force {
		return false, nil
	}
	if err := os.WriteFile(configPath, []byte(projectConfigTemplate), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// detectProjectName detects project name from directory
func detectProjectName(repoPath string) string {
	if out, err := gitCmd(repoPath, "config", "--get", "remote.origin.url"); err == nil {
		url := strings.TrimSuffix(strings.TrimSpace(out), ".git")
		if i := strings.LastIndexAny(url, "/:"); i >= 0 && i < len(url)-1 {
			return url[i+1:]
		}
	}
	return filepath.Base(repoPath)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
