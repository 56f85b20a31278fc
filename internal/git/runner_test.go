package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeCommands records invocations and replays canned results.
type fakeCommands struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeCommands) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	key := strings.Join(args, " ")
	return []byte(f.outputs[key]), f.errs[key]
}

func (f *fakeCommands) LookPath(name string) (string, error) { return "/usr/bin/" + name, nil }

func initRepo(t *testing.T) *ExecRunner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	r := NewRunner(dir)
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.name", "Test"},
		{"config", "user.email", "test@example.com"},
	} {
		if _, err := r.Run(ctx, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(ctx, "initial"); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCommandErrorFormat(t *testing.T) {
	f := &fakeCommands{errs: map[string]error{"status --porcelain": errors.New("exit status 128")}, outputs: map[string]string{"status --porcelain": "fatal: not a git repository\n"}}
	r := NewRunnerWith("/nowhere", f)

	_, err := r.Status(context.Background())
	if err == nil {
		t.Fatal("Status() error = nil")
	}
	want := "git status --porcelain: exit status 128: fatal: not a git repository"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode() != -1 {
		t.Errorf("expected CommandError without exit code, got %v", err)
	}
}

func TestRemoteExists(t *testing.T) {
	f := &fakeCommands{outputs: map[string]string{"remote": "origin\nupstream\n"}}
	r := NewRunnerWith("/repo", f)

	tests := []struct {
		remote string
		want   bool
	}{
		{"origin", true},
		{"upstream", true},
		{"fork", false},
	}
	for _, tt := range tests {
		got, err := r.RemoteExists(context.Background(), tt.remote)
		if err != nil {
			t.Fatalf("RemoteExists(%q) error = %v", tt.remote, err)
		}
		if got != tt.want {
			t.Errorf("RemoteExists(%q) = %v, want %v", tt.remote, got, tt.want)
		}
	}
}

func TestBranchLifecycle(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	exists, err := r.BranchExists(ctx, "feature")
	if err != nil || exists {
		t.Fatalf("BranchExists(feature) = %v, %v; want false, nil", exists, err)
	}
	if err := r.CreateBranch(ctx, "feature", "main"); err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	if exists, _ = r.BranchExists(ctx, "feature"); !exists {
		t.Error("branch not created")
	}
	branch, err := r.CurrentBranch(ctx)
	if err != nil || branch != "main" {
		t.Errorf("CurrentBranch() = %q, %v; want main", branch, err)
	}
	if err := r.DeleteBranch(ctx, "feature"); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if exists, _ = r.BranchExists(ctx, "feature"); exists {
		t.Error("branch not deleted")
	}
}

func TestWorktreeCommitAndMerge(t *testing.T) {
	r := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := r.WorktreeAddNewBranch(ctx, wtPath, "work", "main"); err != nil {
		t.Fatalf("WorktreeAddNewBranch() error = %v", err)
	}
	wt := r.In(wtPath)
	if err := os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	changed, err := wt.HasChanges(ctx)
	if err != nil || !changed {
		t.Fatalf("HasChanges() = %v, %v; want true", changed, err)
	}
	if err := wt.AddAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := wt.Commit(ctx, "add new"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	nameStatus, err := wt.DiffNameStatus(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if nameStatus != "A\tnew.txt" {
		t.Errorf("DiffNameStatus() = %q", nameStatus)
	}

	if err := r.MergeNoFFMessage(ctx, "work", "merge work"); err != nil {
		t.Fatalf("MergeNoFFMessage() error = %v", err)
	}
	merged, err := r.IsAncestor(ctx, "work", "main")
	if err != nil || !merged {
		t.Errorf("IsAncestor(work, main) = %v, %v; want true", merged, err)
	}

	paths, err := r.WorktreeList(ctx)
	if err != nil || len(paths) != 2 {
		t.Fatalf("WorktreeList() = %v, %v; want two entries", paths, err)
	}
	if err := r.WorktreeRemove(ctx, wtPath, true); err != nil {
		t.Fatalf("WorktreeRemove() error = %v", err)
	}
}
