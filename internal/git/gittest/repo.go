// Package gittest creates throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo is a temporary repository with one commit on main. It lives at
// <tempdir>/repo so sibling worktrees also land inside the temp dir.
type Repo struct {
	Root string
}

// NewRepo initializes a repository with README.md and .gitignore committed on main.
func NewRepo(tb testing.TB) *Repo {
	tb.Helper()
	root := filepath.Join(tb.TempDir(), "repo")
	if err := os.MkdirAll(root, 0o755); err != nil {
		tb.Fatalf("create repo dir: %v", err)
	}
	r := &Repo{Root: root}
	r.Git(tb, "init", "--initial-branch=main")
	r.Git(tb, "config", "user.name", "Foreman Test")
	r.Git(tb, "config", "user.email", "test@example.com")
	r.Git(tb, "config", "commit.gpgsign", "false")

	r.Write(tb, "README.md", "# temp repo\n")
	r.Write(tb, ".gitignore", "*.log\n")
	r.Git(tb, "add", "README.md", ".gitignore")
	r.Git(tb, "commit", "-m", "Initial commit")
	return r
}

// Git runs git in the repository root and fails the test on error.
func (r *Repo) Git(tb testing.TB, args ...string) string {
	tb.Helper()
	return RunGit(tb, r.Root, args...)
}

// Write creates or replaces a file relative to the repository root.
func (r *Repo) Write(tb testing.TB, rel, content string) {
	tb.Helper()
	WriteFile(tb, filepath.Join(r.Root, rel), content)
}

// CommitFile writes rel and commits it on the currently checked-out branch.
func (r *Repo) CommitFile(tb testing.TB, rel, content, message string) {
	tb.Helper()
	CommitFile(tb, r.Root, rel, content, message)
}

// Head returns the commit id of ref.
func (r *Repo) Head(tb testing.TB, ref string) string {
	tb.Helper()
	return strings.TrimSpace(r.Git(tb, "rev-parse", ref))
}

// RunGit executes git in dir and fails the test on error.
func RunGit(tb testing.TB, dir string, args ...string) string {
	tb.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		tb.Fatalf("git %s failed: %v: %s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(tb testing.TB, path, content string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// CommitFile writes rel inside dir and commits it.
func CommitFile(tb testing.TB, dir, rel, content, message string) {
	tb.Helper()
	WriteFile(tb, filepath.Join(dir, rel), content)
	RunGit(tb, dir, "add", "--", rel)
	RunGit(tb, dir, "commit", "-m", message)
}
