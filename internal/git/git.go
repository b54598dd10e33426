// Package git wraps the git subprocesses the dispatcher depends on: worktree
// management, capture commits, merges and conflict inspection.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Client runs git in a given working directory.
type Client struct {
	bin string
	env []string
}

// New returns a Client using the git binary on PATH.
func New() *Client {
	return &Client{bin: "git"}
}

// WithEnv returns a copy of c that appends env to every subprocess environment.
func (c *Client) WithEnv(env ...string) *Client {
	cp := *c
	cp.env = append(append([]string(nil), c.env...), env...)
	return &cp
}

// Error is returned for a non-zero git exit.
type Error struct {
	Args   []string
	Err    error
	Stdout string
	Stderr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s failed: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output()))
}

func (e *Error) Unwrap() error { return e.Err }

// Output returns stderr, falling back to stdout. Merge conflicts are reported
// on stdout.
func (e *Error) Output() string {
	out := strings.TrimSpace(e.Stderr)
	if s := strings.TrimSpace(e.Stdout); s != "" {
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out
}

// ExitCode returns the process exit status, or -1 if git did not run.
func (e *Error) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Run executes git with args in dir and returns trimmed stdout.
func (c *Client) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = dir
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &Error{Args: args, Err: err, Stdout: stdout.String(), Stderr: stderr.String()}
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// Exited reports whether err is git itself exiting non-zero, as opposed to
// git failing to start or being killed by a signal.
func Exited(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.ExitCode() > 0
}

func isExitStatus(err error, code int) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.ExitCode() == code
}

func lines(out string) []string {
	if strings.TrimSpace(out) == "" {
		return nil
	}
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// Status returns porcelain status lines including untracked files.
func (c *Client) Status(ctx context.Context, dir string) ([]string, error) {
	out, err := c.Run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// AddAll stages every change in the work tree.
func (c *Client) AddAll(ctx context.Context, dir string) error {
	_, err := c.Run(ctx, dir, "add", "-A")
	return err
}

// Add stages the given paths.
func (c *Client) Add(ctx context.Context, dir string, paths ...string) error {
	_, err := c.Run(ctx, dir, append([]string{"add", "--"}, paths...)...)
	return err
}

// Unstage resets paths in the index to HEAD without touching the work tree.
// Paths unknown to git are ignored.
func (c *Client) Unstage(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := c.Run(ctx, dir, append([]string{"reset", "-q", "HEAD", "--"}, paths...)...)
	return err
}

// HasStaged reports whether the index differs from HEAD.
func (c *Client) HasStaged(ctx context.Context, dir string) (bool, error) {
	_, err := c.Run(ctx, dir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if isExitStatus(err, 1) {
		return true, nil
	}
	return false, err
}

// StagedNames lists paths staged for commit.
func (c *Client) StagedNames(ctx context.Context, dir string) ([]string, error) {
	out, err := c.Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// Commit records the index with message.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	_, err := c.Run(ctx, dir, "commit", "--no-verify", "-m", message)
	return err
}

// CommitNoEdit concludes an in-progress merge with its prepared message.
func (c *Client) CommitNoEdit(ctx context.Context, dir string) error {
	_, err := c.Run(ctx, dir, "commit", "--no-verify", "--no-edit")
	return err
}

// Checkout switches dir to ref.
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.Run(ctx, dir, "checkout", ref)
	return err
}

// CheckoutOurs restores our side of conflicted paths.
func (c *Client) CheckoutOurs(ctx context.Context, dir string, paths ...string) error {
	_, err := c.Run(ctx, dir, append([]string{"checkout", "--ours", "--"}, paths...)...)
	return err
}

// RemovePaths deletes paths from the index and work tree.
func (c *Client) RemovePaths(ctx context.Context, dir string, paths ...string) error {
	_, err := c.Run(ctx, dir, append([]string{"rm", "-f", "-q", "--"}, paths...)...)
	return err
}

// Merge merges branch into the current branch of dir.
func (c *Client) Merge(ctx context.Context, dir, branch, message string) error {
	_, err := c.Run(ctx, dir, "merge", "--no-edit", "-m", message, branch)
	return err
}

// MergeAbort abandons an in-progress merge.
func (c *Client) MergeAbort(ctx context.Context, dir string) error {
	_, err := c.Run(ctx, dir, "merge", "--abort")
	return err
}

// ResetMerge discards a half-applied merge in dir, keeping unrelated local
// changes. It works when MERGE_HEAD is gone and merge --abort refuses.
func (c *Client) ResetMerge(ctx context.Context, dir string) error {
	_, err := c.Run(ctx, dir, "reset", "--merge")
	return err
}

// ConflictedPaths lists unmerged paths.
func (c *Client) ConflictedPaths(ctx context.Context, dir string) ([]string, error) {
	out, err := c.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// ResetHard moves the current branch of dir to ref, discarding tracked changes.
func (c *Client) ResetHard(ctx context.Context, dir, ref string) error {
	_, err := c.Run(ctx, dir, "reset", "--hard", "-q", ref)
	return err
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (c *Client) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := c.Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// DiffNames lists files changed on head since it diverged from base.
func (c *Client) DiffNames(ctx context.Context, dir, base, head string) ([]string, error) {
	out, err := c.Run(ctx, dir, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// CountCommits counts commits reachable from head but not from base.
func (c *Client) CountCommits(ctx context.Context, dir, base, head string) (int, error) {
	out, err := c.Run(ctx, dir, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse commit count %q: %w", out, err)
	}
	return n, nil
}

// RevParse resolves ref to a commit id.
func (c *Client) RevParse(ctx context.Context, dir, ref string) (string, error) {
	return c.Run(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
}

// TreeID resolves ref to its tree object id.
func (c *Client) TreeID(ctx context.Context, dir, ref string) (string, error) {
	return c.Run(ctx, dir, "rev-parse", "--verify", ref+"^{tree}")
}

// BranchExists reports whether refs/heads/branch exists.
func (c *Client) BranchExists(ctx context.Context, dir, branch string) (bool, error) {
	_, err := c.Run(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	if isExitStatus(err, 1) {
		return false, nil
	}
	return false, err
}

// CurrentBranch returns the branch checked out in dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// IsWorkTree reports whether dir is inside a git work tree.
func (c *Client) IsWorkTree(ctx context.Context, dir string) bool {
	out, err := c.Run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// TopLevel returns the root of the work tree containing dir.
func (c *Client) TopLevel(ctx context.Context, dir string) (string, error) {
	return c.Run(ctx, dir, "rev-parse", "--show-toplevel")
}

// WorktreePrune drops registrations whose directories no longer exist.
func (c *Client) WorktreePrune(ctx context.Context, repo string) error {
	_, err := c.Run(ctx, repo, "worktree", "prune")
	return err
}

// WorktreeAdd checks out an existing branch at path.
func (c *Client) WorktreeAdd(ctx context.Context, repo, path, branch string) error {
	_, err := c.Run(ctx, repo, "worktree", "add", path, branch)
	return err
}

// WorktreeAddNewBranch creates branch from base and checks it out at path.
func (c *Client) WorktreeAddNewBranch(ctx context.Context, repo, path, branch, base string) error {
	_, err := c.Run(ctx, repo, "worktree", "add", "-b", branch, path, base)
	return err
}
