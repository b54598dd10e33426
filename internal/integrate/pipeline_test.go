package integrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/gate"
	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/git/gittest"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/tasks"
	"github.com/mattjoyce/foreman/internal/tasks/mocks"
	"github.com/mattjoyce/foreman/internal/workspace"
)

type harness struct {
	repo     *gittest.Repo
	cfg      *config.Config
	git      *git.Client
	pool     *workspace.Pool
	backend  *tasks.File
	lock     *lock.MergeLock
	pipeline *Pipeline
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	ctx := context.Background()
	repo := gittest.NewRepo(t)
	state := t.TempDir()

	cfg := config.Defaults()
	cfg.Repo.Root = repo.Root
	cfg.Repo.StateDir = state
	cfg.Slots.Count = 3
	cfg.Slots.Prefix = "fw"
	cfg.Integration.LockTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	g := git.New()
	pool, err := workspace.NewPool(g, workspace.OptionsFromConfig(cfg), nil)
	require.NoError(t, err)
	_, err = pool.Ensure(ctx)
	require.NoError(t, err)

	h := &harness{
		repo:    repo,
		cfg:     cfg,
		git:     g,
		pool:    pool,
		backend: tasks.NewFile(filepath.Join(state, "task_queue.json")),
		lock:    lock.NewMergeLock(cfg.StatePath("merge.lock")).WithPollInterval(20 * time.Millisecond),
	}
	h.pipeline = New(Deps{
		Config:       cfg,
		Git:          g,
		Checkouts:    pool,
		Tasks:        h.backend,
		Gates:        gate.FromConfig(cfg, nil),
		Lock:         h.lock,
		Conflicts:    pending.NewStore(cfg.StatePath("pending_conflicts.json")),
		GateFailures: pending.NewStore(cfg.StatePath("pending_gates.json")),
	})
	return h
}

func (h *harness) slot(t *testing.T, n int) workspace.Slot {
	t.Helper()
	s, err := h.pool.Slot(n)
	require.NoError(t, err)
	return s
}

func (h *harness) task(t *testing.T, title string) string {
	t.Helper()
	id, err := h.backend.Create(context.Background(), title, "")
	require.NoError(t, err)
	return id
}

func (h *harness) openTitles(t *testing.T) []string {
	t.Helper()
	ready, err := h.backend.ListReady(context.Background())
	require.NoError(t, err)
	var out []string
	for _, task := range ready {
		out = append(out, task.Title)
	}
	return out
}

func (h *harness) assertSlotAtMainline(t *testing.T, s workspace.Slot) {
	t.Helper()
	ctx := context.Background()
	slotTree, err := h.git.TreeID(ctx, s.Path, "HEAD")
	require.NoError(t, err)
	mainTree, err := h.git.TreeID(ctx, h.repo.Root, h.cfg.Repo.Mainline)
	require.NoError(t, err)
	assert.Equal(t, mainTree, slotTree)
}

func TestRunCapturesAndMergesUncommittedWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.slot(t, 3)
	taskID := h.task(t, "add app")

	gittest.WriteFile(t, filepath.Join(s.Path, "app.py"), "print('hi')\n")
	gittest.WriteFile(t, filepath.Join(s.Path, h.cfg.Agent.TaskFile), "instructions\n")
	gittest.WriteFile(t, filepath.Join(s.Path, h.cfg.Agent.SuggestionsFile), "write docs for app\n")

	res := h.pipeline.Run(ctx, s, taskID, "")
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.True(t, res.Captured)
	assert.Equal(t, []string{"app.py"}, res.Summary.Files)
	assert.Equal(t, 1, res.Summary.Commits)
	require.NotNil(t, res.Gates)
	assert.True(t, res.Gates.Skipped)

	changed := strings.Fields(h.repo.Git(t, "diff-tree", "--no-commit-id", "--name-only", "-r", "main"))
	assert.Equal(t, []string{"app.py"}, changed)
	h.assertSlotAtMainline(t, s)
	assert.False(t, h.lock.Held())

	closed, err := h.backend.IsClosed(ctx, taskID)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, []string{"write docs for app"}, h.openTitles(t))
}

func TestRunCleanCheckoutIsAlreadyMerged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.slot(t, 1)

	res := h.pipeline.Run(context.Background(), s, h.task(t, "noop"), "")
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.False(t, res.Captured)
	require.NotNil(t, res.Merge)
	assert.Equal(t, MergeAlreadyMerged, res.Merge.Status)
}

func TestRunGateFailureEscalatesWithoutMerging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.Gates = map[string]config.GateConfig{
			"lint": {Cmd: "true"},
			"unit": {Cmd: "echo 'FAIL: test_app' >&2; exit 1"},
		}
	})
	s := h.slot(t, 2)
	before := h.repo.Head(t, "main")

	gittest.WriteFile(t, filepath.Join(s.Path, "app.py"), "broken\n")
	res := h.pipeline.Run(ctx, s, h.task(t, "break things"), "")

	assert.Equal(t, OutcomeGateFailed, res.Outcome)
	assert.Nil(t, res.Merge)
	require.NotEmpty(t, res.EscalationID)
	assert.Equal(t, before, h.repo.Head(t, "main"))

	id, ok, err := h.pipeline.GateFailures().Get(s.Branch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.EscalationID, id)

	esc, err := h.backend.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fix failing validation for slot 2", esc.Title)
	assert.Contains(t, esc.Description, "FAIL: test_app")

	// The branch keeps its failing commit.
	n, err := h.git.CountCommits(ctx, s.Path, "main", s.Branch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second failing task on the same branch reuses the open escalation.
	gittest.WriteFile(t, filepath.Join(s.Path, "more.py"), "x\n")
	again := h.pipeline.Run(ctx, s, h.task(t, "another"), "")
	assert.Equal(t, OutcomeGateFailed, again.Outcome)
	assert.Equal(t, res.EscalationID, again.EscalationID)
	assert.Equal(t, []string{"fix failing validation for slot 2"}, h.openTitles(t))
}

func TestRunFailedEscalationStaysOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.Gates = map[string]config.GateConfig{"unit": {Cmd: "test ! -f broken.txt"}}
	})
	s := h.slot(t, 2)

	gittest.WriteFile(t, filepath.Join(s.Path, "broken.txt"), "x\n")
	first := h.pipeline.Run(ctx, s, h.task(t, "break things"), "")
	require.Equal(t, OutcomeGateFailed, first.Outcome)
	esc := first.EscalationID
	require.NotEmpty(t, esc)

	// The escalation's own run leaves the branch still failing.
	require.NoError(t, h.backend.Claim(ctx, esc))
	gittest.WriteFile(t, filepath.Join(s.Path, "notes.txt"), "tried\n")
	again := h.pipeline.Run(ctx, s, esc, "")
	assert.Equal(t, OutcomeGateFailed, again.Outcome)
	assert.Equal(t, esc, again.EscalationID)

	task, err := h.backend.Get(ctx, esc)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, task.Status)

	id, ok, err := h.pipeline.GateFailures().Get(s.Branch)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, esc, id)
}

func TestRunRealConflictEscalatesAndAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.slot(t, 1)

	h.repo.CommitFile(t, "config.yaml", "mode: main\n", "main config")
	before := h.repo.Head(t, "main")
	gittest.WriteFile(t, filepath.Join(s.Path, "config.yaml"), "mode: branch\n")

	res := h.pipeline.Run(ctx, s, h.task(t, "tweak config"), "")
	assert.Equal(t, OutcomeConflict, res.Outcome)
	require.NotNil(t, res.Merge)
	assert.Equal(t, []string{"config.yaml"}, res.Merge.Conflicted)
	assert.False(t, h.lock.Held())
	assert.Equal(t, before, h.repo.Head(t, "main"))

	// The aborted merge leaves the root clean.
	status, err := h.git.Status(ctx, h.repo.Root)
	require.NoError(t, err)
	assert.Empty(t, status)

	records, err := h.pipeline.Conflicts().All()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pending.Record{Branch: s.Branch, TaskID: res.EscalationID}, records[0])

	esc, err := h.backend.Get(ctx, res.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "resolve merge conflict for slot 1", esc.Title)
	assert.Contains(t, esc.Description, "config.yaml")

	// The checkout is not reset.
	n, err := h.git.CountCommits(ctx, s.Path, "main", s.Branch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMergeResolvesScratchOnlyConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	s := h.slot(t, 1)
	task := h.cfg.Agent.TaskFile

	h.repo.CommitFile(t, task, "main instructions\n", "main scratch")
	h.repo.CommitFile(t, ".gitignore", "*.log\n*.tmp\n", "main ignore")
	gittest.CommitFile(t, s.Path, task, "slot instructions\n", "slot scratch")
	gittest.CommitFile(t, s.Path, ".gitignore", "*.log\n.cache/\n", "slot ignore")
	gittest.CommitFile(t, s.Path, "feature.go", "package feature\n", "feature")

	mr := h.pipeline.Merge(ctx, s, time.Second)
	require.NoError(t, mr.Err)
	assert.Equal(t, MergeTrivial, mr.Status)
	assert.ElementsMatch(t, []string{task, ".gitignore"}, mr.Conflicted)

	data, err := os.ReadFile(filepath.Join(h.repo.Root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*.log\n*.tmp\n", string(data))
	assert.FileExists(t, filepath.Join(h.repo.Root, "feature.go"))
	assert.NoFileExists(t, filepath.Join(h.repo.Root, task))

	conflicts, err := h.pipeline.Conflicts().All()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Empty(t, h.openTitles(t))
	h.assertSlotAtMainline(t, s)
}

func TestMergeFinishesWhenCancelledMidway(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.slot(t, 1)

	h.repo.CommitFile(t, "main.txt", "main\n", "main moves on")
	gittest.CommitFile(t, s.Path, "a.txt", "a\n", "slot work")
	hook := filepath.Join(h.repo.Root, ".git", "hooks", "pre-merge-commit")
	require.NoError(t, os.MkdirAll(filepath.Dir(hook), 0o755))
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\nsleep 1\n"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	mr := h.pipeline.Merge(ctx, s, time.Second)

	require.NoError(t, mr.Err)
	assert.Equal(t, MergeClean, mr.Status)
	assert.False(t, h.lock.Held())

	status, err := h.git.Status(context.Background(), h.repo.Root)
	require.NoError(t, err)
	assert.Empty(t, status)
	assert.FileExists(t, filepath.Join(h.repo.Root, "a.txt"))

	// The next merge sees a clean root.
	gittest.CommitFile(t, s.Path, "b.txt", "b\n", "more slot work")
	next := h.pipeline.Merge(context.Background(), s, time.Second)
	assert.Equal(t, MergeClean, next.Status)
}

func TestRunInterruptedGatesReturnTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) {
		c.Gates = map[string]config.GateConfig{"slow": {Cmd: "sleep 5"}}
	})
	s := h.slot(t, 1)
	taskID := h.task(t, "slow to check")
	require.NoError(t, h.backend.Claim(context.Background(), taskID))

	gittest.WriteFile(t, filepath.Join(s.Path, "app.py"), "x\n")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := h.pipeline.Run(ctx, s, taskID, "")

	assert.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)
	assert.Empty(t, res.EscalationID)

	records, err := h.pipeline.GateFailures().All()
	require.NoError(t, err)
	assert.Empty(t, records)

	task, err := h.backend.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, task.Status)
}

func TestRunLockTimeoutDefers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.Integration.LockTimeout = 100 * time.Millisecond
	})
	s := h.slot(t, 1)
	require.NoError(t, h.lock.TryAcquire())
	before := h.repo.Head(t, "main")

	gittest.WriteFile(t, filepath.Join(s.Path, "app.py"), "x\n")
	taskID := h.task(t, "blocked")
	res := h.pipeline.Run(ctx, s, taskID, "")

	assert.Equal(t, OutcomeLockTimeout, res.Outcome)
	assert.Empty(t, res.EscalationID)
	assert.Equal(t, before, h.repo.Head(t, "main"))
	assert.True(t, h.lock.Held(), "a foreign lock is never removed")

	conflicts, err := h.pipeline.Conflicts().All()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Empty(t, h.openTitles(t))

	// The captured work is still on the branch for the next attempt.
	require.NoError(t, h.lock.Release())
	mr := h.pipeline.Merge(ctx, s, time.Second)
	assert.Equal(t, MergeClean, mr.Status)
}

func TestRunAutoMergeDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) {
		off := false
		c.Integration.AutoMerge = &off
	})
	s := h.slot(t, 1)
	before := h.repo.Head(t, "main")

	gittest.WriteFile(t, filepath.Join(s.Path, "app.py"), "x\n")
	res := h.pipeline.Run(context.Background(), s, h.task(t, "manual"), "")
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, res.Captured)
	assert.Equal(t, before, h.repo.Head(t, "main"))
}

func TestRunCaptureFailureReleasesTask(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Release(gomock.Any(), "task-7").Return(nil)

	cfg := config.Defaults()
	cfg.Repo.Root = t.TempDir()
	cfg.Repo.StateDir = t.TempDir()
	p := New(Deps{
		Config:       cfg,
		Tasks:        backend,
		Conflicts:    pending.NewStore(cfg.StatePath("pending_conflicts.json")),
		GateFailures: pending.NewStore(cfg.StatePath("pending_gates.json")),
	})

	missing := workspace.Slot{Index: 1, Path: filepath.Join(t.TempDir(), "gone"), Branch: "foreman-w1"}
	res := p.Run(context.Background(), missing, "task-7", "")
	assert.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)
}

func TestEscalationDisabledRecordsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *config.Config) {
		off := false
		c.Integration.EscalateConflicts = &off
	})
	s := h.slot(t, 1)

	id, err := h.pipeline.EscalateConflict(context.Background(), s, MergeResult{Status: MergeConflict})
	require.NoError(t, err)
	assert.Empty(t, id)
	all, err := h.pipeline.Conflicts().All()
	require.NoError(t, err)
	assert.Empty(t, all)
}
