package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/git/gittest"
)

func newPool(t *testing.T, root, placement string, count int) *Pool {
	t.Helper()
	p, err := NewPool(git.New(), Options{
		RepoRoot:  root,
		Mainline:  "main",
		Prefix:    "fw",
		Count:     count,
		Placement: placement,
	}, nil)
	require.NoError(t, err)
	return p
}

func TestSlotPaths(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "repo")

	sib := newPool(t, root, "sibling", 3)
	s, err := sib.Slot(2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(root), "fw2"), s.Path)
	assert.Equal(t, "fw2", s.Branch)

	nested := newPool(t, root, "nested", 3)
	s, err = nested.Slot(3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "worktrees", "w3"), s.Path)
	assert.Equal(t, "fw3", s.Branch)

	_, err = sib.Slot(0)
	assert.Error(t, err)
	_, err = sib.Slot(4)
	assert.Error(t, err)
}

func TestSlotForBranch(t *testing.T) {
	t.Parallel()
	p := newPool(t, filepath.Join(t.TempDir(), "repo"), "sibling", 4)

	tests := []struct {
		branch string
		want   int
		ok     bool
	}{
		{"fw1", 1, true},
		{"fw4", 4, true},
		{"fw5", 0, false},
		{"fw0", 0, false},
		{"fw", 0, false},
		{"fwx", 0, false},
		{"other3", 0, false},
		{"xfw3", 0, false},
		{"fw3-old", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			s, ok := p.SlotForBranch(tt.branch)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, s.Index)
				assert.Equal(t, tt.branch, s.Branch)
			}
		})
	}
}

func TestEnsureCreatesWorktrees(t *testing.T) {
	t.Parallel()
	for _, placement := range []string{"sibling", "nested"} {
		placement := placement
		t.Run(placement, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := gittest.NewRepo(t)
			p := newPool(t, repo.Root, placement, 2)

			slots, err := p.Ensure(ctx)
			require.NoError(t, err)
			require.Len(t, slots, 2)

			g := git.New()
			for _, s := range slots {
				branch, err := g.CurrentBranch(ctx, s.Path)
				require.NoError(t, err)
				assert.Equal(t, s.Branch, branch)
				assert.FileExists(t, filepath.Join(s.Path, "README.md"))
			}

			// Idempotent.
			_, err = p.Ensure(ctx)
			require.NoError(t, err)
		})
	}
}

func TestEnsureRecoversManuallyDeletedCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := gittest.NewRepo(t)
	p := newPool(t, repo.Root, "sibling", 1)

	slots, err := p.Ensure(ctx)
	require.NoError(t, err)
	s := slots[0]

	// Work on the branch survives deletion of the directory.
	gittest.CommitFile(t, s.Path, "kept.txt", "kept\n", "work")
	require.NoError(t, os.RemoveAll(s.Path))

	_, err = p.Ensure(ctx)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(s.Path, "kept.txt"))
}

func TestEnsureRejectsForeignDirectory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := gittest.NewRepo(t)
	p := newPool(t, repo.Root, "sibling", 1)

	s, _ := p.Slot(1)
	gittest.WriteFile(t, filepath.Join(s.Path, "junk.txt"), "junk\n")

	_, err := p.Ensure(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a git worktree")
}

func TestResetMovesBranchToMainline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := gittest.NewRepo(t)
	p := newPool(t, repo.Root, "sibling", 1)
	slots, err := p.Ensure(ctx)
	require.NoError(t, err)
	s := slots[0]

	gittest.CommitFile(t, s.Path, "a.txt", "a\n", "slot work")
	repo.CommitFile(t, "b.txt", "b\n", "mainline work")

	require.NoError(t, p.Reset(ctx, s))

	head := strings.TrimSpace(gittest.RunGit(t, s.Path, "rev-parse", "HEAD"))
	assert.Equal(t, repo.Head(t, "main"), head)
	assert.NoFileExists(t, filepath.Join(s.Path, "a.txt"))
}
