package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/git"
)

// Pool is the git-worktree backed Manager.
type Pool struct {
	git       *git.Client
	repoRoot  string
	mainline  string
	prefix    string
	count     int
	placement string
	branchRE  *regexp.Regexp
	logger    *slog.Logger
}

var _ Manager = (*Pool)(nil)

// Options configures a Pool.
type Options struct {
	RepoRoot  string
	Mainline  string
	Prefix    string
	Count     int
	Placement string
}

// OptionsFromConfig extracts pool options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RepoRoot:  cfg.Repo.Root,
		Mainline:  cfg.Repo.Mainline,
		Prefix:    cfg.Slots.Prefix,
		Count:     cfg.Slots.Count,
		Placement: cfg.Slots.Placement,
	}
}

// NewPool validates opts and returns a Pool. No git commands run until Ensure.
func NewPool(g *git.Client, opts Options, logger *slog.Logger) (*Pool, error) {
	if opts.RepoRoot == "" {
		return nil, fmt.Errorf("repository root is empty")
	}
	if opts.Count < 1 {
		return nil, fmt.Errorf("slot count must be at least 1 (got %d)", opts.Count)
	}
	if opts.Prefix == "" {
		return nil, fmt.Errorf("branch prefix is empty")
	}
	switch opts.Placement {
	case config.PlacementSibling, config.PlacementNested:
	case "":
		opts.Placement = config.PlacementSibling
	default:
		return nil, fmt.Errorf("unknown placement %q", opts.Placement)
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}

	return &Pool{
		git:       g,
		repoRoot:  filepath.Clean(root),
		mainline:  opts.Mainline,
		prefix:    opts.Prefix,
		count:     opts.Count,
		placement: opts.Placement,
		branchRE:  regexp.MustCompile("^" + regexp.QuoteMeta(opts.Prefix) + `(\d+)$`),
		logger:    logger.With("component", "workspace"),
	}, nil
}

// RepoRoot returns the main repository root.
func (p *Pool) RepoRoot() string { return p.repoRoot }

// Mainline returns the mainline branch name.
func (p *Pool) Mainline() string { return p.mainline }

func (p *Pool) Slot(index int) (Slot, error) {
	if index < 1 || index > p.count {
		return Slot{}, fmt.Errorf("slot %d out of range 1..%d", index, p.count)
	}
	return Slot{Index: index, Path: p.slotPath(index), Branch: p.prefix + strconv.Itoa(index)}, nil
}

func (p *Pool) Slots() []Slot {
	out := make([]Slot, 0, p.count)
	for i := 1; i <= p.count; i++ {
		s, _ := p.Slot(i)
		out = append(out, s)
	}
	return out
}

// slotPath is pure path policy: nested checkouts live under
// <root>/worktrees/w<N>, siblings at <parent>/<prefix><N>.
func (p *Pool) slotPath(index int) string {
	if p.placement == config.PlacementNested {
		return filepath.Join(p.repoRoot, "worktrees", "w"+strconv.Itoa(index))
	}
	return filepath.Join(filepath.Dir(p.repoRoot), p.prefix+strconv.Itoa(index))
}

func (p *Pool) SlotForBranch(branch string) (Slot, bool) {
	m := p.branchRE.FindStringSubmatch(branch)
	if m == nil {
		return Slot{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Slot{}, false
	}
	s, err := p.Slot(n)
	if err != nil {
		return Slot{}, false
	}
	return s, true
}

func (p *Pool) Ensure(ctx context.Context) ([]Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Registrations whose directory was deleted by hand would otherwise block
	// "worktree add" for that slot forever.
	if err := p.git.WorktreePrune(ctx, p.repoRoot); err != nil {
		return nil, fmt.Errorf("prune worktrees: %w", err)
	}

	slots := p.Slots()
	for _, s := range slots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.ensureSlot(ctx, s); err != nil {
			return nil, fmt.Errorf("slot %d: %w", s.Index, err)
		}
	}
	return slots, nil
}

func (p *Pool) ensureSlot(ctx context.Context, s Slot) error {
	if pathExists(s.Path) {
		if !p.isOwnWorkTree(ctx, s.Path) {
			if isEmptyDir(s.Path) {
				if err := os.Remove(s.Path); err != nil {
					return fmt.Errorf("remove empty directory %s: %w", s.Path, err)
				}
				return p.addWorktree(ctx, s)
			}
			return fmt.Errorf("%s exists and is not a git worktree", s.Path)
		}
		branch, err := p.git.CurrentBranch(ctx, s.Path)
		if err != nil {
			return err
		}
		if branch != s.Branch {
			return fmt.Errorf("%s is on branch %q, expected %q", s.Path, branch, s.Branch)
		}
		return nil
	}
	return p.addWorktree(ctx, s)
}

func (p *Pool) addWorktree(ctx context.Context, s Slot) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	exists, err := p.git.BranchExists(ctx, p.repoRoot, s.Branch)
	if err != nil {
		return err
	}
	if exists {
		err = p.git.WorktreeAdd(ctx, p.repoRoot, s.Path, s.Branch)
	} else {
		err = p.git.WorktreeAddNewBranch(ctx, p.repoRoot, s.Path, s.Branch, p.mainline)
	}
	if err != nil {
		return err
	}
	p.logger.Info("created worktree", "slot", s.Index, "path", s.Path, "branch", s.Branch, "existing_branch", exists)
	return nil
}

// isOwnWorkTree distinguishes a worktree rooted at path from an ordinary
// directory nested inside the main checkout.
func (p *Pool) isOwnWorkTree(ctx context.Context, path string) bool {
	if !p.git.IsWorkTree(ctx, path) {
		return false
	}
	top, err := p.git.TopLevel(ctx, path)
	if err != nil {
		return false
	}
	return samePath(top, path)
}

func (p *Pool) Reset(ctx context.Context, s Slot) error {
	if err := p.git.ResetHard(ctx, s.Path, p.mainline); err != nil {
		return fmt.Errorf("reset slot %d to %s: %w", s.Index, p.mainline, err)
	}
	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isEmptyDir(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) == 0
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return filepath.Clean(ra) == filepath.Clean(rb)
}
