package integrate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mattjoyce/foreman/internal/workspace"
)

// Capture commits whatever the agent left uncommitted in the checkout,
// excluding the dispatcher's scratch files. It reports whether a commit was
// made; a clean tree is a no-op.
func (p *Pipeline) Capture(ctx context.Context, slot workspace.Slot) (bool, error) {
	status, err := p.git.Status(ctx, slot.Path)
	if err != nil {
		return false, fmt.Errorf("status %s: %w", slot.Path, err)
	}
	if len(status) == 0 {
		return false, nil
	}

	if err := p.git.AddAll(ctx, slot.Path); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	if scratch := p.cfg.ScratchFiles(); len(scratch) > 0 {
		if err := p.git.Unstage(ctx, slot.Path, scratch...); err != nil {
			return false, fmt.Errorf("unstage scratch files: %w", err)
		}
	}

	staged, err := p.git.HasStaged(ctx, slot.Path)
	if err != nil {
		return false, fmt.Errorf("inspect index: %w", err)
	}
	if !staged {
		return false, nil
	}
	msg := fmt.Sprintf("foreman: capture work (%s)", slot.Branch)
	if err := p.git.Commit(ctx, slot.Path, msg); err != nil {
		return false, fmt.Errorf("commit captured work: %w", err)
	}
	return true, nil
}

// Summarize lists changed files and commits of the branch against the
// mainline. Failures are logged and yield an empty summary.
func (p *Pipeline) Summarize(ctx context.Context, slot workspace.Slot) Summary {
	var s Summary
	mainline := p.cfg.Repo.Mainline

	files, err := p.git.DiffNames(ctx, slot.Path, mainline, slot.Branch)
	if err != nil {
		p.logger.Debug("diff summary unavailable", "slot", slot.Index, "error", err)
	}
	s.Files = files

	n, err := p.git.CountCommits(ctx, slot.Path, mainline, slot.Branch)
	if err != nil {
		p.logger.Debug("commit count unavailable", "slot", slot.Index, "error", err)
	}
	s.Commits = n
	return s
}

func joinSlot(slot workspace.Slot, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(slot.Path, rel)
}
