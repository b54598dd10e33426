package integrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// MergeStatus is the result of a single merge attempt.
type MergeStatus string

const (
	MergeClean         MergeStatus = "clean"
	MergeTrivial       MergeStatus = "trivial"
	MergeAlreadyMerged MergeStatus = "already_merged"
	MergeConflict      MergeStatus = "conflict"
	MergeLockTimeout   MergeStatus = "lock_timeout"
	MergeFailed        MergeStatus = "failed"
)

type MergeResult struct {
	Status     MergeStatus `json:"status"`
	Conflicted []string    `json:"conflicted,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	// Err is set for MergeFailed, and for a successful merge whose checkout
	// could not be reset afterwards.
	Err error `json:"-"`
}

// Merged reports whether the branch is now part of the mainline.
func (m MergeResult) Merged() bool {
	switch m.Status {
	case MergeClean, MergeTrivial, MergeAlreadyMerged:
		return true
	}
	return false
}

// Merge merges the slot's branch into the mainline in the repository root,
// holding the merge lock (when serialization is on) for the whole step. On
// success the slot's checkout is reset to the new mainline tip. A conflict is
// aborted and reported, never escalated here.
//
// Only the wait for the lock honors ctx. Once the lock is held the merge runs
// to completion or failure, so a shutdown never leaves the root half-merged.
func (p *Pipeline) Merge(ctx context.Context, slot workspace.Slot, timeout time.Duration) MergeResult {
	if p.lock != nil && config.Enabled(p.cfg.Integration.SerializeMerges, true) {
		ok, err := p.lock.Acquire(ctx, timeout)
		if err != nil {
			return MergeResult{Status: MergeFailed, Err: err}
		}
		if !ok {
			return MergeResult{Status: MergeLockTimeout}
		}
		defer func() {
			if err := p.lock.Release(); err != nil {
				p.logger.Error("failed to release merge lock", "error", err)
			}
		}()
	}

	locked := context.WithoutCancel(ctx)
	res := p.mergeLocked(locked, slot)
	if res.Merged() {
		if err := p.checkouts.Reset(locked, slot); err != nil {
			res.Err = fmt.Errorf("reset %s to mainline: %w", slot.Branch, err)
		}
	}
	return res
}

func (p *Pipeline) mergeLocked(ctx context.Context, slot workspace.Slot) MergeResult {
	root, mainline := p.cfg.Repo.Root, p.cfg.Repo.Mainline

	if err := p.git.Checkout(ctx, root, mainline); err != nil {
		return MergeResult{Status: MergeFailed, Err: fmt.Errorf("checkout %s: %w", mainline, err)}
	}

	merged, err := p.git.IsAncestor(ctx, root, slot.Branch, mainline)
	if err != nil {
		return MergeResult{Status: MergeFailed, Err: fmt.Errorf("check ancestry of %s: %w", slot.Branch, err)}
	}
	if merged {
		return MergeResult{Status: MergeAlreadyMerged}
	}

	msg := fmt.Sprintf("Merge %s (foreman)", slot.Branch)
	mergeErr := p.git.Merge(ctx, root, slot.Branch, msg)
	if mergeErr == nil {
		return MergeResult{Status: MergeClean}
	}
	detail := gitOutput(mergeErr)
	if !git.Exited(mergeErr) {
		p.abortMerge(ctx, root)
		return MergeResult{Status: MergeFailed, Detail: detail, Err: fmt.Errorf("merge %s: %w", slot.Branch, mergeErr)}
	}

	paths, err := p.git.ConflictedPaths(ctx, root)
	if err != nil || len(paths) == 0 {
		// The merge never reached a conflict state (for example untracked
		// files in the way); treat it like a real conflict.
		p.abortMerge(ctx, root)
		return MergeResult{Status: MergeConflict, Detail: detail}
	}

	if !p.isTrivial(paths) {
		p.abortMerge(ctx, root)
		return MergeResult{Status: MergeConflict, Conflicted: paths, Detail: detail}
	}

	if err := p.resolveTrivial(ctx, root, paths); err != nil {
		p.abortMerge(ctx, root)
		return MergeResult{Status: MergeConflict, Conflicted: paths, Detail: fmt.Sprintf("%s\n%s", detail, gitOutput(err))}
	}
	p.logger.Info("resolved scratch-file conflict", "branch", slot.Branch, "paths", paths)
	return MergeResult{Status: MergeTrivial, Conflicted: paths}
}

// isTrivial reports whether every conflicted path is a scratch file or a
// keep-ours file.
func (p *Pipeline) isTrivial(paths []string) bool {
	for _, path := range paths {
		_, scratch := p.scratch[path]
		_, ours := p.keepOurs[path]
		if !scratch && !ours {
			return false
		}
	}
	return true
}

// resolveTrivial drops scratch files, keeps the mainline side of keep-ours
// files and concludes the merge.
func (p *Pipeline) resolveTrivial(ctx context.Context, root string, paths []string) error {
	var drop, keep []string
	for _, path := range paths {
		if _, ok := p.scratch[path]; ok {
			drop = append(drop, path)
		} else {
			keep = append(keep, path)
		}
	}
	if len(drop) > 0 {
		if err := p.git.RemovePaths(ctx, root, drop...); err != nil {
			return err
		}
	}
	if len(keep) > 0 {
		if err := p.git.CheckoutOurs(ctx, root, keep...); err != nil {
			return err
		}
		if err := p.git.Add(ctx, root, keep...); err != nil {
			return err
		}
	}
	return p.git.CommitNoEdit(ctx, root)
}

// abortMerge puts the root back to its pre-merge state. merge --abort needs
// MERGE_HEAD; when git stopped before writing it, reset --merge still clears
// what it staged.
func (p *Pipeline) abortMerge(ctx context.Context, root string) {
	err := p.git.MergeAbort(ctx, root)
	if err == nil {
		return
	}
	p.logger.Debug("merge abort", "error", err)
	if err := p.git.ResetMerge(ctx, root); err != nil {
		p.logger.Error("could not restore repository root after failed merge", "root", root, "error", err)
	}
}

func gitOutput(err error) string {
	var gerr *git.Error
	if errors.As(err, &gerr) {
		if out := gerr.Output(); out != "" {
			return out
		}
	}
	return err.Error()
}
