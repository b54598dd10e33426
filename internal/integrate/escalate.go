package integrate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/gate"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/workspace"
)

const maxEscalationDetail = 1500

// EscalateGateFailure records a validation failure for the slot's branch and
// returns the id of the escalation task blocking it. When the branch already
// waits on an open escalation, that id is returned and nothing new is created.
// With escalation disabled it returns "".
func (p *Pipeline) EscalateGateFailure(ctx context.Context, slot workspace.Slot, report gate.Report) (string, error) {
	if !config.Enabled(p.cfg.Integration.EscalateGateFailures, true) {
		return "", nil
	}
	title := fmt.Sprintf("fix failing validation for slot %d", slot.Index)
	desc := fmt.Sprintf(
		"Branch %s in %s fails its quality gates and has not been merged into %s.\n\nFailure:\n%s\n\nFix the branch until the gates pass, then close this task.",
		slot.Branch, slot.Path, p.cfg.Repo.Mainline, truncate(report.Failure, maxEscalationDetail),
	)
	return p.escalate(ctx, p.gateFailures, slot, title, desc)
}

// EscalateConflict records a real merge conflict for the slot's branch. It
// deduplicates the same way as EscalateGateFailure.
func (p *Pipeline) EscalateConflict(ctx context.Context, slot workspace.Slot, mr MergeResult) (string, error) {
	if !config.Enabled(p.cfg.Integration.EscalateConflicts, true) {
		return "", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Branch %s could not be merged into %s.\n", slot.Branch, p.cfg.Repo.Mainline)
	if len(mr.Conflicted) > 0 {
		b.WriteString("\nConflicted files:\n")
		for _, path := range mr.Conflicted {
			fmt.Fprintf(&b, "- %s\n", path)
		}
	}
	if mr.Detail != "" {
		fmt.Fprintf(&b, "\nGit output:\n%s\n", truncate(mr.Detail, maxEscalationDetail))
	}
	fmt.Fprintf(&b, "\nResolve the conflict on %s (for example by merging %s into it), then close this task.", slot.Branch, p.cfg.Repo.Mainline)
	title := fmt.Sprintf("resolve merge conflict for slot %d", slot.Index)
	return p.escalate(ctx, p.conflicts, slot, title, b.String())
}

func (p *Pipeline) escalate(ctx context.Context, store *pending.Store, slot workspace.Slot, title, desc string) (string, error) {
	if existing, ok, err := store.Get(slot.Branch); err == nil && ok {
		closed, err := p.tasks.IsClosed(ctx, existing)
		if err == nil && !closed {
			return existing, nil
		}
	}

	id, err := p.tasks.Create(ctx, title, desc)
	if err != nil {
		return "", fmt.Errorf("create escalation task: %w", err)
	}
	if err := store.Put(slot.Branch, id); err != nil {
		return id, fmt.Errorf("record pending branch %s: %w", slot.Branch, err)
	}
	p.logger.Info("escalation task created", "slot", slot.Index, "branch", slot.Branch, "task_id", id, "title", title)
	return id, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n[truncated]"
}
