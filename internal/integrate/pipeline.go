// Package integrate carries a finished worker's checkout into the mainline:
// capture, summarize, validate, merge, or escalate to a retry queue.
package integrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/gate"
	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/tasks"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// SourcePipeline tags journal rows written by Run.
const SourcePipeline = "pipeline"

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeMerged      Outcome = "merged"
	OutcomeConflict    Outcome = "conflict"
	OutcomeLockTimeout Outcome = "lock_timeout"
	OutcomeGateFailed  Outcome = "gate_failed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeError       Outcome = "error"
)

// Summary describes the branch relative to the mainline.
type Summary struct {
	Files   []string `json:"files,omitempty"`
	Commits int      `json:"commits"`
}

// Result is what Run reports back to the dispatcher.
type Result struct {
	Outcome      Outcome      `json:"outcome"`
	Slot         int          `json:"slot"`
	Branch       string       `json:"branch"`
	TaskID       string       `json:"task_id,omitempty"`
	Captured     bool         `json:"captured"`
	Summary      Summary      `json:"summary"`
	Gates        *gate.Report `json:"gates,omitempty"`
	Merge        *MergeResult `json:"merge,omitempty"`
	EscalationID string       `json:"escalation_id,omitempty"`
	Err          error        `json:"-"`
}

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Config       *config.Config
	Git          *git.Client
	Checkouts    workspace.Manager
	Tasks        tasks.Backend
	Gates        *gate.Runner
	Lock         *lock.MergeLock
	Conflicts    *pending.Store
	GateFailures *pending.Store
	Journal      *journal.Journal
	Hub          *events.Hub
	Logger       *slog.Logger
}

// Pipeline runs integration for one slot at a time. It holds no per-run
// state, so the dispatcher and both retry sweeps share one instance.
type Pipeline struct {
	cfg          *config.Config
	git          *git.Client
	checkouts    workspace.Manager
	tasks        tasks.Backend
	gates        *gate.Runner
	lock         *lock.MergeLock
	conflicts    *pending.Store
	gateFailures *pending.Store
	journal      *journal.Journal
	hub          *events.Hub
	logger       *slog.Logger

	scratch  map[string]struct{}
	keepOurs map[string]struct{}
}

func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := d.Git
	if g == nil {
		g = git.New()
	}
	p := &Pipeline{
		cfg:          d.Config,
		git:          g,
		checkouts:    d.Checkouts,
		tasks:        d.Tasks,
		gates:        d.Gates,
		lock:         d.Lock,
		conflicts:    d.Conflicts,
		gateFailures: d.GateFailures,
		journal:      d.Journal,
		hub:          d.Hub,
		logger:       logger.With("component", "integrate"),
		scratch:      make(map[string]struct{}),
		keepOurs:     make(map[string]struct{}),
	}
	if p.gates == nil {
		p.gates = gate.New(nil, false, logger)
	}
	for _, f := range d.Config.ScratchFiles() {
		p.scratch[f] = struct{}{}
	}
	for _, f := range d.Config.Integration.KeepOurs {
		p.keepOurs[strings.TrimPrefix(f, "./")] = struct{}{}
	}
	return p
}

// Conflicts is the pending-conflict record store.
func (p *Pipeline) Conflicts() *pending.Store { return p.conflicts }

// GateFailures is the pending-gate record store.
func (p *Pipeline) GateFailures() *pending.Store { return p.gateFailures }

// Run executes capture, summarize, validate and merge for the task that just
// finished in slot. The merge lock is never held when Run returns.
//
// Cancelling ctx interrupts only the gates and the wait for the merge lock.
// Git writes and task bookkeeping always finish.
func (p *Pipeline) Run(ctx context.Context, slot workspace.Slot, taskID, assignmentID string) Result {
	work := context.WithoutCancel(ctx)
	logger := p.logger.With("slot", slot.Index, "branch", slot.Branch, "task_id", taskID)
	res := Result{Slot: slot.Index, Branch: slot.Branch, TaskID: taskID}

	if config.Enabled(p.cfg.Tasks.IngestSuggestions, true) && p.cfg.Agent.SuggestionsFile != "" {
		n, err := tasks.IngestSuggestions(work, p.tasks, joinSlot(slot, p.cfg.Agent.SuggestionsFile))
		if err != nil {
			logger.Warn("failed to ingest suggested tasks", "error", err)
		} else if n > 0 {
			logger.Info("ingested suggested tasks", "count", n)
		}
	}

	captured, err := p.Capture(work, slot)
	if err != nil {
		logger.Error("capture failed", "error", err)
		res.Outcome, res.Err = OutcomeError, err
		p.releaseTask(work, logger, taskID)
		return p.finish(work, res, assignmentID)
	}
	res.Captured = captured

	res.Summary = p.Summarize(work, slot)
	logger.Info("branch summary", "files_changed", len(res.Summary.Files), "commits", res.Summary.Commits, "captured", captured)

	report := p.Validate(ctx, slot)
	res.Gates = &report
	if !report.Passed && ctx.Err() != nil {
		logger.Warn("validation interrupted, returning task", "error", ctx.Err())
		res.Outcome, res.Err = OutcomeError, fmt.Errorf("validation interrupted: %w", ctx.Err())
		p.releaseTask(work, logger, taskID)
		return p.finish(work, res, assignmentID)
	}
	if !report.Passed {
		id, err := p.EscalateGateFailure(work, slot, report)
		if err != nil {
			logger.Error("failed to escalate gate failure", "error", err)
		}
		res.Outcome, res.EscalationID = OutcomeGateFailed, id
		logger.Warn("quality gates failed, merge withheld", "failure", report.Failure, "escalation_id", id)
		p.settleBlocked(work, logger, taskID, id)
		return p.finish(work, res, assignmentID)
	}

	if !config.Enabled(p.cfg.Integration.AutoMerge, true) {
		logger.Info("auto merge disabled, leaving work on branch")
		res.Outcome = OutcomeSkipped
		p.closeTask(work, logger, taskID)
		return p.finish(work, res, assignmentID)
	}

	mr := p.Merge(ctx, slot, p.cfg.Integration.LockTimeout)
	res.Merge = &mr
	switch {
	case mr.Merged():
		res.Outcome = OutcomeMerged
		if mr.Err != nil {
			logger.Error("merged but checkout reset failed", "error", mr.Err)
		}
		logger.Info("merged into mainline", "status", mr.Status)
		p.closeTask(work, logger, taskID)
	case mr.Status == MergeConflict:
		id, err := p.EscalateConflict(work, slot, mr)
		if err != nil {
			logger.Error("failed to escalate merge conflict", "error", err)
		}
		res.Outcome, res.EscalationID = OutcomeConflict, id
		logger.Warn("merge conflict, escalated", "conflicted", mr.Conflicted, "escalation_id", id)
		p.settleBlocked(work, logger, taskID, id)
	case mr.Status == MergeLockTimeout:
		res.Outcome = OutcomeLockTimeout
		logger.Info("merge lock busy, deferring merge", "timeout", p.cfg.Integration.LockTimeout)
		p.closeTask(work, logger, taskID)
	default:
		res.Outcome, res.Err = OutcomeError, mr.Err
		logger.Error("merge failed", "error", mr.Err)
		p.releaseTask(work, logger, taskID)
	}
	return p.finish(work, res, assignmentID)
}

// Validate runs the quality gates inside the slot's checkout.
func (p *Pipeline) Validate(ctx context.Context, slot workspace.Slot) gate.Report {
	return p.gates.Run(ctx, slot.Path)
}

func (p *Pipeline) finish(ctx context.Context, res Result, assignmentID string) Result {
	rec := journal.Integration{
		AssignmentID: assignmentID,
		Source:       SourcePipeline,
		Slot:         res.Slot,
		Branch:       res.Branch,
		TaskID:       res.TaskID,
		Outcome:      string(res.Outcome),
		FilesChanged: len(res.Summary.Files),
		Commits:      res.Summary.Commits,
		EscalationID: res.EscalationID,
		Detail:       resultDetail(res),
	}
	if _, err := p.journal.RecordIntegration(ctx, rec); err != nil {
		p.logger.Warn("failed to journal integration", "error", err)
	}
	p.hub.Publish(events.IntegrationFinished, rec)
	return res
}

func resultDetail(res Result) string {
	switch {
	case res.Err != nil:
		return res.Err.Error()
	case res.Gates != nil && !res.Gates.Passed:
		return res.Gates.Failure
	case res.Merge != nil:
		if res.Merge.Detail != "" {
			return res.Merge.Detail
		}
		return string(res.Merge.Status)
	}
	return ""
}

func (p *Pipeline) closeTask(ctx context.Context, logger *slog.Logger, taskID string) {
	if taskID == "" {
		return
	}
	if err := p.tasks.Close(ctx, taskID); err != nil {
		logger.Warn("failed to close task", "error", err)
	}
}

// settleBlocked closes a task whose branch ended up blocked, unless the task
// is the branch's own escalation: that one stays open for a person, since
// closing it would retry a branch nobody fixed.
func (p *Pipeline) settleBlocked(ctx context.Context, logger *slog.Logger, taskID, escalationID string) {
	if taskID != "" && taskID == escalationID {
		logger.Warn("escalation did not unblock its branch, leaving it open")
		p.releaseTask(ctx, logger, taskID)
		return
	}
	p.closeTask(ctx, logger, taskID)
}

func (p *Pipeline) releaseTask(ctx context.Context, logger *slog.Logger, taskID string) {
	if taskID == "" {
		return
	}
	if err := p.tasks.Release(ctx, taskID); err != nil {
		logger.Warn("failed to release task", "error", err)
	}
}
