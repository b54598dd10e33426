// Package retry re-attempts integration of branches parked behind an
// escalation task once that task is closed.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/integrate"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/tasks"
	"github.com/mattjoyce/foreman/internal/workspace"
)

const (
	NameConflict = "conflict-retry"
	NameGate     = "gate-retry"
)

// TaskChecker answers whether an escalation task has been closed.
type TaskChecker interface {
	IsClosed(ctx context.Context, id string) (bool, error)
}

// SlotResolver maps a recorded branch back to its slot.
type SlotResolver interface {
	SlotForBranch(branch string) (workspace.Slot, bool)
}

// Merger performs the merge step of the integration pipeline.
type Merger interface {
	Merge(ctx context.Context, slot workspace.Slot, timeout time.Duration) integrate.MergeResult
}

// PreMergeFunc runs before the merge. Returning false keeps the branch
// unmerged and its record in place.
type PreMergeFunc func(ctx context.Context, slot workspace.Slot, rec pending.Record) bool

// ConflictFunc handles a merge that conflicted during a retry.
type ConflictFunc func(ctx context.Context, slot workspace.Slot, rec pending.Record, res integrate.MergeResult)

// Report counts what one sweep did.
type Report struct {
	Queue   string `json:"queue"`
	Checked int    `json:"checked"`
	Waiting int    `json:"waiting"`
	Merged  int    `json:"merged"`
	Dropped int    `json:"dropped"`
	Kept    int    `json:"kept"`
}

// Sweeper is the generic closure-triggered retry engine. Both retry queues
// are Sweepers that differ only in PreMerge and OnMergeConflict.
type Sweeper struct {
	Name            string
	Records         *pending.Store
	Tasks           TaskChecker
	Slots           SlotResolver
	Merger          Merger
	PreMerge        PreMergeFunc
	OnMergeConflict ConflictFunc
	// Busy reports whether an agent is running in the slot right now.
	Busy        func(slot int) bool
	LockTimeout time.Duration
	Journal     *journal.Journal
	Hub         *events.Hub
	Logger      *slog.Logger
}

// Sweep walks every record once.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	logger := s.logger()
	rep := Report{Queue: s.Name}

	records, err := s.Records.All()
	if err != nil {
		logger.Error("failed to read pending records", "error", err)
		return rep
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		s.sweepOne(ctx, logger.With("branch", rec.Branch, "escalation_id", rec.TaskID), rec, &rep)
	}
	if rep.Checked > 0 {
		logger.Debug("sweep finished", "checked", rep.Checked, "waiting", rep.Waiting, "merged", rep.Merged, "dropped", rep.Dropped, "kept", rep.Kept)
	}
	return rep
}

func (s *Sweeper) sweepOne(ctx context.Context, logger *slog.Logger, rec pending.Record, rep *Report) {
	closed, err := s.Tasks.IsClosed(ctx, rec.TaskID)
	if errors.Is(err, tasks.ErrNotFound) {
		// Nobody can close an escalation that no longer exists.
		logger.Warn("escalation task is gone, dropping pending record")
		s.drop(logger, rec, "escalation task not found")
		rep.Dropped++
		return
	}
	if err != nil {
		logger.Warn("could not check escalation task", "error", err)
		rep.Waiting++
		return
	}
	if !closed {
		rep.Waiting++
		return
	}

	slot, ok := s.Slots.SlotForBranch(rec.Branch)
	if !ok {
		logger.Warn("dropping pending record for unknown branch")
		s.drop(logger, rec, "unknown branch")
		rep.Dropped++
		return
	}

	if s.Busy != nil && s.Busy(slot.Index) {
		logger.Debug("slot busy, retrying later", "slot", slot.Index)
		rep.Kept++
		return
	}

	if s.PreMerge != nil && !s.PreMerge(ctx, slot, rec) {
		rep.Kept++
		s.journal(ctx, slot, rec, "gate_failed", "")
		return
	}

	res := s.Merger.Merge(ctx, slot, s.LockTimeout)
	switch {
	case res.Merged():
		if res.Err != nil {
			logger.Error("merged but checkout reset failed", "error", res.Err)
		}
		s.remove(logger, rec.Branch)
		rep.Merged++
		logger.Info("retry merged branch", "slot", slot.Index, "status", res.Status)
		s.journal(ctx, slot, rec, string(integrate.OutcomeMerged), string(res.Status))
		s.Hub.Publish(events.RetryMerged, map[string]any{"sweep": s.Name, "slot": slot.Index, "branch": rec.Branch, "status": res.Status})
	case res.Status == integrate.MergeConflict:
		rep.Kept++
		logger.Warn("retry merge still conflicts", "slot", slot.Index, "conflicted", res.Conflicted)
		if s.OnMergeConflict != nil {
			s.OnMergeConflict(ctx, slot, rec, res)
		}
		s.journal(ctx, slot, rec, string(integrate.OutcomeConflict), res.Detail)
	case res.Status == integrate.MergeLockTimeout:
		rep.Kept++
		logger.Info("merge lock busy, retrying later", "slot", slot.Index)
	default:
		rep.Kept++
		logger.Error("retry merge failed", "slot", slot.Index, "error", res.Err)
	}
}

func (s *Sweeper) drop(logger *slog.Logger, rec pending.Record, reason string) {
	s.remove(logger, rec.Branch)
	s.Hub.Publish(events.RetryDropped, map[string]any{"sweep": s.Name, "branch": rec.Branch, "task_id": rec.TaskID, "reason": reason})
}

func (s *Sweeper) remove(logger *slog.Logger, branch string) {
	if err := s.Records.Remove(branch); err != nil {
		logger.Error("failed to remove pending record", "error", err)
	}
}

func (s *Sweeper) journal(ctx context.Context, slot workspace.Slot, rec pending.Record, outcome, detail string) {
	_, err := s.Journal.RecordIntegration(ctx, journal.Integration{
		Source:       s.Name,
		Slot:         slot.Index,
		Branch:       rec.Branch,
		Outcome:      outcome,
		EscalationID: rec.TaskID,
		Detail:       detail,
	})
	if err != nil {
		s.logger().Warn("failed to journal retry", "error", err)
	}
}

func (s *Sweeper) logger() *slog.Logger {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "retry", "sweep", s.Name)
}
