package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/integrate"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// Deps are shared by both retry queues.
type Deps struct {
	Pipeline    *integrate.Pipeline
	Tasks       TaskChecker
	Slots       SlotResolver
	Busy        func(slot int) bool
	LockTimeout time.Duration
	Journal     *journal.Journal
	Hub         *events.Hub
	Logger      *slog.Logger
}

func (d Deps) base(name string, records *pending.Store) *Sweeper {
	return &Sweeper{
		Name:        name,
		Records:     records,
		Tasks:       d.Tasks,
		Slots:       d.Slots,
		Merger:      d.Pipeline,
		Busy:        d.Busy,
		LockTimeout: d.LockTimeout,
		Journal:     d.Journal,
		Hub:         d.Hub,
		Logger:      d.Logger,
	}
}

// ConflictSweeper re-merges branches whose conflict escalation was closed. A
// branch that conflicts again gets a fresh escalation.
func ConflictSweeper(d Deps) *Sweeper {
	s := d.base(NameConflict, d.Pipeline.Conflicts())
	s.OnMergeConflict = func(ctx context.Context, slot workspace.Slot, rec pending.Record, res integrate.MergeResult) {
		reescalateConflict(ctx, s, d.Pipeline, slot, rec, res)
	}
	return s
}

// GateSweeper re-validates branches whose gate escalation was closed and
// merges them only when the gates now pass. A merge conflict moves the branch
// to the conflict queue.
func GateSweeper(d Deps) *Sweeper {
	s := d.base(NameGate, d.Pipeline.GateFailures())
	s.PreMerge = func(ctx context.Context, slot workspace.Slot, rec pending.Record) bool {
		report := d.Pipeline.Validate(ctx, slot)
		if report.Passed {
			return true
		}
		id, err := d.Pipeline.EscalateGateFailure(ctx, slot, report)
		logger := s.logger().With("branch", rec.Branch)
		if err != nil {
			logger.Error("failed to re-escalate gate failure", "error", err)
			return false
		}
		if id == "" {
			// Escalation is off; nothing left to wait for.
			s.remove(logger, rec.Branch)
			return false
		}
		logger.Warn("gates still failing, re-escalated", "failure", report.Failure, "escalation_id", id)
		return false
	}
	s.OnMergeConflict = func(ctx context.Context, slot workspace.Slot, rec pending.Record, res integrate.MergeResult) {
		s.remove(s.logger(), rec.Branch)
		reescalateConflict(ctx, s, d.Pipeline, slot, rec, res)
	}
	return s
}

func reescalateConflict(ctx context.Context, s *Sweeper, p *integrate.Pipeline, slot workspace.Slot, rec pending.Record, res integrate.MergeResult) {
	logger := s.logger().With("branch", rec.Branch)
	id, err := p.EscalateConflict(ctx, slot, res)
	if err != nil {
		logger.Error("failed to re-escalate merge conflict", "error", err)
		return
	}
	if id == "" {
		if err := p.Conflicts().Remove(rec.Branch); err != nil {
			logger.Error("failed to remove pending record", "error", err)
		}
		return
	}
	logger.Info("merge conflict re-escalated", "escalation_id", id)
}
