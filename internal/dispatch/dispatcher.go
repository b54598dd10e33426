package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/foreman/internal/agent"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/integrate"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/retry"
	"github.com/mattjoyce/foreman/internal/tasks"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// shutdownTimeout bounds the task and journal bookkeeping done after the
// context is cancelled.
const shutdownTimeout = 10 * time.Second

// WorkerSlot is one checkout plus the task and agent currently bound to it.
type WorkerSlot struct {
	workspace.Slot
	TaskID     string
	Title      string
	AssignedAt time.Time
	JournalID  string
	proc       *agent.Process
}

func (w *WorkerSlot) free() bool { return w.TaskID == "" }

func (w *WorkerSlot) clear() {
	w.TaskID, w.Title, w.JournalID = "", "", ""
	w.AssignedAt = time.Time{}
	w.proc = nil
}

// SlotState is a read-only view of a WorkerSlot.
type SlotState struct {
	Index      int        `json:"index"`
	Path       string     `json:"path"`
	Branch     string     `json:"branch"`
	TaskID     string     `json:"task_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Running    bool       `json:"running"`
}

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Config   *config.Config
	Pool     workspace.Manager
	Tasks    tasks.Backend
	Runner   *agent.Runner
	Pipeline *integrate.Pipeline
	Lock     *lock.MergeLock
	Journal  *journal.Journal
	Hub      *events.Hub
	Logger   *slog.Logger
}

// Dispatcher owns the slots and the set of tasks assigned during this run.
// All mutation happens on the goroutine running Start (or Tick/RunOnce);
// Snapshot may be called from anywhere.
type Dispatcher struct {
	cfg      *config.Config
	pool     workspace.Manager
	tasks    tasks.Backend
	runner   *agent.Runner
	pipeline *integrate.Pipeline
	lock     *lock.MergeLock
	journal  *journal.Journal
	hub      *events.Hub
	logger   *slog.Logger
	sweepers []*retry.Sweeper

	mu       sync.RWMutex
	slots    []*WorkerSlot
	assigned map[string]struct{}
}

// TickReport summarizes one scheduling pass.
type TickReport struct {
	Assigned   int                `json:"assigned"`
	Integrated []integrate.Result `json:"integrated,omitempty"`
}

func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	disp := &Dispatcher{
		cfg:      d.Config,
		pool:     d.Pool,
		tasks:    d.Tasks,
		runner:   d.Runner,
		pipeline: d.Pipeline,
		lock:     d.Lock,
		journal:  d.Journal,
		hub:      d.Hub,
		logger:   logger,
		assigned: make(map[string]struct{}),
	}
	for _, s := range d.Pool.Slots() {
		disp.slots = append(disp.slots, &WorkerSlot{Slot: s})
	}

	rd := retry.Deps{
		Pipeline:    d.Pipeline,
		Tasks:       d.Tasks,
		Slots:       d.Pool,
		Busy:        disp.busy,
		LockTimeout: d.Config.Integration.RetryLockTimeout,
		Journal:     d.Journal,
		Hub:         d.Hub,
		Logger:      logger,
	}
	disp.sweepers = []*retry.Sweeper{retry.ConflictSweeper(rd), retry.GateSweeper(rd)}
	return disp
}

// Prepare clears a leftover merge lock and makes sure every checkout exists.
// Callers hold the instance lock, so no other dispatcher can be merging and
// any sentinel found here is abandoned. Errors here are fatal configuration
// problems.
func (d *Dispatcher) Prepare(ctx context.Context) error {
	if d.lock != nil {
		holder, cleared, err := d.lock.ClearAbandoned()
		if err != nil {
			return fmt.Errorf("clear abandoned merge lock: %w", err)
		}
		if cleared {
			attrs := []any{"path", d.lock.Path()}
			if holder != nil {
				attrs = append(attrs, "holder_pid", holder.PID, "holder_started_at", holder.StartedAt)
			}
			d.logger.Warn("removed abandoned merge lock", attrs...)
		}
	}
	if _, err := d.pool.Ensure(ctx); err != nil {
		return fmt.Errorf("prepare checkouts: %w", err)
	}

	ready, err := d.tasks.ListReady(ctx)
	if err != nil {
		d.logger.Warn("task backend unavailable", "backend", d.tasks.Name(), "error", err)
	}
	d.logger.Info("dispatcher ready",
		"backend", d.tasks.Name(),
		"slots", len(d.slots),
		"ready_tasks", len(ready),
		"run_id", d.journal.RunID(),
	)
	return nil
}

// Start prepares the pool and runs the scheduling loop until ctx is
// cancelled. Running agents are terminated on the way out; pending records and
// the merge lock file stay on disk for the next run.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Prepare(ctx); err != nil {
		return err
	}
	d.logger.Info("dispatch loop started", "tick", d.cfg.Service.TickInterval, "retry_interval", d.cfg.Integration.RetryInterval)
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.cfg.Service.TickInterval)
	defer ticker.Stop()
	retryTicker := time.NewTicker(d.cfg.Integration.RetryInterval)
	defer retryTicker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-ticker.C:
			d.Tick(ctx)
		case <-retryTicker.C:
			d.Sweep(ctx)
		}
	}
}

// RunOnce fills the free slots, waits for every agent to finish, integrates
// the results and runs both sweeps.
func (d *Dispatcher) RunOnce(ctx context.Context) (TickReport, error) {
	if err := d.Prepare(ctx); err != nil {
		return TickReport{}, err
	}
	rep := d.Tick(ctx)

	for _, ws := range d.slots {
		if ws.proc == nil {
			continue
		}
		select {
		case <-ws.proc.Done():
		case <-ctx.Done():
			d.shutdown()
			return rep, ctx.Err()
		}
	}
	for _, ws := range d.slots {
		if ws.proc != nil {
			rep.Integrated = append(rep.Integrated, d.complete(ctx, ws))
		}
	}
	d.Sweep(ctx)
	return rep, nil
}

// Tick runs one scheduling pass over every slot: integrate finished agents,
// then hand free slots new work.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	var rep TickReport
	var (
		ready   []tasks.Task
		owners  map[string]string
		fetched bool
	)
	for _, ws := range d.slots {
		if ctx.Err() != nil {
			return rep
		}
		if ws.proc != nil {
			if !ws.proc.Exited() {
				continue
			}
			rep.Integrated = append(rep.Integrated, d.complete(ctx, ws))
		}
		if !ws.free() {
			continue
		}
		if !fetched {
			ready, owners, fetched = d.listReady(ctx), d.escalationOwners(), true
		}
		task, ok := d.next(ready, owners, ws.Branch)
		if !ok {
			continue
		}
		if d.assign(ctx, ws, task) {
			rep.Assigned++
		}
	}
	return rep
}

// Sweep runs the conflict sweep and then the gate sweep.
func (d *Dispatcher) Sweep(ctx context.Context) []retry.Report {
	out := make([]retry.Report, 0, len(d.sweepers))
	for _, s := range d.sweepers {
		out = append(out, s.Sweep(ctx))
	}
	return out
}

// Snapshot copies the slot states.
func (d *Dispatcher) Snapshot() []SlotState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]SlotState, 0, len(d.slots))
	for _, ws := range d.slots {
		st := SlotState{Index: ws.Index, Path: ws.Path, Branch: ws.Branch, TaskID: ws.TaskID, Title: ws.Title}
		if !ws.AssignedAt.IsZero() {
			at := ws.AssignedAt
			st.AssignedAt = &at
		}
		if ws.proc != nil {
			st.PID = ws.proc.PID()
			st.Running = !ws.proc.Exited()
		}
		out = append(out, st)
	}
	return out
}

func (d *Dispatcher) listReady(ctx context.Context) []tasks.Task {
	ready, err := d.tasks.ListReady(ctx)
	if err != nil {
		d.logger.Warn("could not list ready tasks, skipping this cycle", "backend", d.tasks.Name(), "error", err)
		return nil
	}
	return ready
}

// escalationOwners maps each recorded escalation task id to the branch it
// blocks.
func (d *Dispatcher) escalationOwners() map[string]string {
	owners := make(map[string]string)
	for _, store := range []*pending.Store{d.pipeline.Conflicts(), d.pipeline.GateFailures()} {
		if store == nil {
			continue
		}
		records, err := store.All()
		if err != nil {
			d.logger.Warn("could not read pending records", "path", store.Path(), "error", err)
			continue
		}
		for _, r := range records {
			owners[r.TaskID] = r.Branch
		}
	}
	return owners
}

// next picks work for the slot on branch. An escalation only ever goes to the
// slot whose branch it blocks, and that slot takes it before anything else.
func (d *Dispatcher) next(ready []tasks.Task, owners map[string]string, branch string) (tasks.Task, bool) {
	var fallback *tasks.Task
	for i, t := range ready {
		if _, taken := d.assigned[t.ID]; taken || t.Closed() {
			continue
		}
		owner, escalation := owners[t.ID]
		switch {
		case escalation && owner == branch:
			return t, true
		case !escalation && fallback == nil:
			fallback = &ready[i]
		}
	}
	if fallback == nil {
		return tasks.Task{}, false
	}
	return *fallback, true
}

func (d *Dispatcher) assign(ctx context.Context, ws *WorkerSlot, task tasks.Task) bool {
	logger := d.logger.With("slot", ws.Index, "task_id", task.ID)

	if err := d.tasks.Claim(ctx, task.ID); err != nil {
		logger.Warn("failed to claim task", "error", err)
	}
	d.assigned[task.ID] = struct{}{}

	instruction := agent.BuildInstruction(task, d.cfg.Agent.Preamble, d.cfg.Agent.SuggestionsFile)
	proc, err := d.runner.Launch(ws.Slot, instruction)
	if err != nil {
		logger.Error("failed to launch agent", "error", err)
		delete(d.assigned, task.ID)
		if rerr := d.tasks.Release(ctx, task.ID); rerr != nil {
			logger.Warn("failed to release task", "error", rerr)
		}
		return false
	}

	journalID, err := d.journal.RecordAssignment(ctx, ws.Index, ws.Branch, task.ID, task.Title)
	if err != nil {
		logger.Warn("failed to journal assignment", "error", err)
	}

	d.mu.Lock()
	ws.TaskID, ws.Title, ws.AssignedAt, ws.JournalID, ws.proc = task.ID, task.Title, time.Now().UTC(), journalID, proc
	d.mu.Unlock()

	logger.Info("task assigned", "title", task.Title, "pid", proc.PID())
	d.hub.Publish(events.SlotAssigned, map[string]any{
		"slot": ws.Index, "branch": ws.Branch, "task_id": task.ID, "title": task.Title,
	})
	return true
}

// complete integrates the slot's finished work and frees the slot.
func (d *Dispatcher) complete(ctx context.Context, ws *WorkerSlot) integrate.Result {
	code, timedOut := ws.proc.ExitCode(), ws.proc.TimedOut()
	logger := d.logger.With("slot", ws.Index, "task_id", ws.TaskID)
	logger.Info("agent finished", "exit_code", code, "timed_out", timedOut, "elapsed", time.Since(ws.AssignedAt).Truncate(time.Second))

	if err := d.journal.FinishAssignment(ctx, ws.JournalID, code, timedOut); err != nil {
		logger.Warn("failed to journal agent exit", "error", err)
	}
	d.hub.Publish(events.SlotExited, map[string]any{
		"slot": ws.Index, "task_id": ws.TaskID, "exit_code": code, "timed_out": timedOut,
	})

	res := d.pipeline.Run(ctx, ws.Slot, ws.TaskID, ws.JournalID)
	if res.Outcome == integrate.OutcomeError {
		// The pipeline released the task; let it be picked again.
		delete(d.assigned, ws.TaskID)
	}

	d.mu.Lock()
	ws.clear()
	d.mu.Unlock()
	return res
}

func (d *Dispatcher) busy(slot int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ws := range d.slots {
		if ws.Index == slot {
			return ws.proc != nil && !ws.proc.Exited()
		}
	}
	return false
}

// shutdown terminates every running agent and returns its task to the pool.
func (d *Dispatcher) shutdown() {
	d.hub.Publish(events.DispatcherStopping, nil)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, ws := range d.slots {
		ws := ws
		if ws.proc == nil || ws.proc.Exited() {
			continue
		}
		g.Go(func() error {
			d.logger.Info("terminating agent", "slot", ws.Index, "pid", ws.proc.PID())
			ws.proc.Terminate()
			return nil
		})
	}
	_ = g.Wait()

	for _, ws := range d.slots {
		if ws.proc == nil {
			continue
		}
		if err := d.journal.FinishAssignment(ctx, ws.JournalID, ws.proc.ExitCode(), ws.proc.TimedOut()); err != nil {
			d.logger.Warn("failed to journal agent exit", "slot", ws.Index, "error", err)
		}
		if err := d.tasks.Release(ctx, ws.TaskID); err != nil {
			d.logger.Warn("failed to release task", "slot", ws.Index, "task_id", ws.TaskID, "error", err)
		}
		d.mu.Lock()
		ws.clear()
		d.mu.Unlock()
	}
}
