// Package dispatch is the scheduling loop: it fills idle slots with ready
// tasks, polls agent liveness, and hands finished slots to the integration
// pipeline.
//
// Loop structure:
//   - One goroutine runs Start. It never blocks on an agent; each tick polls
//     Exited on every occupied slot.
//   - A finished slot is integrated (capture, summarize, validate, merge) and
//     then immediately offered new work in the same tick.
//   - The retry ticker runs the conflict sweep, then the gate sweep, on the
//     same goroutine. A sweep skips a slot whose agent is still running.
//
// Assignment:
//   - The first ready task not already assigned in this run is claimed and
//     its instruction written into the checkout.
//   - A launch failure releases the task and leaves the slot free.
//   - A capture or merge error releases the task and forgets the assignment
//     so a later tick can retry it.
//
// Shutdown:
//   - Running agents get SIGTERM, then SIGKILL after the grace period, and
//     their tasks are released.
//   - Pending records and the merge lock file stay on disk. A lock owned by
//     a dead process is cleared by the next Prepare.
package dispatch
