// Package journal keeps an append-only SQLite record of assignments and
// integration outcomes. It is read by `foreman history` and the status API and
// never consulted for control flow.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxDetailBytes = 8 * 1024

// Fixed-width timestamps so lexical order in SQLite matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Assignment is one task handed to one slot.
type Assignment struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	Slot      int        `json:"slot"`
	Branch    string     `json:"branch"`
	TaskID    string     `json:"task_id"`
	Title     string     `json:"title,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	TimedOut  bool       `json:"timed_out"`
}

// Integration is one pipeline or retry outcome.
type Integration struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	Source       string    `json:"source"`
	Slot         int       `json:"slot"`
	Branch       string    `json:"branch"`
	TaskID       string    `json:"task_id,omitempty"`
	Outcome      string    `json:"outcome"`
	FilesChanged int       `json:"files_changed"`
	Commits      int       `json:"commits"`
	EscalationID string    `json:"escalation_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Journal writes under a single run id. A nil *Journal discards everything.
type Journal struct {
	db    *sql.DB
	runID string
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, runID: uuid.NewString()}
}

func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// RecordAssignment inserts an open assignment and returns its id.
func (j *Journal) RecordAssignment(ctx context.Context, slot int, branch, taskID, title string) (string, error) {
	if j == nil {
		return "", nil
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(timeFormat)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO assignments(id, run_id, slot, branch, task_id, title, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, j.runID, slot, branch, taskID, title, now)
	if err != nil {
		return "", fmt.Errorf("record assignment: %w", err)
	}
	return id, nil
}

// FinishAssignment stamps the end of an assignment.
func (j *Journal) FinishAssignment(ctx context.Context, id string, exitCode int, timedOut bool) error {
	if j == nil || id == "" {
		return nil
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err := j.db.ExecContext(ctx, `
UPDATE assignments SET ended_at = ?, exit_code = ?, timed_out = ? WHERE id = ?;
`, now, exitCode, boolToInt(timedOut), id)
	if err != nil {
		return fmt.Errorf("finish assignment %s: %w", id, err)
	}
	return nil
}

// RecordIntegration appends an outcome and returns its id.
func (j *Journal) RecordIntegration(ctx context.Context, rec Integration) (string, error) {
	if j == nil {
		return "", nil
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(timeFormat)
	if len(rec.Detail) > maxDetailBytes {
		rec.Detail = rec.Detail[:maxDetailBytes]
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO integrations(
  id, run_id, assignment_id, source, slot, branch, task_id, outcome,
  files_changed, commits, escalation_id, detail, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, j.runID, nullString(rec.AssignmentID), rec.Source, rec.Slot, rec.Branch, nullString(rec.TaskID), rec.Outcome,
		rec.FilesChanged, rec.Commits, nullString(rec.EscalationID), nullString(rec.Detail), now)
	if err != nil {
		return "", fmt.Errorf("record integration: %w", err)
	}
	return id, nil
}

// Recent returns the newest integration outcomes across all runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Integration, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, assignment_id, source, slot, branch, task_id, outcome,
       files_changed, commits, escalation_id, detail, created_at
FROM integrations
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var (
			rec                                        Integration
			assignmentID, taskID, escalationID, detail sql.NullString
			createdAtS                                 string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &assignmentID, &rec.Source, &rec.Slot, &rec.Branch, &taskID, &rec.Outcome,
			&rec.FilesChanged, &rec.Commits, &escalationID, &detail, &createdAtS); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		rec.AssignmentID = assignmentID.String
		rec.TaskID = taskID.String
		rec.EscalationID = escalationID.String
		rec.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentAssignments returns the newest assignments, newest first.
func (j *Journal) RecentAssignments(ctx context.Context, limit int) ([]Assignment, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, run_id, slot, branch, task_id, title, started_at, ended_at, exit_code, timed_out
FROM assignments
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a          Assignment
			title      sql.NullString
			startedAtS string
			endedAtS   sql.NullString
			exitCode   sql.NullInt64
			timedOut   int
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Slot, &a.Branch, &a.TaskID, &title, &startedAtS, &endedAtS, &exitCode, &timedOut); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Title = title.String
		a.TimedOut = timedOut != 0
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			a.StartedAt = t
		}
		if endedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, endedAtS.String); err == nil {
				a.EndedAt = &t
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			a.ExitCode = &code
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
