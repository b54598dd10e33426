package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Runner executes the ledger command with args and returns stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs Command as a subprocess in Dir.
type ExecRunner struct {
	Command string
	Dir     string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s: %w: %s", r.Command, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Ledger is the Backend over a structured command-line ledger (bd).
type Ledger struct {
	runner Runner
	logger *slog.Logger
}

var (
	_ Backend      = (*Ledger)(nil)
	_ ChildCreator = (*Ledger)(nil)
)

func NewLedger(runner Runner, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{runner: runner, logger: logger.With("component", "tasks", "backend", "ledger")}
}

func (l *Ledger) Name() string { return "ledger" }

// issue is the ledger's record. Different ledger versions use different key
// names, so the alternates are folded in normalize.
type issue struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (i issue) normalize() Task {
	t := Task{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Status:      normalizeStatus(strings.ToLower(i.Status)),
	}
	if t.ID == "" {
		t.ID = i.Key
	}
	if t.Title == "" {
		t.Title = i.Summary
	}
	return t
}

// issueList accepts either a bare JSON array or an object wrapping the array
// under one of the known keys.
type issueList []issue

func (l *issueList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = nil
		return nil
	}
	if trimmed[0] == '[' {
		var items []issue
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return err
	}
	for _, key := range []string{"issues", "items", "tasks"} {
		if raw, ok := wrapper[key]; ok {
			var items []issue
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("decode %q: %w", key, err)
			}
			*l = items
			return nil
		}
	}
	// A single object (e.g. "show" output) is a list of one.
	var one issue
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return err
	}
	if one.ID == "" && one.Key == "" {
		return fmt.Errorf("unrecognized ledger response shape")
	}
	*l = issueList{one}
	return nil
}

func (l *Ledger) list(ctx context.Context, args ...string) ([]Task, error) {
	out, err := l.runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var items issueList
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("parse %q output: %w", strings.Join(args, " "), err)
	}
	tasks := make([]Task, 0, len(items))
	for _, it := range items {
		t := it.normalize()
		if t.ID == "" {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListReady asks the ledger for ready work, parsing plain text when the JSON
// output is unusable. With nothing ready it falls back to every open task.
func (l *Ledger) ListReady(ctx context.Context) ([]Task, error) {
	ready, err := l.list(ctx, "ready", "--json")
	if err != nil {
		l.logger.Debug("ready --json unusable, trying plain output", "error", err)
		ready, err = l.plain(ctx, "ready")
	}
	if err == nil {
		if ready = openOnly(ready); len(ready) > 0 {
			return ready, nil
		}
	}

	// Dependencies the ledger cannot express should not starve the pool.
	open, openErr := l.listOpen(ctx)
	switch {
	case openErr == nil:
		return open, nil
	case err != nil:
		return nil, fmt.Errorf("list ready tasks: %w (open listing: %v)", err, openErr)
	default:
		return nil, openErr
	}
}

// listOpen tries the open listings from most to least structured and returns
// the first that yields tasks.
func (l *Ledger) listOpen(ctx context.Context) ([]Task, error) {
	attempts := [][]string{
		{"list", "--status", "open", "--json"},
		{"list", "--json"},
		{"list", "--status", "open"},
		{"list"},
	}
	var lastErr error
	answered := false
	for _, args := range attempts {
		var (
			got []Task
			err error
		)
		if args[len(args)-1] == "--json" {
			got, err = l.list(ctx, args...)
		} else {
			got, err = l.plain(ctx, args...)
		}
		if err != nil {
			lastErr = err
			continue
		}
		answered = true
		if got = openOnly(got); len(got) > 0 {
			return got, nil
		}
	}
	if answered {
		return nil, nil
	}
	return nil, lastErr
}

var ledgerIDPattern = regexp.MustCompile(`\b([a-z]+-[a-zA-Z0-9]+)\b`)

// plain runs a ledger command without --json and takes the first id-shaped
// token on each line, the rest of the line being the title.
func (l *Ledger) plain(ctx context.Context, args ...string) ([]Task, error) {
	out, err := l.runner.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var tasks []Task
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		loc := ledgerIDPattern.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		id := line[loc[2]:loc[3]]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		title := strings.TrimSpace(strings.TrimLeft(line[loc[3]:], ":-] "))
		if title == "" {
			title = id
		}
		tasks = append(tasks, Task{ID: id, Title: title, Status: StatusPending})
	}
	return tasks, nil
}

func openOnly(in []Task) []Task {
	out := in[:0]
	for _, t := range in {
		if !t.Closed() {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) Get(ctx context.Context, id string) (*Task, error) {
	items, err := l.list(ctx, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	for _, t := range items {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (l *Ledger) openIDs(ctx context.Context) (map[string]struct{}, error) {
	open, err := l.list(ctx, "list", "--status", "open", "--json")
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(open))
	for _, t := range open {
		ids[t.ID] = struct{}{}
	}
	return ids, nil
}

func (l *Ledger) Create(ctx context.Context, title, description string) (string, error) {
	return l.create(ctx, title, description)
}

// CreateChild creates a task linked to parentID with a discovered-from
// dependency, which does not block it.
func (l *Ledger) CreateChild(ctx context.Context, parentID, title, description string) (string, error) {
	return l.create(ctx, title, description, "--deps", "discovered-from:"+parentID)
}

func (l *Ledger) create(ctx context.Context, title, description string, extra ...string) (string, error) {
	before, beforeErr := l.openIDs(ctx)

	args := []string{"create", title}
	if description != "" {
		args = append(args, "--description", description)
	}
	args = append(args, extra...)
	args = append(args, "--json")
	out, err := l.runner.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	var items issueList
	if err := json.Unmarshal([]byte(out), &items); err == nil {
		for _, it := range items {
			if t := it.normalize(); t.ID != "" {
				return t.ID, nil
			}
		}
	}

	// Older ledgers print free text; diff the open set instead.
	if beforeErr != nil {
		return "", fmt.Errorf("create task: could not determine new id: %w", beforeErr)
	}
	after, err := l.openIDs(ctx)
	if err != nil {
		return "", fmt.Errorf("create task: could not determine new id: %w", err)
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("create task: new id not found in ledger output %q", strings.TrimSpace(out))
}

func (l *Ledger) Close(ctx context.Context, id string) error {
	if _, err := l.runner.Run(ctx, "close", id); err != nil {
		return fmt.Errorf("close task %s: %w", id, err)
	}
	if _, err := l.runner.Run(ctx, "sync"); err != nil {
		l.logger.Warn("ledger sync after close failed", "task_id", id, "error", err)
	}
	return nil
}

func (l *Ledger) IsClosed(ctx context.Context, id string) (bool, error) {
	t, err := l.Get(ctx, id)
	if err == nil {
		return t.Closed(), nil
	}

	closed, listErr := l.list(ctx, "list", "--status", "closed", "--json")
	if listErr != nil {
		return false, fmt.Errorf("is_closed %s: %w", id, err)
	}
	for _, c := range closed {
		if c.ID == id {
			return true, nil
		}
	}
	if errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func (l *Ledger) Claim(ctx context.Context, id string) error {
	_, err := l.runner.Run(ctx, "update", id, "--status", "in_progress")
	return err
}

func (l *Ledger) Release(ctx context.Context, id string) error {
	_, err := l.runner.Run(ctx, "update", id, "--status", "open")
	return err
}
