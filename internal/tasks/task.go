// Package tasks adapts the external task sources (a command-line ledger or a
// flat JSON queue file) to one Backend contract.
package tasks

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/foreman/internal/tasks Backend

// Status is the normalized lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// ErrNotFound is returned by Get when the backend has no such task.
var ErrNotFound = errors.New("task not found")

// Task is the fixed record shape every backend normalizes into. Parent is
// the task it was split from, when the backend records that.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Parent      string `json:"parent,omitempty"`
}

// Closed reports whether the task is done.
func (t Task) Closed() bool { return t.Status == StatusDone }

// Backend is the task source contract used by the dispatcher.
type Backend interface {
	// Name identifies the backend in logs ("ledger" or "file").
	Name() string

	// ListReady returns tasks eligible for assignment. When nothing is ready it
	// falls back to every open task.
	ListReady(ctx context.Context) ([]Task, error)

	Get(ctx context.Context, id string) (*Task, error)

	// Create adds a task and returns its identifier.
	Create(ctx context.Context, title, description string) (string, error)

	Close(ctx context.Context, id string) error

	IsClosed(ctx context.Context, id string) (bool, error)

	// Claim marks a task in progress.
	Claim(ctx context.Context, id string) error

	// Release returns a claimed task to the open pool.
	Release(ctx context.Context, id string) error
}

// normalizeStatus folds the status vocabularies of both sources into Status.
func normalizeStatus(s string) Status {
	switch s {
	case "closed", "done", "resolved", "completed":
		return StatusDone
	case "in_progress", "in-progress", "doing", "active":
		return StatusInProgress
	default:
		return StatusPending
	}
}
