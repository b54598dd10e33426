package tasks

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxSubtasks caps how many subtasks Split creates.
const DefaultMaxSubtasks = 10

// ChildCreator is implemented by backends that can link a task to the task it
// was split from.
type ChildCreator interface {
	CreateChild(ctx context.Context, parentID, title, description string) (string, error)
}

// splitSeparators are tried in order; the first that yields two or more parts wins.
var splitSeparators = []string{";", ". ", ", ", " and ", " then "}

// SplitGoal breaks goal into at most limit subtask titles. A goal with no usable
// separator comes back as a single title.
func SplitGoal(goal string, limit int) []string {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil
	}
	if limit < 1 {
		limit = DefaultMaxSubtasks
	}
	for _, sep := range splitSeparators {
		if !strings.Contains(goal, sep) {
			continue
		}
		var parts []string
		for _, p := range strings.Split(goal, sep) {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > limit {
			parts = parts[:limit]
		}
		if len(parts) >= 2 {
			return parts
		}
	}
	return []string{goal}
}

// SplitResult describes what Split created. Linked is false when the backend
// could not record the parent link.
type SplitResult struct {
	ParentID string `json:"parent_id"`
	Subtasks []Task `json:"subtasks"`
	Linked   bool   `json:"linked"`
}

// Split creates one subtask per title SplitGoal yields for goal. When parentID
// is empty the goal itself is created first and becomes the parent. Subtasks
// created before an error are reported in the result.
func Split(ctx context.Context, backend Backend, goal, parentID string, limit int) (*SplitResult, error) {
	titles := SplitGoal(goal, limit)
	if len(titles) == 0 {
		return nil, fmt.Errorf("goal is empty")
	}

	res := &SplitResult{ParentID: parentID}
	if res.ParentID == "" {
		id, err := backend.Create(ctx, strings.TrimSpace(goal), "Split into subtasks.")
		if err != nil {
			return nil, fmt.Errorf("create parent task: %w", err)
		}
		res.ParentID = id
	}

	children, linked := backend.(ChildCreator)
	res.Linked = linked
	description := "Subtask of " + res.ParentID + "."
	for _, title := range titles {
		var (
			id  string
			err error
		)
		if linked {
			id, err = children.CreateChild(ctx, res.ParentID, title, description)
		} else {
			id, err = backend.Create(ctx, title, description)
		}
		if err != nil {
			return res, fmt.Errorf("create subtask %q: %w", title, err)
		}
		t := Task{ID: id, Title: title, Description: description, Status: StatusPending}
		if linked {
			t.Parent = res.ParentID
		}
		res.Subtasks = append(res.Subtasks, t)
	}
	return res, nil
}
