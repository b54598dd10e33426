package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitGoal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		goal  string
		limit int
		want  []string
	}{
		{name: "empty", goal: "  ", want: nil},
		{name: "single phrase", goal: "improve dashboard", want: []string{"improve dashboard"}},
		{name: "semicolons", goal: "add login; add logout;", want: []string{"add login", "add logout"}},
		{name: "sentences", goal: "Write the parser. Add tests", want: []string{"Write the parser", "Add tests"}},
		{
			name: "commas before and",
			goal: "add cycle time, throughput and WIP",
			want: []string{"add cycle time", "throughput and WIP"},
		},
		{name: "and", goal: "fix the bug and update docs", want: []string{"fix the bug", "update docs"}},
		{name: "then", goal: "refactor config then add flags", want: []string{"refactor config", "add flags"}},
		{name: "limit", goal: "a; b; c; d", limit: 3, want: []string{"a", "b", "c"}},
		{name: "limit of one keeps the goal", goal: "a; b", limit: 1, want: []string{"a; b"}},
		{name: "separator with one part falls through", goal: "only one; ", want: []string{"only one;"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SplitGoal(tt.goal, tt.limit))
		})
	}
}

func TestSplitFileRecordsParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFile(filepath.Join(t.TempDir(), "task_queue.json"))

	res, err := Split(ctx, f, "add login; add logout", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "task-1", res.ParentID)
	assert.True(t, res.Linked)
	require.Len(t, res.Subtasks, 2)
	for _, sub := range res.Subtasks {
		got, err := f.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, "task-1", got.Parent)
	}

	ready, err := f.ListReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2", "task-3"}, ids(ready), "parent waits for its subtasks")

	require.NoError(t, f.Close(ctx, "task-2"))
	ready, err = f.ListReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-3"}, ids(ready))

	require.NoError(t, f.Close(ctx, "task-3"))
	ready, err = f.ListReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, ids(ready))
}

func TestSplitUnderExistingParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := NewFile(filepath.Join(t.TempDir(), "task_queue.json"))
	parent, err := f.Create(ctx, "dashboard", "")
	require.NoError(t, err)

	res, err := Split(ctx, f, "charts then filters", parent, 0)
	require.NoError(t, err)
	assert.Equal(t, parent, res.ParentID)
	assert.Equal(t, []string{"task-2", "task-3"}, ids(res.Subtasks))

	_, err = Split(ctx, f, "x and y", "task-99", 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileCreateChildMissingParent(t *testing.T) {
	t.Parallel()
	f := NewFile(filepath.Join(t.TempDir(), "task_queue.json"))
	_, err := f.CreateChild(context.Background(), "task-5", "orphan", "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSplitLedgerPassesDeps(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"list --status open --json": one(`[]`),
		"create fix a and b --description Split into subtasks. --json": one(`{"id":"bd-9"}`),
		"create fix a --description Subtask of bd-9. --deps discovered-from:bd-9 --json": one(`{"id":"bd-10"}`),
		"create b --description Subtask of bd-9. --deps discovered-from:bd-9 --json":     one(`{"id":"bd-11"}`),
	}}
	res, err := Split(context.Background(), NewLedger(r, nil), "fix a and b", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "bd-9", res.ParentID)
	assert.Equal(t, []string{"bd-10", "bd-11"}, ids(res.Subtasks))
	assert.Equal(t, "bd-9", res.Subtasks[1].Parent)
}

func TestSplitReportsPartialProgress(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"list --status open --json": one(`[]`),
		"create a --description Subtask of bd-1. --deps discovered-from:bd-1 --json": one(`{"id":"bd-2"}`),
	}}
	res, err := Split(context.Background(), NewLedger(r, nil), "a; b", "bd-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `create subtask "b"`)
	require.NotNil(t, res)
	assert.Equal(t, []string{"bd-2"}, ids(res.Subtasks))
}

func ids(ts []Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
