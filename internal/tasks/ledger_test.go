package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptResponse struct {
	output string
	err    error
}

// scriptedRunner answers ledger invocations from a table keyed by the joined
// argument list. Each key may carry a sequence of responses.
type scriptedRunner struct {
	responses map[string][]scriptResponse
	calls     []string
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) (string, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	seq, ok := r.responses[key]
	if !ok || len(seq) == 0 {
		return "", errors.New("unexpected call: " + key)
	}
	resp := seq[0]
	if len(seq) > 1 {
		r.responses[key] = seq[1:]
	}
	return resp.output, resp.err
}

func (r *scriptedRunner) called(key string) bool {
	for _, c := range r.calls {
		if c == key {
			return true
		}
	}
	return false
}

func one(out string) []scriptResponse { return []scriptResponse{{output: out}} }

func TestLedgerListReadyShapes(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{name: "bare list", output: `[{"id":"bd-1","title":"a","status":"open"},{"id":"bd-2","title":"b"}]`, want: []string{"bd-1", "bd-2"}},
		{name: "wrapped issues", output: `{"issues":[{"id":"bd-3","title":"c","status":"open"}]}`, want: []string{"bd-3"}},
		{name: "wrapped items", output: `{"items":[{"key":"bd-4","summary":"d"}]}`, want: []string{"bd-4"}},
		{name: "closed entries dropped", output: `[{"id":"bd-5","title":"e","status":"closed"},{"id":"bd-6","title":"f","status":"open"}]`, want: []string{"bd-6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{responses: map[string][]scriptResponse{"ready --json": one(tt.output)}}
			got, err := NewLedger(r, nil).ListReady(context.Background())
			require.NoError(t, err)

			var ids []string
			for _, task := range got {
				ids = append(ids, task.ID)
				assert.NotEmpty(t, task.Title)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestLedgerListReadyFallsBackToOpen(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"ready --json":              one(`[]`),
		"list --status open --json": one(`{"issues":[{"id":"bd-9","title":"blocked but open","status":"open"}]}`),
	}}
	got, err := NewLedger(r, nil).ListReady(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bd-9", got[0].ID)
	assert.True(t, r.called("list --status open --json"))
}

func TestLedgerListReadyMalformed(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{"ready --json": one(`not json`)}}
	_, err := NewLedger(r, nil).ListReady(context.Background())
	require.Error(t, err)
}

func TestLedgerIsClosedMissingTask(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"show bd-1 --json":            one(`[]`),
		"list --status closed --json": one(`[{"id":"bd-2","title":"other","status":"closed"}]`),
	}}
	_, err := NewLedger(r, nil).IsClosed(context.Background(), "bd-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerListReadyPlainFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string][]scriptResponse
		want      []Task
	}{
		{
			name: "malformed ready json uses plain ready",
			responses: map[string][]scriptResponse{
				"ready --json": one(`not json`),
				"ready":        one("Ready work (2 issues):\n\n1. [P1] bd-a1: fix parser\n2. [P2] bd-b2: add docs\n"),
			},
			want: []Task{
				{ID: "bd-a1", Title: "fix parser", Status: StatusPending},
				{ID: "bd-b2", Title: "add docs", Status: StatusPending},
			},
		},
		{
			name: "nothing ready uses open json listing",
			responses: map[string][]scriptResponse{
				"ready --json":              {{err: errors.New("boom")}},
				"ready":                     {{err: errors.New("boom")}},
				"list --status open --json": one(`[{"id":"bd-9","title":"open one","status":"open"}]`),
			},
			want: []Task{{ID: "bd-9", Title: "open one", Status: StatusPending}},
		},
		{
			name: "open json malformed uses plain listing",
			responses: map[string][]scriptResponse{
				"ready --json":              one(`[]`),
				"list --status open --json": one(`garbage`),
				"list --json":               one(`garbage`),
				"list --status open":        one("ozon-4id  write report\n"),
			},
			want: []Task{{ID: "ozon-4id", Title: "write report", Status: StatusPending}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{responses: tt.responses}
			got, err := NewLedger(r, nil).ListReady(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLedgerCreateParsesJSONID(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"list --status open --json":                  one(`[]`),
		"create fix it --description details --json": one(`{"id":"bd-42","title":"fix it","status":"open"}`),
	}}
	id, err := NewLedger(r, nil).Create(context.Background(), "fix it", "details")
	require.NoError(t, err)
	assert.Equal(t, "bd-42", id)
}

func TestLedgerCreateFallsBackToOpenSetDiff(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"list --status open --json": {
			{output: `[{"id":"bd-1","title":"old"}]`},
			{output: `[{"id":"bd-1","title":"old"},{"id":"bd-2","title":"new"}]`},
		},
		"create new --json": one("Created issue: bd-2\n"),
	}}
	id, err := NewLedger(r, nil).Create(context.Background(), "new", "")
	require.NoError(t, err)
	assert.Equal(t, "bd-2", id)
}

func TestLedgerCloseSyncs(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"close bd-1": one(""),
		"sync":       {{err: errors.New("offline")}},
	}}
	require.NoError(t, NewLedger(r, nil).Close(context.Background(), "bd-1"))
	assert.Equal(t, []string{"close bd-1", "sync"}, r.calls)
}

func TestLedgerIsClosed(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string][]scriptResponse
		want      bool
		wantErr   bool
	}{
		{
			name:      "show object closed",
			responses: map[string][]scriptResponse{"show bd-1 --json": one(`{"id":"bd-1","title":"x","status":"closed"}`)},
			want:      true,
		},
		{
			name:      "show list open",
			responses: map[string][]scriptResponse{"show bd-1 --json": one(`[{"id":"bd-1","title":"x","status":"open"}]`)},
			want:      false,
		},
		{
			name: "show fails, closed list contains id",
			responses: map[string][]scriptResponse{
				"show bd-1 --json":            {{err: errors.New("boom")}},
				"list --status closed --json": one(`[{"id":"bd-1","title":"x","status":"closed"}]`),
			},
			want: true,
		},
		{
			name: "show answers without the id",
			responses: map[string][]scriptResponse{
				"show bd-1 --json":            one(`[]`),
				"list --status closed --json": one(`[]`),
			},
			wantErr: true,
		},
		{
			name: "both fail",
			responses: map[string][]scriptResponse{
				"show bd-1 --json":            {{err: errors.New("boom")}},
				"list --status closed --json": {{err: errors.New("boom")}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{responses: tt.responses}
			got, err := NewLedger(r, nil).IsClosed(context.Background(), "bd-1")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLedgerClaimRelease(t *testing.T) {
	r := &scriptedRunner{responses: map[string][]scriptResponse{
		"update bd-1 --status in_progress": one(""),
		"update bd-1 --status open":        one(""),
	}}
	l := NewLedger(r, nil)
	require.NoError(t, l.Claim(context.Background(), "bd-1"))
	require.NoError(t, l.Release(context.Background(), "bd-1"))
	assert.Len(t, r.calls, 2)
}
