package gate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/config"
)

func TestRunEmptyIsSkipped(t *testing.T) {
	t.Parallel()
	rep := New(nil, false, nil).Run(context.Background(), t.TempDir())
	assert.True(t, rep.Skipped)
	assert.True(t, rep.Passed)
	assert.Empty(t, rep.Results)
}

func TestRunSequentialStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := New([]Gate{
		{Name: "c-never", Cmd: "touch ran-c"},
		{Name: "a-ok", Cmd: "true"},
		{Name: "b-fail", Cmd: "echo broken >&2; exit 1"},
	}, false, nil)

	rep := r.Run(context.Background(), dir)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "a-ok", rep.Results[0].Name)
	assert.Equal(t, "b-fail", rep.Results[1].Name)
	assert.Contains(t, rep.Failure, "b-fail")
	assert.Contains(t, rep.Failure, "broken")
	assert.NoFileExists(t, filepath.Join(dir, "ran-c"))
}

func TestRunParallelRunsAllAndReportsFirstFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := New([]Gate{
		{Name: "lint", Cmd: "exit 3"},
		{Name: "test", Cmd: "exit 1"},
		{Name: "vet", Cmd: "touch ran-vet"},
	}, true, nil)

	rep := r.Run(context.Background(), dir)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Results, 3)
	assert.True(t, strings.HasPrefix(rep.Failure, "lint:"), rep.Failure)
	assert.Contains(t, rep.Failure, "and 1 more")
	assert.FileExists(t, filepath.Join(dir, "ran-vet"))
}

func TestRunPassing(t *testing.T) {
	t.Parallel()
	rep := New([]Gate{{Name: "ok", Cmd: "echo fine"}}, false, nil).Run(context.Background(), t.TempDir())
	assert.True(t, rep.Passed)
	assert.False(t, rep.Skipped)
	require.Len(t, rep.Results, 1)
	assert.Contains(t, rep.Results[0].Output, "fine")
}

func TestRunGateTimeout(t *testing.T) {
	t.Parallel()
	start := time.Now()
	rep := New([]Gate{{Name: "slow", Cmd: "sleep 10", Timeout: 100 * time.Millisecond}}, false, nil).
		Run(context.Background(), t.TempDir())
	assert.False(t, rep.Passed)
	assert.Contains(t, rep.Failure, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunGateDirRelativeToCheckout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	rep := New([]Gate{{Name: "here", Cmd: "touch marker", Dir: "sub"}}, false, nil).Run(context.Background(), dir)
	require.True(t, rep.Passed, rep.Failure)
	assert.FileExists(t, filepath.Join(dir, "sub", "marker"))
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	assert.Empty(t, FromConfig(cfg, nil).Gates())

	cfg.RunTests = true
	cfg.TestCommand = "make test"
	gates := FromConfig(cfg, nil).Gates()
	require.Len(t, gates, 1)
	assert.Equal(t, LegacyGateName, gates[0].Name)

	// The named map wins over the legacy command.
	cfg.Gates = map[string]config.GateConfig{"b": {Cmd: "b"}, "a": {Cmd: "a"}}
	gates = FromConfig(cfg, nil).Gates()
	require.Len(t, gates, 2)
	assert.Equal(t, "a", gates[0].Name)
	assert.Equal(t, "b", gates[1].Name)
}

func TestTailKeepsWholeRunes(t *testing.T) {
	t.Parallel()
	got := tail("xé", 1)
	assert.Equal(t, "...", got)
	assert.Equal(t, "...é", tail("xxé", 2))
	assert.Equal(t, "abc", tail("abc", 5))
}
