package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/git/gittest"
	"github.com/mattjoyce/foreman/internal/integrate"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/tasks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// writeConfig creates a repository and a config pointing at it. The agent
// runs agentScript through sh.
func writeConfig(t *testing.T, agentScript string) (string, *gittest.Repo) {
	t.Helper()
	repo := gittest.NewRepo(t)
	dir := t.TempDir()
	state := filepath.Join(dir, "state")

	args, err := json.Marshal([]string{"-c", agentScript})
	require.NoError(t, err)

	content := `service:
  log_level: error
  log_format: text
repo:
  root: ` + repo.Root + `
  mainline: main
  state_dir: ` + state + `
slots:
  count: 1
  prefix: fw
agent:
  command: sh
  args: ` + string(args) + `
  timeout: 0s
tasks:
  backend: file
  queue_file: ` + filepath.Join(dir, "task_queue.json") + `
`
	path := filepath.Join(dir, "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, repo
}

func TestNoArgsIsUsageError(t *testing.T) {
	code, stdout, _ := cli(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stdout, "Usage:")
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := cli(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestVersionJSON(t *testing.T) {
	code, stdout, _ := cli(t, "version", "--json")
	require.Equal(t, exitOK, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, version, info.Version)
}

func TestVersionRejectsArgs(t *testing.T) {
	code, _, _ := cli(t, "version", "extra")
	assert.Equal(t, exitUsage, code)
}

func TestRunRequiresOnce(t *testing.T) {
	code, _, stderr := cli(t, "run")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "foreman start")
}

func TestBadFlagIsUsageError(t *testing.T) {
	code, _, _ := cli(t, "pending", "--no-such-flag")
	assert.Equal(t, exitUsage, code)
}

func TestMissingConfigFails(t *testing.T) {
	code, _, stderr := cli(t, "pending", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Failed to load config")
}

func TestParseInterspersed(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPos  []string
		wantDesc string
	}{
		{"flags first", []string{"--description", "d", "title"}, []string{"title"}, "d"},
		{"flags last", []string{"title", "--description", "d"}, []string{"title"}, "d"},
		{"mixed", []string{"fix", "--description", "d", "bug"}, []string{"fix", "bug"}, "d"},
		{"none", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flag.NewFlagSet("t", flag.ContinueOnError)
			desc := fs.String("description", "", "")
			pos, err := parseInterspersed(fs, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.wantDesc, *desc)
		})
	}
}

func TestTaskAddListIngest(t *testing.T) {
	cfgPath, repo := writeConfig(t, "true")

	code, stdout, stderr := cli(t, "task", "add", "write", "the", "docs", "--description", "all of them", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	id := strings.TrimSpace(stdout)
	assert.NotEmpty(t, id)

	suggestions := filepath.Join(repo.Root, "suggested_tasks.txt")
	require.NoError(t, os.WriteFile(suggestions, []byte("add tests\n\nrefactor parser\n"), 0o644))
	code, stdout, stderr = cli(t, "task", "ingest", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Ingested 2 task(s)")

	code, stdout, stderr = cli(t, "task", "list", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	var ready []tasks.Task
	require.NoError(t, json.Unmarshal([]byte(stdout), &ready))
	require.Len(t, ready, 3)
	assert.Equal(t, id, ready[0].ID)
	assert.Equal(t, "write the docs", ready[0].Title)
	assert.Equal(t, "all of them", ready[0].Description)
}

func TestTaskAddWithoutTitle(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")
	code, _, stderr := cli(t, "task", "add", "--config", cfgPath)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Usage: foreman task add")
}

func TestTaskSplit(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")

	code, stdout, stderr := cli(t, "task", "split", "add login; add logout; add reset", "--max-subtasks", "2", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	var res tasks.SplitResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Linked)
	require.Len(t, res.Subtasks, 2)
	assert.Equal(t, "add logout", res.Subtasks[1].Title)
	assert.Equal(t, res.ParentID, res.Subtasks[0].Parent)

	code, stdout, stderr = cli(t, "task", "list", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	var ready []tasks.Task
	require.NoError(t, json.Unmarshal([]byte(stdout), &ready))
	require.Len(t, ready, 2)
	assert.NotEqual(t, res.ParentID, ready[0].ID)

	code, _, stderr = cli(t, "task", "add", "charts then filters", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	code, stdout, stderr = cli(t, "task", "split", "--parent", "task-4", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Parent: task-4")
	assert.Contains(t, stdout, "task-5: charts")
	assert.Contains(t, stdout, "task-6: filters")
}

func TestTaskSplitUsage(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")
	for _, args := range [][]string{
		{"task", "split", "--config", cfgPath},
		{"task", "split", "a; b", "--max-subtasks", "0", "--config", cfgPath},
	} {
		code, _, stderr := cli(t, args...)
		assert.Equal(t, exitUsage, code)
		assert.Contains(t, stderr, "Usage: foreman task split")
	}
}

func TestPendingAndHistoryEmpty(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")

	code, stdout, _ := cli(t, "pending", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.JSONEq(t, `{"conflicts":[],"gate_failures":[]}`, stdout)

	code, stdout, _ = cli(t, "history", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No history recorded yet.")
}

func TestConfigCheck(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")

	code, stdout, stderr := cli(t, "config", "check", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	var result struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.True(t, result.Valid)

	code, stdout, _ = cli(t, "doctor", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Configuration valid")
}

func TestConfigCheckInvalidRepo(t *testing.T) {
	cfgPath, repo := writeConfig(t, "true")
	require.NoError(t, os.RemoveAll(filepath.Join(repo.Root, ".git")))

	code, stdout, _ := cli(t, "config", "check", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stdout, "not a git work tree")
}

func TestConfigLockDetectsTampering(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")

	code, stdout, stderr := cli(t, "config", "lock", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Locked")

	code, _, _ = cli(t, "pending", "--config", cfgPath)
	require.Equal(t, exitOK, code)

	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = cli(t, "pending", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "config verification failed")

	// Re-locking works on a tampered file.
	code, _, _ = cli(t, "config", "lock", "--config", cfgPath)
	assert.Equal(t, exitOK, code)
}

func TestRunOnceMergesAgentWork(t *testing.T) {
	cfgPath, repo := writeConfig(t, `echo "from agent" > agent.txt`)

	code, _, stderr := cli(t, "task", "add", "create agent.txt", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := cli(t, "run", "--once", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)

	var rep dispatch.TickReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, 1, rep.Assigned)
	require.Len(t, rep.Integrated, 1)
	assert.Equal(t, integrate.OutcomeMerged, rep.Integrated[0].Outcome)
	assert.FileExists(t, filepath.Join(repo.Root, "agent.txt"))

	code, stdout, stderr = cli(t, "history", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)
	var rows []journal.Integration
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "merged", rows[0].Outcome)

	code, stdout, _ = cli(t, "task", "list", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No ready tasks.")
}

func TestWatchNeedsAPI(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")
	code, _, stderr := cli(t, "watch", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "api.enabled")
}

func TestListenURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{"127.0.0.1:8090", "http://127.0.0.1:8090"},
		{":8090", "http://127.0.0.1:8090"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"http://box:8090/", "http://box:8090"},
		{"localhost", "http://localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.listen, func(t *testing.T) {
			assert.Equal(t, tt.want, listenURL(tt.listen))
		})
	}
}

func TestConfigGetAndSet(t *testing.T) {
	cfgPath, _ := writeConfig(t, "true")

	code, stdout, _ := cli(t, "config", "get", "slots.prefix", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "fw\n", stdout)

	code, _, stderr := cli(t, "config", "set", "slots.count", "3", "--config", cfgPath)
	require.Equal(t, exitOK, code, stderr)

	code, stdout, _ = cli(t, "config", "get", "slots.count", "--json", "--config", cfgPath)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "3\n", stdout)

	code, _, stderr = cli(t, "config", "set", "slots.placement", "elsewhere", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "validation failed")

	code, _, stderr = cli(t, "config", "get", "slots.nope", "--config", cfgPath)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "not found")
}
