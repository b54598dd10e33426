package config

import "time"

// Config represents the complete foreman configuration.
type Config struct {
	Service     ServiceConfig         `yaml:"service"`
	Repo        RepoConfig            `yaml:"repo"`
	Slots       SlotsConfig           `yaml:"slots"`
	Agent       AgentConfig           `yaml:"agent"`
	Tasks       TasksConfig           `yaml:"tasks"`
	Integration IntegrationConfig     `yaml:"integration"`
	Gates       map[string]GateConfig `yaml:"gates,omitempty"`

	// GatesParallel runs named gates concurrently.
	GatesParallel bool `yaml:"gates_parallel"`
	// RunTests and TestCommand are the legacy single-gate form, used only when
	// Gates is empty.
	RunTests    bool   `yaml:"run_tests"`
	TestCommand string `yaml:"test_command"`

	API APIConfig `yaml:"api,omitempty"`

	// SourcePath is the absolute path of the file this config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// RepoConfig locates the main repository and dispatcher state.
type RepoConfig struct {
	Root     string `yaml:"root"`
	Mainline string `yaml:"mainline"`
	StateDir string `yaml:"state_dir"`
}

const (
	PlacementSibling = "sibling"
	PlacementNested  = "nested"
)

// SlotsConfig sizes the checkout pool.
type SlotsConfig struct {
	Count     int    `yaml:"count"`
	Placement string `yaml:"placement"`
	Prefix    string `yaml:"prefix"`
}

// AgentConfig describes the editing-agent process launched per slot.
type AgentConfig struct {
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	TaskFile        string        `yaml:"task_file"`
	SuggestionsFile string        `yaml:"suggestions_file"`
	Preamble        string        `yaml:"preamble"`
}

const (
	BackendAuto   = "auto"
	BackendLedger = "ledger"
	BackendFile   = "file"
)

// TasksConfig selects the task backend.
type TasksConfig struct {
	Backend           string `yaml:"backend"`
	LedgerCommand     string `yaml:"ledger_command"`
	QueueFile         string `yaml:"queue_file"`
	IngestSuggestions *bool  `yaml:"ingest_suggestions,omitempty"`
}

// IntegrationConfig controls merging and escalation.
type IntegrationConfig struct {
	AutoMerge            *bool         `yaml:"auto_merge,omitempty"`
	SerializeMerges      *bool         `yaml:"serialize_merges,omitempty"`
	LockTimeout          time.Duration `yaml:"lock_timeout"`
	RetryLockTimeout     time.Duration `yaml:"retry_lock_timeout"`
	EscalateConflicts    *bool         `yaml:"escalate_conflicts,omitempty"`
	EscalateGateFailures *bool         `yaml:"escalate_gate_failures,omitempty"`
	RetryInterval        time.Duration `yaml:"retry_interval"`
	KeepOurs             []string      `yaml:"keep_ours"`
}

// GateConfig is one named validation command.
type GateConfig struct {
	Cmd     string        `yaml:"cmd"`
	Dir     string        `yaml:"dir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// APIConfig defines the status API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "foreman",
			TickInterval: 2 * time.Second,
			LogLevel:     "info",
			LogFormat:    "json",
		},
		Repo: RepoConfig{
			Root:     ".",
			Mainline: "main",
			StateDir: ".foreman",
		},
		Slots: SlotsConfig{
			Count:     4,
			Placement: PlacementSibling,
			Prefix:    "foreman-w",
		},
		Agent: AgentConfig{
			Command:         "aider",
			Args:            []string{"--model", "{model}", "--message-file", "{task_file}", "--yes", "--no-show-model-warnings"},
			Timeout:         30 * time.Minute,
			GracePeriod:     5 * time.Second,
			TaskFile:        ".current_task.txt",
			SuggestionsFile: "suggested_tasks.txt",
		},
		Tasks: TasksConfig{
			Backend:           BackendAuto,
			LedgerCommand:     "bd",
			QueueFile:         "task_queue.json",
			IngestSuggestions: boolPtr(true),
		},
		Integration: IntegrationConfig{
			AutoMerge:            boolPtr(true),
			SerializeMerges:      boolPtr(true),
			LockTimeout:          2 * time.Minute,
			RetryLockTimeout:     30 * time.Second,
			EscalateConflicts:    boolPtr(true),
			EscalateGateFailures: boolPtr(true),
			RetryInterval:        45 * time.Second,
			KeepOurs:             []string{".gitignore"},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}

func boolPtr(v bool) *bool { return &v }

// Enabled reports the value of an optional flag, falling back to def when unset.
func Enabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// Files kept under the state directory.
const (
	MergeLockFile        = "merge.lock"
	PIDFile              = "foreman.pid"
	JournalFile          = "journal.db"
	PendingConflictsFile = "pending_conflicts.json"
	PendingGatesFile     = "pending_gates.json"
)

// StatePath joins name onto the state directory.
func (c *Config) StatePath(name string) string {
	return joinPath(c.Repo.StateDir, name)
}

// ScratchFiles lists the dispatcher-owned files that must never be committed.
func (c *Config) ScratchFiles() []string {
	out := make([]string, 0, 2)
	if c.Agent.TaskFile != "" {
		out = append(out, c.Agent.TaskFile)
	}
	if c.Agent.SuggestionsFile != "" {
		out = append(out, c.Agent.SuggestionsFile)
	}
	return out
}
