package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the config file looked up in discovery locations.
const DefaultFileName = "foreman.yaml"

// ErrNoConfig is returned by Discover when no config file can be found.
var ErrNoConfig = errors.New("no foreman config found")

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the config at configPath.
// A directory path is resolved to foreman.yaml inside it. Relative paths in
// the config are resolved against the config file's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover locates a config file: $FOREMAN_CONFIG, ./foreman.yaml, then
// ~/.config/foreman/foreman.yaml.
func Discover() (string, error) {
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		return p, nil
	}
	if fileExists(DefaultFileName) {
		return DefaultFileName, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "foreman", DefaultFileName)
		if fileExists(p) {
			return p, nil
		}
	}
	return "", ErrNoConfig
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := interpolateEnv(string(data))

	// A negative timeout marks "unset" so an explicit 0 can disable it.
	cfg := &Config{Agent: AgentConfig{Timeout: -1}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	name := filepath.Base(path)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: foreman config lock --config %s", name, dir, path)
	}
	if err := VerifyFileHash(path, expected); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: foreman config lock --config %s", path, err, path)
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.TickInterval == 0 {
		cfg.Service.TickInterval = d.Service.TickInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}

	if cfg.Repo.Root == "" {
		cfg.Repo.Root = d.Repo.Root
	}
	if cfg.Repo.Mainline == "" {
		cfg.Repo.Mainline = d.Repo.Mainline
	}
	if cfg.Repo.StateDir == "" {
		cfg.Repo.StateDir = d.Repo.StateDir
	}

	if cfg.Slots.Count == 0 {
		cfg.Slots.Count = d.Slots.Count
	}
	if cfg.Slots.Placement == "" {
		cfg.Slots.Placement = d.Slots.Placement
	}
	if cfg.Slots.Prefix == "" {
		cfg.Slots.Prefix = d.Slots.Prefix
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = d.Agent.Command
		if len(cfg.Agent.Args) == 0 {
			cfg.Agent.Args = d.Agent.Args
		}
	}
	if cfg.Agent.GracePeriod == 0 {
		cfg.Agent.GracePeriod = d.Agent.GracePeriod
	}
	if cfg.Agent.TaskFile == "" {
		cfg.Agent.TaskFile = d.Agent.TaskFile
	}
	if cfg.Agent.SuggestionsFile == "" {
		cfg.Agent.SuggestionsFile = d.Agent.SuggestionsFile
	}
	if cfg.Agent.Timeout < 0 {
		cfg.Agent.Timeout = d.Agent.Timeout
	}

	if cfg.Tasks.Backend == "" {
		cfg.Tasks.Backend = d.Tasks.Backend
	}
	if cfg.Tasks.LedgerCommand == "" {
		cfg.Tasks.LedgerCommand = d.Tasks.LedgerCommand
	}
	if cfg.Tasks.QueueFile == "" {
		cfg.Tasks.QueueFile = d.Tasks.QueueFile
	}
	if cfg.Tasks.IngestSuggestions == nil {
		cfg.Tasks.IngestSuggestions = d.Tasks.IngestSuggestions
	}

	in := &cfg.Integration
	if in.AutoMerge == nil {
		in.AutoMerge = d.Integration.AutoMerge
	}
	if in.SerializeMerges == nil {
		in.SerializeMerges = d.Integration.SerializeMerges
	}
	if in.EscalateConflicts == nil {
		in.EscalateConflicts = d.Integration.EscalateConflicts
	}
	if in.EscalateGateFailures == nil {
		in.EscalateGateFailures = d.Integration.EscalateGateFailures
	}
	if in.LockTimeout == 0 {
		in.LockTimeout = d.Integration.LockTimeout
	}
	if in.RetryLockTimeout == 0 {
		in.RetryLockTimeout = d.Integration.RetryLockTimeout
	}
	if in.RetryInterval == 0 {
		in.RetryInterval = d.Integration.RetryInterval
	}
	if in.KeepOurs == nil {
		in.KeepOurs = d.Integration.KeepOurs
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
}

// resolvePaths anchors relative repo/state/queue paths at baseDir.
func resolvePaths(cfg *Config, baseDir string) {
	if !filepath.IsAbs(cfg.Repo.Root) {
		cfg.Repo.Root = filepath.Join(baseDir, cfg.Repo.Root)
	}
	cfg.Repo.Root = filepath.Clean(cfg.Repo.Root)
	if !filepath.IsAbs(cfg.Repo.StateDir) {
		cfg.Repo.StateDir = filepath.Join(cfg.Repo.Root, cfg.Repo.StateDir)
	}
	if !filepath.IsAbs(cfg.Tasks.QueueFile) {
		cfg.Tasks.QueueFile = filepath.Join(cfg.Repo.Root, cfg.Tasks.QueueFile)
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can report it.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if strings.TrimSpace(cfg.Repo.Mainline) == "" {
		return fmt.Errorf("repo.mainline is required")
	}

	if cfg.Slots.Count < 1 {
		return fmt.Errorf("slots.count must be at least 1 (got %d)", cfg.Slots.Count)
	}
	if cfg.Slots.Placement != PlacementSibling && cfg.Slots.Placement != PlacementNested {
		return fmt.Errorf("slots.placement must be %q or %q (got %q)", PlacementSibling, PlacementNested, cfg.Slots.Placement)
	}
	if strings.ContainsAny(cfg.Slots.Prefix, " /\\") {
		return fmt.Errorf("slots.prefix must not contain spaces or path separators (got %q)", cfg.Slots.Prefix)
	}
	if endsWithDigit(cfg.Slots.Prefix) {
		return fmt.Errorf("slots.prefix must not end with a digit (got %q)", cfg.Slots.Prefix)
	}

	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return fmt.Errorf("agent.command is required")
	}
	if cfg.Agent.TaskFile == cfg.Agent.SuggestionsFile {
		return fmt.Errorf("agent.task_file and agent.suggestions_file must differ")
	}

	switch cfg.Tasks.Backend {
	case BackendAuto, BackendLedger, BackendFile:
	default:
		return fmt.Errorf("tasks.backend must be one of: auto, ledger, file (got %q)", cfg.Tasks.Backend)
	}

	in := cfg.Integration
	if in.LockTimeout < 0 || in.RetryLockTimeout < 0 {
		return fmt.Errorf("integration lock timeouts must not be negative")
	}
	if in.RetryInterval <= 0 {
		return fmt.Errorf("integration.retry_interval must be positive")
	}

	for name, g := range cfg.Gates {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("gates: gate name must not be empty")
		}
		if strings.TrimSpace(g.Cmd) == "" {
			return fmt.Errorf("gates.%s.cmd is required", name)
		}
		if g.Timeout < 0 {
			return fmt.Errorf("gates.%s.timeout must not be negative", name)
		}
	}
	if len(cfg.Gates) == 0 && cfg.RunTests && strings.TrimSpace(cfg.TestCommand) == "" {
		return fmt.Errorf("test_command is required when run_tests is true")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}

	if unresolved := envVarPattern.FindString(cfg.Agent.Model + cfg.Agent.Command + cfg.TestCommand); unresolved != "" {
		return fmt.Errorf("unresolved environment variable %s", unresolved)
	}
	return nil
}

func endsWithDigit(s string) bool {
	return s != "" && s[len(s)-1] >= '0' && s[len(s)-1] <= '9'
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func joinPath(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
