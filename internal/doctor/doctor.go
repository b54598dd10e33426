// Package doctor validates a foreman configuration against the repository it
// points at.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/tasks"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Repo is the slice of git the doctor needs.
type Repo interface {
	IsWorkTree(ctx context.Context, dir string) bool
	BranchExists(ctx context.Context, dir, branch string) (bool, error)
}

// Doctor validates configuration against the repository and host.
type Doctor struct {
	cfg      *config.Config
	repo     Repo
	lookPath func(string) (string, error)
	fsCheck  func(string) error
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config, repo Repo) *Doctor {
	return &Doctor{cfg: cfg, repo: repo, lookPath: exec.LookPath, fsCheck: storage.CheckLocalFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateRepo(ctx, r)
	d.validateSlots(r)
	d.validateGates(r)
	d.validateAPIConfig(r)
	d.validateStateDir(r)
	d.warnMissingAgent(r)
	d.warnLedger(r)
	d.warnMergeLock(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateRepo(ctx context.Context, r *Result) {
	root := d.cfg.Repo.Root
	if !d.repo.IsWorkTree(ctx, root) {
		d.addError(r, "repo", "repo.root", fmt.Sprintf("%s is not a git work tree", root))
		return
	}
	ok, err := d.repo.BranchExists(ctx, root, d.cfg.Repo.Mainline)
	switch {
	case err != nil:
		d.addError(r, "repo", "repo.mainline", fmt.Sprintf("check mainline %q: %v", d.cfg.Repo.Mainline, err))
	case !ok:
		d.addError(r, "repo", "repo.mainline", fmt.Sprintf("mainline branch %q does not exist", d.cfg.Repo.Mainline))
	}
}

func (d *Doctor) validateSlots(r *Result) {
	s := d.cfg.Slots
	if s.Count < 1 {
		d.addError(r, "slots", "slots.count", "at least one slot is required")
	}
	if s.Placement != config.PlacementSibling && s.Placement != config.PlacementNested {
		d.addError(r, "slots", "slots.placement",
			fmt.Sprintf("placement %q must be %q or %q", s.Placement, config.PlacementSibling, config.PlacementNested))
	}
	if strings.TrimSpace(s.Prefix) == "" {
		d.addError(r, "slots", "slots.prefix", "branch prefix is required")
	}
}

// validateGates rejects empty commands and names that collide once case and
// surrounding space are ignored.
func (d *Doctor) validateGates(r *Result) {
	names := make([]string, 0, len(d.cfg.Gates))
	for name := range d.cfg.Gates {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]string)
	for _, name := range names {
		field := fmt.Sprintf("gates.%s", name)
		norm := strings.ToLower(strings.TrimSpace(name))
		if norm == "" {
			d.addError(r, "gates", field, "gate name is empty")
			continue
		}
		if prev, ok := seen[norm]; ok {
			d.addError(r, "gates", field, fmt.Sprintf("gate %q duplicates %q", name, prev))
		}
		seen[norm] = name

		g := d.cfg.Gates[name]
		if strings.TrimSpace(g.Cmd) == "" {
			d.addError(r, "gates", field+".cmd", fmt.Sprintf("gate %q has no command", name))
		}
		if g.Timeout < 0 {
			d.addError(r, "gates", field+".timeout", fmt.Sprintf("gate %q has a negative timeout", name))
		}
	}

	if d.cfg.RunTests {
		switch {
		case len(d.cfg.Gates) > 0:
			d.addWarning(r, "gates", "run_tests", "run_tests is ignored when named gates are configured")
		case strings.TrimSpace(d.cfg.TestCommand) == "":
			d.addError(r, "gates", "test_command", "run_tests is set but test_command is empty")
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
}

// validateStateDir refuses a state directory on a network filesystem, where
// neither the journal nor the exclusive-create merge lock is reliable.
func (d *Doctor) validateStateDir(r *Result) {
	if err := d.fsCheck(d.cfg.Repo.StateDir); err != nil {
		d.addError(r, "state", "repo.state_dir", err.Error())
	}
}

func (d *Doctor) warnMissingAgent(r *Result) {
	if _, err := d.lookPath(d.cfg.Agent.Command); err != nil {
		d.addWarning(r, "agent", "agent.command",
			fmt.Sprintf("agent command %q not found on PATH", d.cfg.Agent.Command))
	}
}

func (d *Doctor) warnLedger(r *Result) {
	caps := tasks.Probe(d.cfg.Repo.Root, d.cfg.Tasks.LedgerCommand)
	switch d.cfg.Tasks.Backend {
	case config.BackendLedger:
		if caps.LedgerCommand == "" {
			d.addWarning(r, "tasks", "tasks.ledger_command",
				fmt.Sprintf("ledger backend requested but %q is not on PATH", d.cfg.Tasks.LedgerCommand))
		}
	case config.BackendAuto, "":
		if caps.LedgerStore && caps.LedgerCommand == "" {
			d.addWarning(r, "tasks", "tasks.ledger_command",
				fmt.Sprintf("%s/ exists but %q is not on PATH; falling back to %s",
					tasks.LedgerDir, d.cfg.Tasks.LedgerCommand, d.cfg.Tasks.QueueFile))
		}
	case config.BackendFile:
	default:
		d.addError(r, "tasks", "tasks.backend", fmt.Sprintf("unknown task backend %q", d.cfg.Tasks.Backend))
	}
}

func (d *Doctor) warnMergeLock(r *Result) {
	ml := lock.NewMergeLock(d.cfg.StatePath(config.MergeLockFile))
	if !ml.Held() {
		return
	}
	if ml.Stale() {
		d.addWarning(r, "merge_lock", "",
			fmt.Sprintf("stale merge lock at %s; it is cleared on the next start", ml.Path()))
		return
	}
	msg := fmt.Sprintf("merge lock at %s is held", ml.Path())
	if h, err := ml.ReadHolder(); err == nil && h.PID > 0 {
		msg = fmt.Sprintf("merge lock at %s is held by pid %d", ml.Path(), h.PID)
	}
	d.addWarning(r, "merge_lock", "", msg)
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// warnMissingEnvVars flags ${VAR} references the loader left unresolved.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
	check("agent.command", d.cfg.Agent.Command)
	check("agent.model", d.cfg.Agent.Model)
	for i, a := range d.cfg.Agent.Args {
		check(fmt.Sprintf("agent.args[%d]", i), a)
	}
	for name, g := range d.cfg.Gates {
		check(fmt.Sprintf("gates.%s.cmd", name), g.Cmd)
	}
	check("test_command", d.cfg.TestCommand)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
