// Package gate runs the quality gates a checkout must pass before merging.
package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/foreman/internal/config"
)

const (
	// LegacyGateName names the gate built from run_tests/test_command.
	LegacyGateName = "test"

	maxOutputBytes = 4 * 1024
	maxErrorChars  = 500
	waitDelay      = 2 * time.Second
)

// Gate is one named validation command.
type Gate struct {
	Name    string
	Cmd     string
	Dir     string // relative to the checkout; empty means the checkout root
	Timeout time.Duration
}

// Result is the outcome of a single gate.
type Result struct {
	Name    string        `json:"name"`
	Passed  bool          `json:"passed"`
	Error   string        `json:"error,omitempty"`
	Output  string        `json:"output,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Report aggregates a gate run into one verdict.
type Report struct {
	Skipped bool     `json:"skipped"`
	Passed  bool     `json:"passed"`
	Failure string   `json:"failure,omitempty"`
	Results []Result `json:"results,omitempty"`
}

// Runner executes gates sequentially (stopping at the first failure) or in
// parallel (running all of them).
type Runner struct {
	gates    []Gate
	parallel bool
	logger   *slog.Logger
}

// New returns a Runner over gates, sorted by name.
func New(gates []Gate, parallel bool, logger *slog.Logger) *Runner {
	sorted := append([]Gate(nil), gates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{gates: sorted, parallel: parallel, logger: logger.With("component", "gate")}
}

// FromConfig builds the gate list: the named map when present, otherwise the
// legacy single test command when run_tests is set.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Runner {
	var gates []Gate
	for name, g := range cfg.Gates {
		gates = append(gates, Gate{Name: name, Cmd: g.Cmd, Dir: g.Dir, Timeout: g.Timeout})
	}
	if len(gates) == 0 && cfg.RunTests && strings.TrimSpace(cfg.TestCommand) != "" {
		gates = append(gates, Gate{Name: LegacyGateName, Cmd: cfg.TestCommand})
	}
	return New(gates, cfg.GatesParallel, logger)
}

// Gates returns the configured gates in run order.
func (r *Runner) Gates() []Gate { return append([]Gate(nil), r.gates...) }

// Run executes the gates inside checkoutDir. With no gates configured the
// report is Skipped and Passed.
func (r *Runner) Run(ctx context.Context, checkoutDir string) Report {
	if len(r.gates) == 0 {
		return Report{Skipped: true, Passed: true}
	}

	r.logger.Info("running quality gates", "count", len(r.gates), "parallel", r.parallel, "dir", checkoutDir)

	var results []Result
	if r.parallel {
		results = make([]Result, len(r.gates))
		var g errgroup.Group
		for i, gt := range r.gates {
			i, gt := i, gt
			g.Go(func() error {
				results[i] = r.runGate(ctx, checkoutDir, gt)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, gt := range r.gates {
			res := r.runGate(ctx, checkoutDir, gt)
			results = append(results, res)
			if !res.Passed {
				break
			}
		}
	}

	rep := Report{Passed: true, Results: results}
	var failures []string
	for _, res := range results {
		if res.Passed {
			r.logger.Info("gate passed", "gate", res.Name, "elapsed", res.Elapsed.Truncate(time.Millisecond))
			continue
		}
		r.logger.Warn("gate failed", "gate", res.Name, "elapsed", res.Elapsed.Truncate(time.Millisecond), "error", res.Error)
		failures = append(failures, fmt.Sprintf("%s: %s", res.Name, res.Error))
		if rep.Passed {
			rep.Passed = false
			rep.Failure = fmt.Sprintf("%s: %s", res.Name, res.Error)
		}
	}
	if len(failures) > 1 {
		rep.Failure = fmt.Sprintf("%s (and %d more: %s)", rep.Failure, len(failures)-1, strings.Join(failures[1:], "; "))
	}
	return rep
}

func (r *Runner) runGate(ctx context.Context, checkoutDir string, g Gate) Result {
	start := time.Now()
	if strings.TrimSpace(g.Cmd) == "" {
		return Result{Name: g.Name, Error: "gate command is empty"}
	}

	gateCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	dir := checkoutDir
	if g.Dir != "" {
		if filepath.IsAbs(g.Dir) {
			dir = g.Dir
		} else {
			dir = filepath.Join(checkoutDir, g.Dir)
		}
	}

	cmd := exec.CommandContext(gateCtx, "sh", "-c", g.Cmd)
	cmd.Dir = dir
	// Kill the whole process group so grandchildren do not outlive a timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := Result{Name: g.Name, Elapsed: time.Since(start), Output: tail(out.String(), maxOutputBytes)}
	if err == nil {
		res.Passed = true
		return res
	}

	msg := err.Error()
	if errors.Is(gateCtx.Err(), context.DeadlineExceeded) {
		msg = fmt.Sprintf("timed out after %v", g.Timeout)
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		msg = fmt.Sprintf("%s: %s", msg, tail(s, maxErrorChars))
	}
	res.Error = msg
	return res
}

// tail keeps the last n bytes of s, where failures usually are.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "..." + s[i:]
}
