// Package agent launches and bounds the external code-editing agent, one
// process per occupied slot.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/workspace"
)

const defaultGracePeriod = 5 * time.Second

// Runner starts agent processes inside slot checkouts.
type Runner struct {
	command  string
	args     []string
	model    string
	timeout  time.Duration
	grace    time.Duration
	taskFile string
	logDir   string
	logger   *slog.Logger
}

// Options configures a Runner. A zero Timeout disables the watchdog.
type Options struct {
	Command  string
	Args     []string
	Model    string
	Timeout  time.Duration
	Grace    time.Duration
	TaskFile string
	LogDir   string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:  cfg.Agent.Command,
		Args:     cfg.Agent.Args,
		Model:    cfg.Agent.Model,
		Timeout:  cfg.Agent.Timeout,
		Grace:    cfg.Agent.GracePeriod,
		TaskFile: cfg.Agent.TaskFile,
		LogDir:   cfg.StatePath("logs"),
	}
}

func NewRunner(opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Runner{
		command:  opts.Command,
		args:     opts.Args,
		model:    opts.Model,
		timeout:  opts.Timeout,
		grace:    grace,
		taskFile: opts.TaskFile,
		logDir:   opts.LogDir,
		logger:   logger.With("component", "agent"),
	}
}

// LogPath is where the slot's agent output is appended.
func (r *Runner) LogPath(slot int) string {
	return filepath.Join(r.logDir, fmt.Sprintf("slot-%d.log", slot))
}

// Launch writes the instruction file into the checkout and starts the agent
// there. It does not wait for the agent to finish.
func (r *Runner) Launch(slot workspace.Slot, instruction string) (*Process, error) {
	if r.command == "" {
		return nil, errors.New("agent command is empty")
	}
	taskPath := filepath.Join(slot.Path, r.taskFile)
	if err := os.WriteFile(taskPath, []byte(instruction), 0o644); err != nil {
		return nil, fmt.Errorf("write instruction file: %w", err)
	}

	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(r.LogPath(slot.Index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open agent log: %w", err)
	}
	fmt.Fprintf(logFile, "\n=== %s slot %d (%s) ===\n", time.Now().UTC().Format(time.RFC3339), slot.Index, slot.Branch)

	args := ExpandArgs(r.args, map[string]string{
		"task_file": r.taskFile,
		"model":     r.model,
		"slot":      strconv.Itoa(slot.Index),
	})
	cmd := exec.Command(r.command, args...)
	cmd.Dir = slot.Path
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// stdin stays nil, which reads from /dev/null.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"FOREMAN_SLOT="+strconv.Itoa(slot.Index),
		"FOREMAN_BRANCH="+slot.Branch,
	)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start agent %q: %w", r.command, err)
	}

	p := &Process{
		cmd:     cmd,
		done:    make(chan struct{}),
		grace:   r.grace,
		logFile: logFile,
		logger:  r.logger.With("slot", slot.Index, "pid", cmd.Process.Pid),
	}
	go p.wait()
	if r.timeout > 0 {
		go p.watchdog(r.timeout)
	}
	p.logger.Info("agent started", "command", r.command, "args", args, "timeout", r.timeout)
	return p, nil
}

// ExpandArgs replaces {name} placeholders in args.
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, rep.Replace(a))
	}
	return out
}

// Process is a running (or finished) agent.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	grace    time.Duration
	logFile  *os.File
	logger   *slog.Logger
	exitCode int
	timedOut atomic.Bool
	termOnce sync.Once
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitCode = 0
	if err != nil {
		p.exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		}
	}
	_ = p.logFile.Close()
	close(p.done)
	p.logger.Info("agent exited", "exit_code", p.exitCode, "timed_out", p.timedOut.Load())
}

func (p *Process) watchdog(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		p.timedOut.Store(true)
		p.logger.Warn("agent timed out, terminating", "timeout", timeout)
		p.Terminate()
	}
}

// PID of the agent process.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited polls liveness without blocking.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until exit and returns the exit code.
func (p *Process) Wait() int {
	<-p.done
	return p.exitCode
}

// ExitCode is valid once Exited reports true; -1 means killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

// TimedOut reports whether the watchdog terminated the process.
func (p *Process) TimedOut() bool { return p.timedOut.Load() }

// Terminate sends SIGTERM to the agent's process group, then SIGKILL after
// the grace period. It returns once the process has exited.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		if p.Exited() {
			return
		}
		pgid := -p.cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.logger.Error("failed to send SIGTERM", "error", err)
		}
		grace := time.NewTimer(p.grace)
		defer grace.Stop()
		select {
		case <-p.done:
			return
		case <-grace.C:
		}
		p.logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.logger.Error("failed to send SIGKILL", "error", err)
		}
	})
	<-p.done
}
