package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattjoyce/foreman/internal/agent"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/gate"
	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/integrate"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/lock"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/tasks"
	"github.com/mattjoyce/foreman/internal/workspace"
)

// loadConfig loads the config at path, or the discovered one when path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, fmt.Errorf("%w (pass --config or set FOREMAN_CONFIG)", err)
		}
		path = discovered
	}
	return config.Load(path)
}

// app is the fully wired dispatcher.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	journal  *journal.Journal
	hub      *events.Hub
	tasks    tasks.Backend
	lock     *lock.MergeLock
	pipeline *integrate.Pipeline
	disp     *dispatch.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.WithComponent("main")
	a := &app{
		cfg:    cfg,
		logger: logger,
		hub:    events.NewHub(256),
		lock:   lock.NewMergeLock(cfg.StatePath(config.MergeLockFile)),
	}

	backend, err := tasks.Open(cfg, log.WithComponent("tasks"))
	if err != nil {
		return nil, fmt.Errorf("open task backend: %w", err)
	}
	a.tasks = backend

	// The journal only records what happened; running without it is allowed.
	dbPath := cfg.StatePath(config.JournalFile)
	if db, err := storage.OpenSQLite(ctx, dbPath); err != nil {
		logger.Warn("journal unavailable, continuing without it", "path", dbPath, "error", err)
	} else {
		a.db = db
		a.journal = journal.New(db)
	}

	g := git.New()
	pool, err := workspace.NewPool(g, workspace.OptionsFromConfig(cfg), log.WithComponent("workspace"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configure checkouts: %w", err)
	}

	a.pipeline = integrate.New(integrate.Deps{
		Config:       cfg,
		Git:          g,
		Checkouts:    pool,
		Tasks:        backend,
		Gates:        gate.FromConfig(cfg, log.WithComponent("gate")),
		Lock:         a.lock,
		Conflicts:    pending.NewStore(cfg.StatePath(config.PendingConflictsFile)),
		GateFailures: pending.NewStore(cfg.StatePath(config.PendingGatesFile)),
		Journal:      a.journal,
		Hub:          a.hub,
		Logger:       log.WithComponent("integrate"),
	})
	a.disp = dispatch.New(dispatch.Deps{
		Config:   cfg,
		Pool:     pool,
		Tasks:    backend,
		Runner:   agent.NewRunner(agent.OptionsFromConfig(cfg), log.WithComponent("agent")),
		Pipeline: a.pipeline,
		Lock:     a.lock,
		Journal:  a.journal,
		Hub:      a.hub,
	})
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

// acquireInstanceLock takes the per-repository PID lock every mutating
// command holds.
func acquireInstanceLock(cfg *config.Config) (*lock.PIDLock, error) {
	return lock.AcquirePIDLock(cfg.StatePath(config.PIDFile))
}

// setupLogging configures the global logger from cfg. Tool commands pass a
// floor so their stdout stays readable.
func setupLogging(cfg *config.Config, floor string) {
	level := cfg.Service.LogLevel
	if floor != "" && log.ParseLevel(floor) > log.ParseLevel(level) {
		level = floor
	}
	log.Setup(level, cfg.Service.LogFormat)
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return exitError
}
