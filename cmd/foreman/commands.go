package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/foreman/internal/api"
	"github.com/mattjoyce/foreman/internal/config"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/doctor"
	"github.com/mattjoyce/foreman/internal/git"
	"github.com/mattjoyce/foreman/internal/journal"
	"github.com/mattjoyce/foreman/internal/log"
	"github.com/mattjoyce/foreman/internal/pending"
	"github.com/mattjoyce/foreman/internal/retry"
	"github.com/mattjoyce/foreman/internal/storage"
	"github.com/mattjoyce/foreman/internal/tasks"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman start [--config PATH]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}
	setupLogging(cfg, "")
	logger := log.WithComponent("main")
	logger.Info("foreman starting", "version", version, "config", cfg.SourcePath, "repo", cfg.Repo.Root)

	pidLock, err := acquireInstanceLock(cfg)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return exitError
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialise dispatcher", "error", err)
		return exitError
	}
	defer a.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		if err := a.disp.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		deps := api.Deps{
			Slots:        a.disp,
			Conflicts:    a.pipeline.Conflicts(),
			GateFailures: a.pipeline.GateFailures(),
			Events:       a.hub,
			Logger:       log.WithComponent("api"),
		}
		if a.journal != nil {
			deps.History = a.journal
		}
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, deps)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("foreman running (press Ctrl+C to stop)")

	exit := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exit = exitError
	}
	cancel()
	<-doneCh
	logger.Info("foreman stopped")
	return exit
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	once := fs.Bool("once", false, "Run a single dispatch pass and exit")
	jsonOut := fs.Bool("json", false, "Output the pass report as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if !*once || len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman run --once [--json] [--config PATH]")
		fmt.Fprintln(os.Stderr, "Use 'foreman start' for the continuous loop.")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}
	setupLogging(cfg, "")

	pidLock, err := acquireInstanceLock(cfg)
	if err != nil {
		return fail("Failed to acquire PID lock: %v", err)
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fail("Failed to initialise dispatcher: %v", err)
	}
	defer a.Close()

	rep, err := a.disp.RunOnce(ctx)
	if err != nil {
		return fail("Run failed: %v", err)
	}

	if *jsonOut {
		return printJSON(rep)
	}
	printTickReport(rep)
	return exitOK
}

func printTickReport(rep dispatch.TickReport) {
	fmt.Printf("Assigned: %d\n", rep.Assigned)
	if len(rep.Integrated) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tBRANCH\tTASK\tOUTCOME\tFILES\tESCALATION")
	for _, res := range rep.Integrated {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			res.Slot, res.Branch, dash(res.TaskID), res.Outcome, len(res.Summary.Files), dash(res.EscalationID))
	}
	_ = w.Flush()
}

func runSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output sweep reports as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman sweep [--json] [--config PATH]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}
	setupLogging(cfg, "")

	pidLock, err := acquireInstanceLock(cfg)
	if err != nil {
		return fail("Failed to acquire PID lock: %v", err)
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fail("Failed to initialise dispatcher: %v", err)
	}
	defer a.Close()

	if err := a.disp.Prepare(ctx); err != nil {
		return fail("Prepare failed: %v", err)
	}
	reports := a.disp.Sweep(ctx)

	if *jsonOut {
		return printJSON(reports)
	}
	printSweepReports(reports)
	return exitOK
}

func printSweepReports(reports []retry.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tCHECKED\tWAITING\tMERGED\tDROPPED\tKEPT")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", r.Queue, r.Checked, r.Waiting, r.Merged, r.Dropped, r.Kept)
	}
	_ = w.Flush()
}

// --- task ---

func runTaskNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printTaskHelp()
		if len(args) < 1 {
			return exitUsage
		}
		return exitOK
	}

	switch args[0] {
	case "list":
		return runTaskList(args[1:])
	case "add":
		return runTaskAdd(args[1:])
	case "ingest":
		return runTaskIngest(args[1:])
	case "split":
		return runTaskSplit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", args[0])
		return exitUsage
	}
}

func printTaskHelp() {
	fmt.Print(`Usage: foreman task <action> [flags]

Actions:
  list                          List ready tasks
  add <title> [--description D] Create a task
  ingest [--file F]             Create one task per line of a suggestions file
  split <goal> [--max-subtasks N] [--parent ID] [--json]
                                Create a parent task and one subtask per part of goal
`)
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

func openTasks(configPath string) (*config.Config, tasks.Backend, int) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fail("Failed to load config: %v", err)
	}
	setupLogging(cfg, "warn")
	backend, err := tasks.Open(cfg, log.WithComponent("tasks"))
	if err != nil {
		return nil, nil, fail("Failed to open task backend: %v", err)
	}
	return cfg, backend, exitOK
}

func runTaskList(args []string) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output tasks as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman task list [--json]")
		return exitUsage
	}

	_, backend, code := openTasks(*configPath)
	if backend == nil {
		return code
	}
	ready, err := backend.ListReady(context.Background())
	if err != nil {
		return fail("Failed to list tasks: %v", err)
	}
	if *jsonOut {
		if ready == nil {
			ready = []tasks.Task{}
		}
		return printJSON(ready)
	}
	if len(ready) == 0 {
		fmt.Println("No ready tasks.")
		return exitOK
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTITLE")
	for _, t := range ready {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Status, t.Title)
	}
	_ = w.Flush()
	return exitOK
}

func runTaskAdd(args []string) int {
	fs := flag.NewFlagSet("task add", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	description := fs.String("description", "", "Task description")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	title := strings.TrimSpace(strings.Join(rest, " "))
	if title == "" {
		fmt.Fprintln(os.Stderr, "Usage: foreman task add <title> [--description D]")
		return exitUsage
	}

	_, backend, code := openTasks(*configPath)
	if backend == nil {
		return code
	}
	id, err := backend.Create(context.Background(), title, *description)
	if err != nil {
		return fail("Failed to create task: %v", err)
	}
	fmt.Println(id)
	return exitOK
}

func runTaskIngest(args []string) int {
	fs := flag.NewFlagSet("task ingest", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	file := fs.String("file", "", "Suggestions file (default: <repo>/<agent.suggestions_file>)")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman task ingest [--file F]")
		return exitUsage
	}

	cfg, backend, code := openTasks(*configPath)
	if backend == nil {
		return code
	}
	path := *file
	if path == "" {
		path = filepath.Join(cfg.Repo.Root, cfg.Agent.SuggestionsFile)
	}
	n, err := tasks.IngestSuggestions(context.Background(), backend, path)
	if err != nil {
		return fail("Failed to ingest %s: %v", path, err)
	}
	fmt.Printf("Ingested %d task(s) from %s\n", n, path)
	return exitOK
}

func runTaskSplit(args []string) int {
	fs := flag.NewFlagSet("task split", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	maxSubtasks := fs.Int("max-subtasks", tasks.DefaultMaxSubtasks, "Maximum number of subtasks")
	parent := fs.String("parent", "", "Existing task to split under (default: create one from the goal)")
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	goal := strings.TrimSpace(strings.Join(rest, " "))
	if (goal == "" && *parent == "") || *maxSubtasks < 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman task split <goal> [--max-subtasks N] [--parent ID] [--json]")
		return exitUsage
	}

	_, backend, code := openTasks(*configPath)
	if backend == nil {
		return code
	}
	ctx := context.Background()
	if goal == "" {
		t, err := backend.Get(ctx, *parent)
		if err != nil {
			return fail("Failed to read task %s: %v", *parent, err)
		}
		goal = t.Title
		if strings.TrimSpace(t.Description) != "" {
			goal = t.Description
		}
	}

	res, err := tasks.Split(ctx, backend, goal, *parent, *maxSubtasks)
	if err == nil && *jsonOut {
		return printJSON(res)
	}
	if res != nil {
		fmt.Printf("Parent: %s\n", res.ParentID)
		for _, t := range res.Subtasks {
			fmt.Printf("  %s: %s\n", t.ID, t.Title)
		}
	}
	if err != nil {
		return fail("Failed to split task: %v", err)
	}
	return exitOK
}

// --- pending / history ---

type pendingView struct {
	Conflicts    []pending.Record `json:"conflicts"`
	GateFailures []pending.Record `json:"gate_failures"`
}

func runPending(args []string) int {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output records as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman pending [--json]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}

	view := pendingView{}
	if view.Conflicts, err = pending.NewStore(cfg.StatePath(config.PendingConflictsFile)).All(); err != nil {
		return fail("Failed to read pending conflicts: %v", err)
	}
	if view.GateFailures, err = pending.NewStore(cfg.StatePath(config.PendingGatesFile)).All(); err != nil {
		return fail("Failed to read pending gate failures: %v", err)
	}

	if *jsonOut {
		if view.Conflicts == nil {
			view.Conflicts = []pending.Record{}
		}
		if view.GateFailures == nil {
			view.GateFailures = []pending.Record{}
		}
		return printJSON(view)
	}

	if len(view.Conflicts) == 0 && len(view.GateFailures) == 0 {
		fmt.Println("No pending records.")
		return exitOK
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tBRANCH\tESCALATION")
	for _, r := range view.Conflicts {
		fmt.Fprintf(w, "conflict\t%s\t%s\n", r.Branch, r.TaskID)
	}
	for _, r := range view.GateFailures {
		fmt.Fprintf(w, "gate\t%s\t%s\n", r.Branch, r.TaskID)
	}
	_ = w.Flush()
	return exitOK
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of integrations to show")
	jsonOut := fs.Bool("json", false, "Output history as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 || *limit <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman history [--limit N] [--json]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}
	dbPath := cfg.StatePath(config.JournalFile)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("No history recorded yet.")
		return exitOK
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		return fail("Failed to open journal: %v", err)
	}
	defer db.Close()

	rows, err := journal.New(db).Recent(ctx, *limit)
	if err != nil {
		return fail("Failed to read journal: %v", err)
	}
	if *jsonOut {
		if rows == nil {
			rows = []journal.Integration{}
		}
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("No history recorded yet.")
		return exitOK
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSOURCE\tBRANCH\tTASK\tOUTCOME\tFILES\tCOMMITS\tESCALATION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Source, r.Branch, dash(r.TaskID),
			r.Outcome, r.FilesChanged, r.Commits, dash(r.EscalationID))
	}
	_ = w.Flush()
	return exitOK
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigHelp()
		if len(args) < 1 {
			return exitUsage
		}
		return exitOK
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	case "get":
		return runConfigGet(args[1:])
	case "set":
		return runConfigSet(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return exitUsage
	}
}

func printConfigHelp() {
	fmt.Print(`Usage: foreman config <action> [flags]

Actions:
  check [--json]   Validate the configuration against the repository
  lock             Record the BLAKE3 checksum of the config file
  get <path>       Print the effective value at a dot path (--json)
  set <path> <v>   Write a value into the config file and re-validate
`)
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman config check [--json]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			printJSON(&doctor.Result{Valid: false, Errors: []doctor.Issue{{Category: "load", Message: err.Error()}}})
			return exitError
		}
		return fail("Configuration invalid: %v", err)
	}

	result := doctor.New(cfg, git.New()).Validate(context.Background())
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			return fail("Failed to render result: %v", err)
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return exitError
	}
	return exitOK
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman config lock [--config PATH]")
		return exitUsage
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		return fail("Failed to locate config: %v", err)
	}
	manifest, err := config.WriteChecksums(path)
	if err != nil {
		return fail("Failed to lock config: %v", err)
	}
	fmt.Printf("Locked %s (blake3 %s)\n", path, manifest.Hashes[filepath.Base(path)])
	return exitOK
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("config get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output the value as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: foreman config get <path> [--json]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail("Failed to load config: %v", err)
	}
	val, err := cfg.GetPath(rest[0])
	if err != nil {
		return fail("Error: %v", err)
	}

	if *jsonOut {
		return printJSON(val)
	}
	switch val.(type) {
	case map[string]any, []any:
		data, err := yaml.Marshal(val)
		if err != nil {
			return fail("Failed to render value: %v", err)
		}
		fmt.Print(string(data))
	default:
		fmt.Printf("%v\n", val)
	}
	return exitOK
}

func runConfigSet(args []string) int {
	fs := flag.NewFlagSet("config set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: foreman config set <path> <value>")
		return exitUsage
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		return fail("Failed to locate config: %v", err)
	}
	if err := config.SetPath(path, rest[0], rest[1]); err != nil {
		return fail("Apply failed: %v", err)
	}
	fmt.Printf("Set %s = %q in %s\n", rest[0], rest[1], path)
	return exitOK
}

// resolveConfigFile finds the config file without loading it, so a file whose
// checksum no longer matches can still be re-locked.
func resolveConfigFile(path string) (string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return "", err
		}
		path = discovered
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		abs = filepath.Join(abs, config.DefaultFileName)
		if _, err := os.Stat(abs); err != nil {
			return "", err
		}
	}
	return abs, nil
}

// --- output helpers ---

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail("Failed to render JSON: %v", err)
	}
	fmt.Println(string(data))
	return exitOK
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
