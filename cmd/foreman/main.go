package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "run":
		return runRun(args)
	case "sweep":
		return runSweep(args)
	case "task":
		return runTaskNoun(args)
	case "pending":
		return runPending(args)
	case "history":
		return runHistory(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Print(`foreman - run coding agents in parallel git worktrees and merge their work

Usage:
  foreman <command> [flags]

Dispatcher:
  start                 Run the dispatcher in the foreground
  run --once            Fill free slots, wait, integrate, sweep, then exit
  sweep                 Run both retry sweeps once

Tasks:
  task list             List ready tasks
  task add <title>      Create a task (--description D)
  task ingest           Ingest a suggestions file (--file F)
  task split <goal>     Split a goal into subtasks (--max-subtasks N, --parent ID)

State:
  pending               Show pending conflict and gate-failure records
  history               Show recent integration outcomes (--limit N)
  watch                 Live dashboard of a running dispatcher (--api-url URL)

Config:
  config check          Validate the configuration (--json)
  config lock           Record the config checksum
  config get <path>     Print an effective config value
  config set <path> <v> Edit the config file and re-validate
  doctor                Alias for config check

General:
  version               Show version information
  help                  Show this help message

Every command accepts --config <path>. Without it foreman looks at
$FOREMAN_CONFIG, ./foreman.yaml and ~/.config/foreman/foreman.yaml.
`)
}

// parseInterspersed parses fs allowing flags after positional arguments and
// returns the positionals.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// parseFlags reports a usage exit code when parsing fails. -h returns exitOK.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, int, bool) {
	rest, err := parseInterspersed(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, exitOK, false
		}
		return nil, exitUsage, false
	}
	return rest, exitOK, true
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman version [--json]")
		return exitUsage
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitError
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("foreman %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
