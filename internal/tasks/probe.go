package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/foreman/internal/config"
)

// LedgerDir is the directory whose presence marks a repository as using the
// command-line ledger.
const LedgerDir = ".beads"

// Capabilities is the result of probing the repository for a ledger.
type Capabilities struct {
	LedgerStore   bool
	LedgerCommand string // resolved path, empty when not on PATH
}

// LedgerUsable reports whether the ledger backend can be selected.
func (c Capabilities) LedgerUsable() bool {
	return c.LedgerStore && c.LedgerCommand != ""
}

// Probe inspects repoRoot and PATH.
func Probe(repoRoot, ledgerCommand string) Capabilities {
	var c Capabilities
	if info, err := os.Stat(filepath.Join(repoRoot, LedgerDir)); err == nil && info.IsDir() {
		c.LedgerStore = true
	}
	if p, err := exec.LookPath(ledgerCommand); err == nil {
		c.LedgerCommand = p
	}
	return c
}

// Open selects the backend named by cfg.Tasks.Backend. "auto" picks the ledger
// only when both the ledger store and command are present.
func Open(cfg *config.Config, logger *slog.Logger) (Backend, error) {
	caps := Probe(cfg.Repo.Root, cfg.Tasks.LedgerCommand)
	switch cfg.Tasks.Backend {
	case config.BackendLedger:
		if caps.LedgerCommand == "" {
			return nil, fmt.Errorf("ledger command %q not found on PATH", cfg.Tasks.LedgerCommand)
		}
		return NewLedger(ExecRunner{Command: caps.LedgerCommand, Dir: cfg.Repo.Root}, logger), nil
	case config.BackendFile:
		return NewFile(cfg.Tasks.QueueFile), nil
	case config.BackendAuto, "":
		if caps.LedgerUsable() {
			return NewLedger(ExecRunner{Command: caps.LedgerCommand, Dir: cfg.Repo.Root}, logger), nil
		}
		return NewFile(cfg.Tasks.QueueFile), nil
	default:
		return nil, fmt.Errorf("unknown task backend %q", cfg.Tasks.Backend)
	}
}
