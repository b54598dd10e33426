package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DefaultPollInterval is how often Acquire retries a held lock.
const DefaultPollInterval = time.Second

// ErrLocked reports that the sentinel exists.
var ErrLocked = errors.New("merge lock is held")

// Holder is the diagnostic payload written into the sentinel. It is never used
// to decide ownership while the dispatcher is running.
type Holder struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// MergeLock serializes mainline mutation across processes through a sentinel
// file created with O_CREATE|O_EXCL. It is not reentrant.
type MergeLock struct {
	path string
	poll time.Duration
}

// NewMergeLock returns a lock backed by the sentinel at path.
func NewMergeLock(path string) *MergeLock {
	return &MergeLock{path: path, poll: DefaultPollInterval}
}

// WithPollInterval overrides the retry interval.
func (l *MergeLock) WithPollInterval(d time.Duration) *MergeLock {
	if d > 0 {
		l.poll = d
	}
	return l
}

func (l *MergeLock) Path() string { return l.path }

// TryAcquire makes a single attempt. It returns ErrLocked when the sentinel
// already exists.
func (l *MergeLock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrLocked
		}
		return fmt.Errorf("create merge lock: %w", err)
	}
	defer f.Close()

	// Best effort: the file's existence is the lock, not its contents.
	_ = json.NewEncoder(f).Encode(Holder{PID: os.Getpid(), StartedAt: time.Now().UTC()})
	return nil
}

// Acquire polls until the sentinel is created or timeout elapses. A timeout
// returns (false, nil). Cancelling ctx returns ctx.Err(); otherwise only
// unexpected filesystem errors are returned.
func (l *MergeLock) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		err := l.TryAcquire()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrLocked) {
			return false, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := l.poll
		if wait > remaining {
			wait = remaining
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// Release removes the sentinel. Releasing an unheld lock is a no-op.
func (l *MergeLock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release merge lock: %w", err)
	}
	return nil
}

// Held reports whether the sentinel currently exists.
func (l *MergeLock) Held() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// ReadHolder returns the diagnostic payload, if any.
func (l *MergeLock) ReadHolder() (*Holder, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse merge lock holder: %w", err)
	}
	return &h, nil
}

// ClearAbandoned removes the sentinel whatever it contains. Only call it
// while holding the instance lock for the same state directory: then no other
// dispatcher can be mid-merge, so any sentinel is left over from a crash. A
// recycled pid or a sentinel emptied by a crash right after creation would
// otherwise block every merge.
func (l *MergeLock) ClearAbandoned() (*Holder, bool, error) {
	if !l.Held() {
		return nil, false, nil
	}
	h, _ := l.ReadHolder()
	if err := l.Release(); err != nil {
		return h, false, err
	}
	return h, true, nil
}

// Stale reports whether the sentinel names a process that no longer exists.
func (l *MergeLock) Stale() bool {
	h, err := l.ReadHolder()
	if err != nil {
		return false
	}
	return h.PID > 0 && !processExists(h.PID)
}

func processExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
