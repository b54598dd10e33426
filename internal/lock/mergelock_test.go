package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T) *MergeLock {
	t.Helper()
	return NewMergeLock(filepath.Join(t.TempDir(), "state", "merge.lock")).WithPollInterval(10 * time.Millisecond)
}

func TestMergeLockAcquireRelease(t *testing.T) {
	t.Parallel()
	l := newTestLock(t)

	ok, err := l.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.Held())

	h, err := l.ReadHolder()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), h.PID)

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
}

func TestMergeLockReleaseUnheldIsNoop(t *testing.T) {
	t.Parallel()
	l := newTestLock(t)
	assert.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestMergeLockTimesOutWhenHeld(t *testing.T) {
	t.Parallel()
	l := newTestLock(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
	require.NoError(t, os.WriteFile(l.Path(), []byte("someone else\n"), 0o644))

	start := time.Now()
	ok, err := l.Acquire(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, l.Held(), "a timed-out acquire must not remove the holder's sentinel")
}

func TestMergeLockNotReentrant(t *testing.T) {
	t.Parallel()
	l := newTestLock(t)

	ok, err := l.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, l.Release())
}

func TestMergeLockExclusiveUnderContention(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "merge.lock")

	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		wins    atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := NewMergeLock(path).WithPollInterval(time.Millisecond)
			ok, err := l.Acquire(context.Background(), 2*time.Second)
			if err != nil || !ok {
				return
			}
			n := holders.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			wins.Add(1)
			_ = l.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load(), "two holders at once")
	assert.Equal(t, int32(8), wins.Load())
}

func TestMergeLockContextCancel(t *testing.T) {
	t.Parallel()
	l := newTestLock(t)
	require.NoError(t, l.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := l.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestClearAbandoned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content []byte
		wantPID int
	}{
		{"live pid", []byte(fmt.Sprintf(`{"pid": %d, "started_at": "2026-01-01T00:00:00Z"}`, os.Getpid())), os.Getpid()},
		{"recycled pid", []byte(`{"pid": 1}`), 1},
		{"empty", nil, 0},
		{"garbage", []byte("garbage"), 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := newTestLock(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
			require.NoError(t, os.WriteFile(l.Path(), tc.content, 0o644))

			h, cleared, err := l.ClearAbandoned()
			require.NoError(t, err)
			assert.True(t, cleared)
			assert.False(t, l.Held())
			if tc.wantPID > 0 {
				require.NotNil(t, h)
				assert.Equal(t, tc.wantPID, h.PID)
			}
			require.NoError(t, l.TryAcquire())
		})
	}

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		_, cleared, err := newTestLock(t).ClearAbandoned()
		require.NoError(t, err)
		assert.False(t, cleared)
	})
}

func TestStale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   func() []byte
		wantStale bool
	}{
		{
			name: "dead pid",
			content: func() []byte {
				b, _ := json.Marshal(Holder{PID: 1 << 30, StartedAt: time.Now()})
				return b
			},
			wantStale: true,
		},
		{
			name: "live pid",
			content: func() []byte {
				b, _ := json.Marshal(Holder{PID: os.Getpid(), StartedAt: time.Now()})
				return b
			},
			wantStale: false,
		},
		{
			name:      "unparseable",
			content:   func() []byte { return []byte("garbage") },
			wantStale: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := newTestLock(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))
			require.NoError(t, os.WriteFile(l.Path(), tc.content(), 0o644))

			assert.Equal(t, tc.wantStale, l.Stale())
			assert.True(t, l.Held())
		})
	}

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		assert.False(t, newTestLock(t).Stale())
	})
}
