package pending

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTripSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "pending_conflicts.json")

	s := NewStore(path)
	all, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.Put("fw2", "task-9"))
	require.NoError(t, s.Put("fw1", "task-3"))
	require.NoError(t, s.Put("fw2", "task-10"))

	reopened := NewStore(path)
	all, err = reopened.All()
	require.NoError(t, err)
	assert.Equal(t, []Record{{Branch: "fw1", TaskID: "task-3"}, {Branch: "fw2", TaskID: "task-10"}}, all)

	id, ok, err := reopened.Get("fw1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "task-3", id)

	require.NoError(t, reopened.Remove("fw1"))
	require.NoError(t, reopened.Remove("fw1"))
	_, ok, err = s.Get("fw1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreReadsWrappedFormat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pending.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pending": {"fw3": "bd-7"}}`), 0o644))

	all, err := NewStore(path).All()
	require.NoError(t, err)
	assert.Equal(t, []Record{{Branch: "fw3", TaskID: "bd-7"}}, all)
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pending.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fw1": `), 0o644))

	_, err := NewStore(path).All()
	require.Error(t, err)
	assert.Error(t, NewStore(path).Put("fw1", "x"))
}
