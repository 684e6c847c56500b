// ABOUTME: Tests for the local brain-state checkpoint file
// ABOUTME: Covers backup rotation, newer-of-two loading, and corruption

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synaptiq/synapse-hub/internal/store"
)

func testBrainFile(t *testing.T) *BrainFile {
	t.Helper()
	return NewBrainFile(filepath.Join(t.TempDir(), "brain_state.json"))
}

func testState(task string, at time.Time) *store.BrainState {
	return &store.BrainState{
		AIID:         7,
		CurrentTask:  task,
		CycleCount:   1,
		LastActivity: at,
	}
}

func TestBrainFile_SaveAndLoad(t *testing.T) {
	b := testBrainFile(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, b.Save(testState("indexing", now)))

	loaded, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.AIID)
	assert.Equal(t, "indexing", loaded.CurrentTask)
	assert.True(t, loaded.LastActivity.Equal(now))
}

func TestBrainFile_LoadEmpty(t *testing.T) {
	b := testBrainFile(t)

	_, err := b.Load()
	assert.ErrorIs(t, err, ErrNoBrainState)
}

func TestBrainFile_SecondSaveRotatesBackup(t *testing.T) {
	b := testBrainFile(t)
	now := time.Now().UTC()

	require.NoError(t, b.Save(testState("first", now.Add(-time.Minute))))
	require.NoError(t, b.Save(testState("second", now)))

	// Backup holds the previous checkpoint.
	data, err := os.ReadFile(b.backupPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")

	loaded, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, "second", loaded.CurrentTask)
}

func TestBrainFile_CorruptPrimaryFallsBackToBackup(t *testing.T) {
	b := testBrainFile(t)
	now := time.Now().UTC()

	require.NoError(t, b.Save(testState("good", now.Add(-time.Minute))))
	require.NoError(t, b.Save(testState("clobbered", now)))
	require.NoError(t, os.WriteFile(b.path, []byte("{not json"), 0o644))

	loaded, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, "good", loaded.CurrentTask)
}

func TestBrainFile_NewerBackupWins(t *testing.T) {
	b := testBrainFile(t)
	now := time.Now().UTC()

	// Primary ends up older than backup, as after a partially rolled-back
	// save. Load must still pick the freshest checkpoint.
	require.NoError(t, b.Save(testState("newer", now)))
	require.NoError(t, os.Rename(b.path, b.backupPath()))
	require.NoError(t, b.Save(testState("older", now.Add(-time.Hour))))

	loaded, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, "newer", loaded.CurrentTask)
}

func TestBrainFile_Newest(t *testing.T) {
	now := time.Now().UTC()

	t.Run("remote newer than local", func(t *testing.T) {
		b := testBrainFile(t)
		require.NoError(t, b.Save(testState("local", now.Add(-time.Hour))))

		got := b.Newest(testState("remote", now))
		assert.Equal(t, "remote", got.CurrentTask)
	})

	t.Run("local newer than remote", func(t *testing.T) {
		b := testBrainFile(t)
		require.NoError(t, b.Save(testState("local", now)))

		got := b.Newest(testState("remote", now.Add(-time.Hour)))
		assert.Equal(t, "local", got.CurrentTask)
	})

	t.Run("no local state", func(t *testing.T) {
		b := testBrainFile(t)

		got := b.Newest(testState("remote", now))
		assert.Equal(t, "remote", got.CurrentTask)
	})

	t.Run("nothing anywhere", func(t *testing.T) {
		b := testBrainFile(t)
		assert.Nil(t, b.Newest(nil))
	})
}
