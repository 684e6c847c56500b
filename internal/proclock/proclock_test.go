package proclock

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "synapse.lock")
}

func TestLock_AcquireRelease(t *testing.T) {
	path := testLockPath(t)
	lock := New(path, slog.Default())

	require.NoError(t, lock.Acquire())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is harmless
	assert.NoError(t, lock.Release())
}

func TestLock_RefusesLiveHolder(t *testing.T) {
	path := testLockPath(t)

	// The current test process stands in for another live holder
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	lock := New(path, slog.Default())
	err := lock.Acquire()
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestLock_ClearsStaleLock(t *testing.T) {
	path := testLockPath(t)

	// A PID far beyond the kernel's range cannot name a live process
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	lock := New(path, slog.Default())
	require.NoError(t, lock.Acquire())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestLock_OverwritesGarbageFile(t *testing.T) {
	path := testLockPath(t)

	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	lock := New(path, slog.Default())
	require.NoError(t, lock.Acquire())
	require.NoError(t, lock.Release())
}

func TestLock_ReleaseLeavesForeignLock(t *testing.T) {
	path := testLockPath(t)
	lock := New(path, slog.Default())
	require.NoError(t, lock.Acquire())

	// Another process took the lock over (e.g. after our file was cleared)
	require.NoError(t, os.WriteFile(path, []byte("424242"), 0o644))

	require.NoError(t, lock.Release())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "424242", string(data))
}
