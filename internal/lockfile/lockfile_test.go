package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")

	lock, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLiveLockRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	// Our own pid is definitely alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := Acquire(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "another instance")
}

func TestAcquireStaleLockTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	// Pid 0 never identifies a live peer process.
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o644))

	lock, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestReleaseForeignPidLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pid")
	lock, err := Acquire(path)
	require.NoError(t, err)

	// Simulate takeover by another process after our acquire.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))
	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	require.NoError(t, err)
}
