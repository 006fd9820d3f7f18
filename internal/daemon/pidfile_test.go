package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidfile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	require.NoError(t, WritePidfile(path))
	pid, err := ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, Alive(path))

	require.NoError(t, RemovePidfile(path))
	_, err = ReadPidfile(path)
	assert.Error(t, err)
	assert.NoError(t, RemovePidfile(path), "removing a missing pidfile is fine")
}

func TestPidfile_RefusesLivePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, WritePidfile(path))

	err := WritePidfile(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPidfile_OverwritesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	// No process can have this pid on Linux (max is far below it).
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o600))

	require.NoError(t, WritePidfile(path))
	pid, err := ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPidfile_MalformedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	_, err := ReadPidfile(path)
	assert.Error(t, err)
	assert.False(t, Alive(path))
	// A malformed pidfile counts as stale and is reclaimed.
	require.NoError(t, WritePidfile(path))
}
