package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning reports that a live daemon holds the pidfile.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePidfile records the current pid, refusing when the pidfile
// points at a live process. A stale pidfile is overwritten.
func WritePidfile(path string) error {
	if pid, err := ReadPidfile(path); err == nil && pidAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// ReadPidfile returns the recorded pid.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", path, err)
	}
	return pid, nil
}

// RemovePidfile deletes the pidfile; a missing file is not an error.
func RemovePidfile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pidAlive probes the process with a null signal. EPERM still means the
// process exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Alive reports whether the pidfile names a live process.
func Alive(path string) bool {
	pid, err := ReadPidfile(path)
	return err == nil && pidAlive(pid)
}
