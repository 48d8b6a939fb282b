package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// WritePidFile records the current process id at path. An existing file from
// a live process is an error; a stale file left by a dead process is
// overwritten.
func WritePidFile(path string) error {
	if pid, alive := pidFileAlive(path); alive {
		return fmt.Errorf("daemon already running with pid %d (per %s)", pid, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemovePidFile deletes the pid file. Missing files are fine.
func RemovePidFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// pidFileAlive reports the recorded pid and whether that process still
// exists. Signal 0 probes liveness without delivering anything.
func pidFileAlive(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := unix.Kill(pid, 0); err != nil {
		// ESRCH means no such process; EPERM means it exists but is not ours.
		return pid, err == unix.EPERM
	}
	return pid, true
}
