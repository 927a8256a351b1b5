// Package pid keeps one daemon, and so one capture loop, per host.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

const (
	pidFile = "labtelemetry.pid"
)

// Path returns the PID file location inside dir, or inside the system
// temp directory when dir is empty.
func Path(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, pidFile)
}

// Write writes the current process ID to the PID file in dir. It fails
// with ErrAlreadyRunning when the file names a live process other than
// this one. A stale or unreadable file is replaced.
func Write(dir string) error {
	errFactory := errors.New()
	self := os.Getpid()
	path := Path(dir)

	if bytes, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(bytes))); err == nil && pid != self && alive(pid) {
			return errFactory.WithData(errors.ErrAlreadyRunning, pid)
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(self)), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file in dir.
func Remove(dir string) error {
	path := Path(dir)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
