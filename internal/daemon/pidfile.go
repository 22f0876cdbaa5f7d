package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning indicates another daemon instance holds the PID file.
var ErrAlreadyRunning = errors.New("daemon: already running")

// WritePIDFile records the current process id for external lifecycle
// control. A stale file left by a dead process is replaced; a file
// pointing at a live process refuses the start.
func WritePIDFile(path string) error {
	if pid, err := ReadPIDFile(path); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPIDFile returns the recorded process id.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file, ignoring a missing one.
func RemovePIDFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		// best effort
		_ = err
	}
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
