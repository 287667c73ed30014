package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePID records the current process ID at path.
func WritePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPID returns the process ID recorded at path.
func ReadPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// RemovePID deletes the PID file, ignoring a missing one.
func RemovePID(path string) {
	_ = os.Remove(path)
}

// Running reports whether the process recorded at path is alive.
func Running(path string) (int, bool) {
	pid, err := ReadPID(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, ProcessAlive(pid)
}

// ProcessAlive probes pid with signal 0, which checks existence without
// touching the process.
func ProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
