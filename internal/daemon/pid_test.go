package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sidequest.pid")

	if err := WritePID(path); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}

	RemovePID(path)
	if _, err := ReadPID(path); err == nil {
		t.Fatal("expected error after remove")
	}
	// Removing twice is fine.
	RemovePID(path)
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sidequest.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunningDetectsLiveProcess(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sidequest.pid")

	if _, alive := Running(path); alive {
		t.Fatal("missing pid file should not report running")
	}

	if err := WritePID(path); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, alive := Running(path)
	if !alive || pid != os.Getpid() {
		t.Fatalf("expected own process alive, got pid=%d alive=%v", pid, alive)
	}
}

func TestProcessAliveDeadPID(t *testing.T) {
	t.Parallel()
	// PID beyond the default pid_max on Linux cannot exist.
	if ProcessAlive(1 << 30) {
		t.Fatal("expected impossible pid to be dead")
	}
}
