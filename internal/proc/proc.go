// Package proc runs external commands for pipelines: capped output
// capture, timeouts, SIGTERM-then-SIGKILL on cancel, and failure messages
// that carry the tail of stderr plus a reproduction command.
package proc

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCaptureCap bounds how much of each stream is retained.
	DefaultCaptureCap = 64 * 1024
	// DefaultKillGrace is how long a SIGTERMed child gets before SIGKILL.
	DefaultKillGrace = 10 * time.Second
)

// Options tunes one Run call. Zero values pick the defaults.
type Options struct {
	Dir        string
	Env        []string
	Timeout    time.Duration
	CaptureCap int
	KillGrace  time.Duration
}

// Result captures one finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Error describes a failed command with enough context to reproduce it.
type Error struct {
	Command    string
	ExitCode   int
	StderrTail string
	TimedOut   bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command failed (exit %d): %s", e.ExitCode, e.Command)
	if e.TimedOut {
		b.WriteString(" (timed out)")
	}
	if e.StderrTail != "" {
		fmt.Fprintf(&b, ": %s", e.StderrTail)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// capBuffer retains only the last cap bytes written to it. Diagnostics
// come from the end of a stream, so the tail is what matters.
type capBuffer struct {
	mu      sync.Mutex
	buf     []byte
	cap     int
	dropped int64
}

func newCapBuffer(max int) *capBuffer {
	if max <= 0 {
		max = DefaultCaptureCap
	}
	return &capBuffer{cap: max}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.cap; over > 0 {
		b.buf = b.buf[over:]
		b.dropped += int64(over)
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("...[%d bytes dropped]...%s", b.dropped, b.buf)
	}
	return string(b.buf)
}

// Run executes name with args. On cancellation the child receives SIGTERM
// and, after the kill grace, SIGKILL.
func Run(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	timedOut := false
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	cmd.WaitDelay = grace

	stdout := newCapBuffer(opts.CaptureCap)
	stderr := newCapBuffer(opts.CaptureCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		timedOut = true
	}

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if timedOut {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return res, &Error{
			Command:    ReproCommand(name, args, opts.Dir),
			ExitCode:   res.ExitCode,
			StderrTail: tail(res.Stderr, 2048),
			TimedOut:   timedOut,
			Err:        err,
		}
	}
	return res, nil
}

// ReproCommand renders a copy-pasteable shell command for failure reports.
func ReproCommand(name string, args []string, dir string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	cmd := strings.Join(parts, " ")
	if dir != "" {
		return fmt.Sprintf("(cd %s && %s)", shellQuote(dir), cmd)
	}
	return cmd
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n\"'\\$&|;<>()*?[]#~`!{}") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
