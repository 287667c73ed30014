// Package clock provides the time source and job ID generation shared by
// the scheduler and the pipeline workers.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts the time source so tests can drive delays deterministically.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake returns a fake clock pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{t: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

var (
	idMu     sync.Mutex
	idLastMs int64
)

// NewID returns "{prefix}-{wallMs}". Two calls landing in the same
// millisecond get strictly increasing values, so IDs stay unique within a
// process even when handlers mint them outside the dispatch path.
func NewID(c Clock, prefix string) string {
	ms := c.Now().UnixMilli()

	idMu.Lock()
	if ms <= idLastMs {
		ms = idLastMs + 1
	}
	idLastMs = ms
	idMu.Unlock()

	return fmt.Sprintf("%s-%d", prefix, ms)
}

// ShortID returns the first 10 characters of a job ID for log lines.
func ShortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}
