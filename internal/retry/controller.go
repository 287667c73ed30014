package retry

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/events"
)

// DefaultMaxAbsoluteAttempts is the hard ceiling across a whole retry chain
// regardless of per-pipeline settings.
const DefaultMaxAbsoluteAttempts = 5

// ScheduleFunc enqueues a successor job after delay elapses.
type ScheduleFunc func(id string, data map[string]any, delay time.Duration)

// FailedJob describes one failed job for retry consideration. MaxAttempts
// and BaseDelay come from the pipeline that ran it; they bind the chain on
// first failure and later failures in the same chain keep the original
// values.
type FailedJob struct {
	JobID       string
	PipelineID  string
	Data        map[string]any
	Cause       error
	MaxAttempts int
	BaseDelay   time.Duration
}

type chain struct {
	attempts      int
	maxAttempts   int
	lastAttemptAt time.Time
	baseDelay     time.Duration
}

// Controller tracks retry chains keyed by original job ID. It only ever
// schedules successor jobs; failed jobs themselves are never mutated here.
type Controller struct {
	mu     sync.Mutex
	chains map[string]*chain

	bus         *events.Bus
	clock       clock.Clock
	maxAbsolute int
	report      func(originalID string, attempts int, cause error)
}

// Options tunes a Controller. Zero values pick the defaults.
type Options struct {
	MaxAbsoluteAttempts int
	// Report is invoked when a chain trips the absolute ceiling. Defaults
	// to an error log.
	Report func(originalID string, attempts int, cause error)
}

// NewController builds a Controller publishing retry events on bus.
func NewController(bus *events.Bus, clk clock.Clock, opts Options) *Controller {
	if opts.MaxAbsoluteAttempts <= 0 {
		opts.MaxAbsoluteAttempts = DefaultMaxAbsoluteAttempts
	}
	if opts.Report == nil {
		opts.Report = func(originalID string, attempts int, cause error) {
			slog.Error("retry chain hit the absolute attempt ceiling",
				"original_id", originalID, "attempts", attempts, "error", cause)
		}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Controller{
		chains:      make(map[string]*chain),
		bus:         bus,
		clock:       clk,
		maxAbsolute: opts.MaxAbsoluteAttempts,
		report:      opts.Report,
	}
}

// OnFailure decides whether f's failure earns a successor job. It returns
// true when one was scheduled. Emission order per failure: warning (when the
// chain is getting long), then scheduled.
func (c *Controller) OnFailure(f FailedJob, schedule ScheduleFunc) bool {
	cls := Classify(f.Cause)
	orig := OriginalID(f.JobID)

	if !cls.Retryable {
		c.mu.Lock()
		delete(c.chains, orig)
		c.mu.Unlock()
		c.bus.Publish(events.Event{
			Topic:      events.RetryMaxAttempts,
			JobID:      f.JobID,
			PipelineID: f.PipelineID,
			Payload: map[string]any{
				"originalId": orig,
				"reason":     "non-retryable",
				"category":   string(cls.Category),
			},
		})
		return false
	}

	c.mu.Lock()
	ch, ok := c.chains[orig]
	if !ok {
		ch = &chain{maxAttempts: f.MaxAttempts, baseDelay: f.BaseDelay}
		c.chains[orig] = ch
	}
	ch.attempts++
	ch.lastAttemptAt = c.clock.Now()
	attempts := ch.attempts
	maxAttempts := ch.maxAttempts
	base := ch.baseDelay

	if attempts >= c.maxAbsolute {
		delete(c.chains, orig)
		c.mu.Unlock()
		c.bus.Publish(events.Event{
			Topic:      events.RetryCircuitBreaker,
			JobID:      f.JobID,
			PipelineID: f.PipelineID,
			Payload:    map[string]any{"originalId": orig, "attempts": attempts},
		})
		c.report(orig, attempts, f.Cause)
		return false
	}
	if attempts >= maxAttempts {
		delete(c.chains, orig)
		c.mu.Unlock()
		c.bus.Publish(events.Event{
			Topic:      events.RetryMaxAttempts,
			JobID:      f.JobID,
			PipelineID: f.PipelineID,
			Payload: map[string]any{
				"originalId": orig,
				"attempts":   attempts,
				"reason":     "max-attempts",
				"category":   string(cls.Category),
			},
		})
		return false
	}
	c.mu.Unlock()

	if attempts >= 3 {
		c.bus.Publish(events.Event{
			Topic:      events.RetryWarning,
			JobID:      f.JobID,
			PipelineID: f.PipelineID,
			Payload:    map[string]any{"originalId": orig, "attempt": attempts},
		})
	}

	delay := base
	if cls.SuggestedDelay > delay {
		delay = cls.SuggestedDelay
	}
	delay *= time.Duration(1) << (attempts - 1)

	next := orig + "-retry" + strconv.Itoa(attempts)
	c.bus.Publish(events.Event{
		Topic:      events.RetryScheduled,
		JobID:      f.JobID,
		PipelineID: f.PipelineID,
		Payload: map[string]any{
			"originalId": orig,
			"attempt":    attempts,
			"delayMs":    delay.Milliseconds(),
			"nextId":     next,
			"category":   string(cls.Category),
		},
	})
	schedule(next, f.Data, delay)
	return true
}

// OnSuccess drops the chain once any job in it completes.
func (c *Controller) OnSuccess(jobID string) {
	c.mu.Lock()
	delete(c.chains, OriginalID(jobID))
	c.mu.Unlock()
}

// Attempts reports the attempt count recorded against jobID's chain.
func (c *Controller) Attempts(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chains[OriginalID(jobID)]; ok {
		return ch.attempts
	}
	return 0
}

// ChainCount reports how many chains are currently live.
func (c *Controller) ChainCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chains)
}

// OriginalID strips every trailing "-retry{N}" suffix, recovering the ID of
// the first job in a chain.
func OriginalID(id string) string {
	for {
		i := strings.LastIndex(id, "-retry")
		if i < 0 {
			return id
		}
		rest := id[i+len("-retry"):]
		if rest == "" || !allDigits(rest) {
			return id
		}
		id = id[:i]
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
