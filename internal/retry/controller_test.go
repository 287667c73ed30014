package retry

import (
	"errors"
	"testing"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/events"
)

type scheduledJob struct {
	id    string
	delay time.Duration
}

type retryHarness struct {
	controller *Controller
	bus        *events.Bus
	events     []events.Event
	scheduled  []scheduledJob
}

func newRetryHarness(t *testing.T, opts Options) *retryHarness {
	t.Helper()
	h := &retryHarness{bus: events.NewBus()}
	h.bus.SubscribeAll(func(ev events.Event) error {
		h.events = append(h.events, ev)
		return nil
	})
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	h.controller = NewController(h.bus, clk, opts)
	return h
}

func (h *retryHarness) fail(jobID string, cause error, maxAttempts int, baseDelay time.Duration) bool {
	return h.controller.OnFailure(FailedJob{
		JobID:       jobID,
		PipelineID:  "repomix",
		Data:        map[string]any{"repoPath": "/repos/app"},
		Cause:       cause,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
	}, func(id string, data map[string]any, delay time.Duration) {
		h.scheduled = append(h.scheduled, scheduledJob{id: id, delay: delay})
	})
}

func (h *retryHarness) topics() []events.Topic {
	var out []events.Topic
	for _, ev := range h.events {
		out = append(out, ev.Topic)
	}
	return out
}

func TestNonRetryableDropsChain(t *testing.T) {
	t.Parallel()
	h := newRetryHarness(t, Options{})

	ok := h.fail("job-1", Validationf("bad input"), 3, time.Second)
	if ok {
		t.Fatalf("validation errors must not schedule retries")
	}
	if len(h.scheduled) != 0 {
		t.Fatalf("unexpected scheduled jobs: %+v", h.scheduled)
	}
	if len(h.events) != 1 || h.events[0].Topic != events.RetryMaxAttempts {
		t.Fatalf("expected one retry:max-attempts event, got %v", h.topics())
	}
	if reason := h.events[0].Str("reason", ""); reason != "non-retryable" {
		t.Fatalf("expected reason non-retryable, got %q", reason)
	}
	if n := h.controller.ChainCount(); n != 0 {
		t.Fatalf("expected no live chains, got %d", n)
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	t.Parallel()
	h := newRetryHarness(t, Options{MaxAbsoluteAttempts: 9})
	cause := errors.New("kaboom")

	// Unknown errors suggest 5s, which beats the 1s base delay.
	if !h.fail("job-1", cause, 8, time.Second) {
		t.Fatalf("first failure should schedule")
	}
	if !h.fail("job-1-retry1", cause, 8, time.Second) {
		t.Fatalf("second failure should schedule")
	}
	if !h.fail("job-1-retry2", cause, 8, time.Second) {
		t.Fatalf("third failure should schedule")
	}

	wantIDs := []string{"job-1-retry1", "job-1-retry2", "job-1-retry3"}
	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(h.scheduled) != 3 {
		t.Fatalf("expected 3 scheduled successors, got %+v", h.scheduled)
	}
	for i, s := range h.scheduled {
		if s.id != wantIDs[i] {
			t.Fatalf("successor %d: expected %s, got %s", i, wantIDs[i], s.id)
		}
		if s.delay != wantDelays[i] {
			t.Fatalf("successor %d: expected delay %v, got %v", i, wantDelays[i], s.delay)
		}
	}

	// Warning fires on the third attempt, before that attempt's scheduled
	// event.
	var warnings int
	for _, ev := range h.events {
		if ev.Topic == events.RetryWarning {
			warnings++
			if got := ev.Payload["attempt"]; got != 3 {
				t.Fatalf("expected warning at attempt 3, got %v", got)
			}
		}
	}
	if warnings != 1 {
		t.Fatalf("expected exactly one warning, got %d (%v)", warnings, h.topics())
	}
}

func TestMaxAttemptsEndsChain(t *testing.T) {
	t.Parallel()
	h := newRetryHarness(t, Options{})
	cause := errors.New("kaboom")

	if !h.fail("job-1", cause, 2, time.Second) {
		t.Fatalf("first failure should schedule")
	}
	if h.fail("job-1-retry1", cause, 2, time.Second) {
		t.Fatalf("second failure should exhaust the chain")
	}

	if len(h.scheduled) != 1 {
		t.Fatalf("expected a single successor, got %+v", h.scheduled)
	}
	last := h.events[len(h.events)-1]
	if last.Topic != events.RetryMaxAttempts || last.Str("reason", "") != "max-attempts" {
		t.Fatalf("expected terminal max-attempts event, got %+v", last)
	}
	if n := h.controller.ChainCount(); n != 0 {
		t.Fatalf("chain should be dropped, got %d live", n)
	}
}

func TestCircuitBreakerAbsoluteCeiling(t *testing.T) {
	t.Parallel()

	var reported string
	h := newRetryHarness(t, Options{
		Report: func(originalID string, attempts int, cause error) {
			reported = originalID
		},
	})
	cause := errors.New("kaboom")

	// Pipeline config allows far more attempts than the hard ceiling.
	id := "job-1"
	for i := 1; i <= 4; i++ {
		if !h.fail(id, cause, 99, time.Second) {
			t.Fatalf("attempt %d should schedule", i)
		}
		id = h.scheduled[len(h.scheduled)-1].id
	}
	if h.fail(id, cause, 99, time.Second) {
		t.Fatalf("fifth failure should trip the breaker")
	}

	last := h.events[len(h.events)-1]
	if last.Topic != events.RetryCircuitBreaker {
		t.Fatalf("expected circuit breaker event, got %v", h.topics())
	}
	if last.Payload["attempts"] != 5 {
		t.Fatalf("expected 5 attempts recorded, got %v", last.Payload["attempts"])
	}
	if reported != "job-1" {
		t.Fatalf("expected breaker report for job-1, got %q", reported)
	}
}

func TestSuccessResetsChain(t *testing.T) {
	t.Parallel()
	h := newRetryHarness(t, Options{})
	cause := errors.New("kaboom")

	if !h.fail("job-1", cause, 4, time.Second) {
		t.Fatalf("first failure should schedule")
	}
	if got := h.controller.Attempts("job-1-retry1"); got != 1 {
		t.Fatalf("expected 1 attempt on chain, got %d", got)
	}

	h.controller.OnSuccess("job-1-retry1")
	if got := h.controller.Attempts("job-1"); got != 0 {
		t.Fatalf("success should clear the chain, got %d attempts", got)
	}

	// A later failure starts a fresh chain at attempt 1.
	if !h.fail("job-1", cause, 4, time.Second) {
		t.Fatalf("fresh failure should schedule")
	}
	last := h.scheduled[len(h.scheduled)-1]
	if last.id != "job-1-retry1" || last.delay != 5*time.Second {
		t.Fatalf("expected fresh chain, got %+v", last)
	}
}

func TestOriginalID(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"job", "job"},
		{"job-retry1", "job"},
		{"job-retry1-retry2", "job"},
		{"job-retry", "job-retry"},
		{"job-retryx2", "job-retryx2"},
		{"repomix-1748772000000-retry3", "repomix-1748772000000"},
	}
	for _, tc := range cases {
		if got := OriginalID(tc.in); got != tc.want {
			t.Fatalf("OriginalID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
