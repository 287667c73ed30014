package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sidequest/internal/config"
	"sidequest/internal/events"
)

const (
	defaultSendTimeout = 4 * time.Second
	defaultQueueDepth  = 64
)

// Notifier subscribes to the event bus and delivers matching events to
// every configured channel. Bus delivery is synchronous, so the
// subscriber only enqueues; the Run loop does the network work.
type Notifier struct {
	senders     []Sender
	triggers    map[string]struct{}
	queue       chan Payload
	sendTimeout time.Duration
}

// New builds a notifier from the notifications config section. A nil
// client uses http.DefaultClient.
func New(cfg config.NotificationsConfig, client *http.Client) *Notifier {
	return &Notifier{
		senders:     BuildSenders(cfg, client),
		triggers:    TriggerSet(cfg.Triggers),
		queue:       make(chan Payload, defaultQueueDepth),
		sendTimeout: defaultSendTimeout,
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// AttachBus subscribes to the topics the configured triggers cover.
func (n *Notifier) AttachBus(bus *events.Bus) {
	if !n.Enabled() {
		return
	}
	bus.Subscribe(events.JobFailed, func(evt events.Event) error {
		// Retryable failures are noise at this point; the exhausted
		// trigger covers chains that never recover.
		if evt.Payload["retryable"] == true {
			return nil
		}
		n.enqueue(TriggerJobFailed, evt, fmt.Sprintf("Job %s failed", evt.JobID), evt.Str("error", ""))
		return nil
	})
	exhausted := func(evt events.Event) error {
		// attempts arrives as an int; non-retryable drops omit it.
		attempts := "?"
		if v, ok := evt.Payload["attempts"]; ok {
			attempts = fmt.Sprint(v)
		}
		n.enqueue(TriggerRetryExhausted, evt,
			fmt.Sprintf("Job %s gave up after %s attempts", evt.JobID, attempts),
			evt.Str("error", ""))
		return nil
	}
	bus.Subscribe(events.RetryMaxAttempts, exhausted)
	bus.Subscribe(events.RetryCircuitBreaker, exhausted)
	bus.Subscribe(events.PRCreated, func(evt events.Event) error {
		n.enqueue(TriggerPRCreated, evt, evt.Str("title", "Pull request created"), "")
		return nil
	})
	bus.Subscribe(events.ScanCompleted, func(evt events.Event) error {
		if evt.Payload["highImpact"] != true {
			return nil
		}
		n.enqueue(TriggerHighImpact, evt,
			"High-impact duplicate code detected",
			fmt.Sprintf("severity %s, %v groups", evt.Str("severity", "unknown"), evt.Payload["duplicateGroups"]))
		return nil
	})
}

func (n *Notifier) enqueue(trigger string, evt events.Event, title, detail string) {
	if _, ok := n.triggers[trigger]; !ok {
		return
	}
	p := Payload{
		Event:      trigger,
		JobID:      evt.JobID,
		PipelineID: evt.PipelineID,
		Title:      title,
		Detail:     detail,
		PRURL:      evt.Str("url", ""),
		Timestamp:  evt.Time.UTC().Format(time.RFC3339),
	}
	select {
	case n.queue <- p:
	default:
		// Dropping beats blocking the bus.
		slog.Warn("notify: queue full, dropping notification", "event", trigger, "job_id", evt.JobID)
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if !n.Enabled() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-n.queue:
			n.deliver(ctx, payload)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, payload Payload) {
	results := SendAll(ctx, n.senders, payload, n.sendTimeout)
	if ok := successCount(results); ok < len(results) {
		slog.Warn("notify: delivery incomplete",
			"event", payload.Event,
			"job_id", payload.JobID,
			"delivered", ok,
			"channels", len(results),
			"errors", summarizeFailures(results))
		return
	}
	slog.Debug("notify: delivered", "event", payload.Event, "job_id", payload.JobID, "channels", len(results))
}

// SendTest pushes a synthetic payload through every channel synchronously.
func (n *Notifier) SendTest(ctx context.Context) []ChannelResult {
	return SendAll(ctx, n.senders, TestPayload(), n.sendTimeout)
}
