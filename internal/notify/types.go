// Package notify fans job events out to the configured channels: a
// generic JSON webhook, a Slack webhook, and macOS desktop notifications.
// Delivery is best-effort and never feeds back into the pipelines.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Trigger names. These match the values accepted in the notifications
// config section.
const (
	TriggerJobFailed      = "job_failed"
	TriggerRetryExhausted = "retry_exhausted"
	TriggerPRCreated      = "pr_created"
	TriggerHighImpact     = "high_impact_scan"
)

var AllTriggers = []string{
	TriggerJobFailed,
	TriggerRetryExhausted,
	TriggerPRCreated,
	TriggerHighImpact,
}

// Payload is the wire shape sent to every channel.
type Payload struct {
	Event      string `json:"event"`
	JobID      string `json:"job_id"`
	PipelineID string `json:"pipeline_id"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerJobFailed, TriggerRetryExhausted, TriggerPRCreated, TriggerHighImpact:
		return true
	default:
		return false
	}
}

func DefaultTriggers() []string {
	out := make([]string, len(AllTriggers))
	copy(out, AllTriggers)
	return out
}

// TriggerSet normalizes the configured trigger list, dropping anything
// unknown. A nil list means all triggers.
func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	switch event {
	case TriggerRetryExhausted:
		return "Retries Exhausted"
	case TriggerPRCreated:
		return "PR Created"
	case TriggerHighImpact:
		return "High-Impact Duplicates"
	default:
		return "Job Failed"
	}
}

// TestPayload is what `sidequest config test-notify` sends.
func TestPayload() Payload {
	return Payload{
		Event:      TriggerPRCreated,
		JobID:      "sidequest-test",
		PipelineID: "test",
		Title:      "Test notification from Sidequest",
		PRURL:      "https://example.com/pr/123",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

func SlackText(payload Payload) string {
	text := fmt.Sprintf("Sidequest: %s\nPipeline: %s\nJob: %s\n%s",
		EventLabel(payload.Event), payload.PipelineID, payload.JobID, payload.Title)
	if payload.Detail != "" {
		text += "\n" + payload.Detail
	}
	if payload.PRURL != "" {
		text += "\nPR: " + payload.PRURL
	}
	return text
}
