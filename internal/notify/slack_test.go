package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSlackSenderFormatsTextPayload(t *testing.T) {
	t.Parallel()

	var body map[string]string
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	sender := NewSlackSender("https://hooks.slack.com/services/T000/B000/XXX", client)
	payload := TestPayload()
	payload.PipelineID = "repomix"
	payload.JobID = "repomix-abc"
	payload.Title = "Packed my-project"
	payload.PRURL = "https://example.com/pr/99"

	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send slack: %v", err)
	}

	text := body["text"]
	if !strings.Contains(text, "Sidequest") {
		t.Fatalf("expected Sidequest in text, got %q", text)
	}
	if !strings.Contains(text, payload.Title) {
		t.Fatalf("expected title in text, got %q", text)
	}
	if !strings.Contains(text, payload.PRURL) {
		t.Fatalf("expected pr url in text, got %q", text)
	}
}

func TestSlackTextUsesEventLabel(t *testing.T) {
	t.Parallel()
	payload := Payload{Event: TriggerRetryExhausted, PipelineID: "repomix", JobID: "id", Title: "title"}
	text := SlackText(payload)
	if !strings.Contains(text, "Retries Exhausted") {
		t.Fatalf("expected Retries Exhausted label, got %q", text)
	}
}
