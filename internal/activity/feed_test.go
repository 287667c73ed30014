package activity

import (
	"testing"
	"time"

	"sidequest/internal/events"
)

func TestFeedEvictsOldestAndKeepsOrder(t *testing.T) {
	t.Parallel()
	f := NewFeed(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		f.Add("job:completed", id, "repomix", nil)
	}

	got := f.Recent(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(got))
	}
	// Newest first; "a" was evicted.
	want := []string{"d", "c", "b"}
	for i, w := range want {
		if got[i].JobID != w {
			t.Fatalf("expected order %v, got %+v", want, got)
		}
	}
	if got[0].ID <= got[1].ID {
		t.Fatalf("ids should be strictly increasing, got %d then %d", got[1].ID, got[0].ID)
	}
}

func TestFeedRecentLimit(t *testing.T) {
	t.Parallel()
	f := NewFeed(10)
	for i := 0; i < 5; i++ {
		f.Add("job:queued", "", "schema", nil)
	}

	if got := f.Recent(2); len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got := f.Recent(100); len(got) != 5 {
		t.Fatalf("limit above size should return all, got %d", len(got))
	}
}

func TestFeedStatsWindows(t *testing.T) {
	t.Parallel()
	f := NewFeed(10)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Backdate entries by controlling the clock per Add.
	ages := []time.Duration{30 * time.Minute, 2 * time.Hour, 30 * time.Hour}
	for _, age := range ages {
		ts := now.Add(-age)
		f.now = func() time.Time { return ts }
		f.Add("job:failed", "j", "duplicates", nil)
	}
	f.now = func() time.Time { return now }

	st := f.Stats()
	if st.LastHour != 1 {
		t.Fatalf("expected 1 entry in last hour, got %d", st.LastHour)
	}
	if st.LastDay != 2 {
		t.Fatalf("expected 2 entries in last day, got %d", st.LastDay)
	}
	if st.Total != 3 {
		t.Fatalf("expected total 3, got %d", st.Total)
	}
	if st.TypeCount["job:failed"] != 3 {
		t.Fatalf("unexpected type counts: %v", st.TypeCount)
	}
}

func TestFeedTotalSurvivesEviction(t *testing.T) {
	t.Parallel()
	f := NewFeed(2)
	for i := 0; i < 5; i++ {
		f.Add("job:queued", "", "repomix", nil)
	}
	st := f.Stats()
	if st.Total != 5 {
		t.Fatalf("expected total 5 across evictions, got %d", st.Total)
	}
}

func TestFeedDefaultsUnknownType(t *testing.T) {
	t.Parallel()
	f := NewFeed(5)
	e := f.Add("", "j-1", "repomix", nil)
	if e.Type != "unknown" {
		t.Fatalf("expected unknown type, got %q", e.Type)
	}
}

func TestAttachBusRecordsLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()

	f := NewFeed(10)
	sub := f.AttachBus(bus)
	defer sub.Unsubscribe()

	bus.Publish(events.Event{
		Topic:      events.JobCompleted,
		JobID:      "repomix-1",
		PipelineID: "repomix",
		Payload:    map[string]any{"duration": 1200},
	})
	bus.Publish(events.Event{Topic: events.JobCreated, JobID: "dup-1"})

	got := f.Recent(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[1].Type != string(events.JobCompleted) || got[1].PipelineID != "repomix" {
		t.Fatalf("unexpected first entry: %+v", got[1])
	}
	// Missing pipeline on a job event defaults to unknown.
	if got[0].PipelineID != "unknown" {
		t.Fatalf("expected unknown pipeline, got %q", got[0].PipelineID)
	}
}
