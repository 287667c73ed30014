// Package activity keeps a bounded most-recent-first ring of lifecycle
// events for dashboards and the CLI.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"sidequest/internal/events"
)

// DefaultMaxEntries bounds the ring when no size is configured.
const DefaultMaxEntries = 50

// Entry is one recorded activity.
type Entry struct {
	ID         int64          `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	JobID      string         `json:"jobId,omitempty"`
	PipelineID string         `json:"pipelineId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Stats summarizes feed contents.
type Stats struct {
	LastHour  int            `json:"lastHour"`
	LastDay   int            `json:"lastDay"`
	Total     int64          `json:"total"`
	TypeCount map[string]int `json:"typeCount"`
}

// Feed is the bounded ring. IDs are strictly increasing and ordering
// matches insertion.
type Feed struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	nextID  int64
	total   int64
	now     func() time.Time
}

// NewFeed builds a feed holding at most maxEntries items.
func NewFeed(maxEntries int) *Feed {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Feed{max: maxEntries, nextID: 1, now: time.Now}
}

// Add records one entry, evicting the oldest when the ring is full.
func (f *Feed) Add(entryType string, jobID, pipelineID string, details map[string]any) Entry {
	if entryType == "" {
		slog.Warn("activity entry missing type, defaulting to unknown")
		entryType = "unknown"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e := Entry{
		ID:         f.nextID,
		Timestamp:  f.now(),
		Type:       entryType,
		JobID:      jobID,
		PipelineID: pipelineID,
		Details:    details,
	}
	f.nextID++
	f.total++

	f.entries = append(f.entries, e)
	if len(f.entries) > f.max {
		f.entries = f.entries[len(f.entries)-f.max:]
	}
	return e
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all
// retained entries.
func (f *Feed) Recent(limit int) []Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, f.entries[i])
	}
	return out
}

// Stats counts entries by recency window and type.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	st := Stats{Total: f.total, TypeCount: make(map[string]int)}
	for _, e := range f.entries {
		st.TypeCount[e.Type]++
		age := now.Sub(e.Timestamp)
		if age <= time.Hour {
			st.LastHour++
		}
		if age <= 24*time.Hour {
			st.LastDay++
		}
	}
	return st
}

// AttachBus subscribes the feed to every lifecycle and retry topic on bus.
// Events missing fields still produce entries with "unknown" defaults.
func (f *Feed) AttachBus(bus *events.Bus) *events.Subscription {
	return bus.SubscribeAll(func(evt events.Event) error {
		typ := string(evt.Topic)
		if typ == "" {
			slog.Warn("activity: event with empty topic", "job", evt.JobID)
			typ = "unknown"
		}
		pipeline := evt.PipelineID
		if pipeline == "" && evt.JobID != "" {
			slog.Warn("activity: event missing pipeline", "topic", typ, "job", evt.JobID)
			pipeline = "unknown"
		}
		f.Add(typ, evt.JobID, pipeline, evt.Payload)
		return nil
	})
}
