// Package events implements the synchronous in-process event bus that fans
// job lifecycle notifications out to the activity feed, metrics, notifiers,
// and any other observer.
package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Event is one notification published on the bus.
type Event struct {
	Topic      Topic
	Time       time.Time
	JobID      string
	PipelineID string
	Payload    map[string]any
}

// Str returns a string payload field, or def when absent or not a string.
func (e Event) Str(key, def string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return def
}

// Handler consumes one event. Returned errors are reported to the bus error
// sink; they never reach the publisher and never block other subscribers.
type Handler func(Event) error

type subscriber struct {
	id int
	fn Handler
}

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    int
	all   bool
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s)
	s.bus = nil
}

// Bus delivers events synchronously, in subscription order, on the
// publishing goroutine. All events for one job are therefore observed in the
// order the scheduler emitted them, even while jobs run concurrently.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscriber
	all    []subscriber
	sink   func(Event, error)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]subscriber)}
}

// SetErrorSink installs the hook that receives subscriber errors and
// recovered panics. The default logs a warning.
func (b *Bus) SetErrorSink(fn func(Event, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = fn
}

// Subscribe registers fn for one topic.
func (b *Bus) Subscribe(topic Topic, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscriber{id: b.nextID, fn: fn})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// SubscribeAll registers fn for every topic.
func (b *Bus) SubscribeAll(fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.all = append(b.all, subscriber{id: b.nextID, fn: fn})
	return &Subscription{bus: b, id: b.nextID, all: true}
}

// Publish delivers evt to topic subscribers, then catch-all subscribers.
// Missing timestamps are filled in.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[evt.Topic])+len(b.all))
	targets = append(targets, b.subs[evt.Topic]...)
	targets = append(targets, b.all...)
	sink := b.sink
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := b.deliver(sub, evt); err != nil {
			if sink != nil {
				sink(evt, err)
			} else {
				slog.Warn("event subscriber failed", "topic", evt.Topic, "job", evt.JobID, "err", err)
			}
		}
	}
}

func (b *Bus) deliver(sub subscriber, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v\n%s", r, debug.Stack())
		}
	}()
	return sub.fn(evt)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.all {
		b.all = drop(b.all, s.id)
		return
	}
	b.subs[s.topic] = drop(b.subs[s.topic], s.id)
}

func drop(subs []subscriber, id int) []subscriber {
	for i, sub := range subs {
		if sub.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
