// Package metrics exports job counters fed from the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sidequest/internal/events"
)

// Metrics holds the prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	jobsCreated      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobsCancelled    *prometheus.CounterVec
	retriesScheduled *prometheus.CounterVec
	jobsActive       *prometheus.GaugeVec
	jobDuration      *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_jobs_created_total",
			Help: "Jobs created, by pipeline.",
		}, []string{"pipeline"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_jobs_completed_total",
			Help: "Jobs completed successfully, by pipeline.",
		}, []string{"pipeline"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_jobs_failed_total",
			Help: "Jobs that ended in failure, by pipeline.",
		}, []string{"pipeline"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_jobs_cancelled_total",
			Help: "Jobs cancelled before or during execution, by pipeline.",
		}, []string{"pipeline"}),
		retriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_retries_scheduled_total",
			Help: "Retry successors scheduled, by pipeline.",
		}, []string{"pipeline"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sidequest_jobs_active",
			Help: "Jobs currently running, by pipeline.",
		}, []string{"pipeline"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sidequest_job_duration_seconds",
			Help:    "Wall time of finished jobs, by pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		}, []string{"pipeline"}),
	}
	m.registry.MustRegister(
		m.jobsCreated, m.jobsCompleted, m.jobsFailed, m.jobsCancelled,
		m.retriesScheduled, m.jobsActive, m.jobDuration,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AttachBus wires the collectors to lifecycle events. A metrics:updated
// event follows every terminal job event so dashboards can refresh
// without scraping.
func (m *Metrics) AttachBus(bus *events.Bus) *events.Subscription {
	return bus.SubscribeAll(func(evt events.Event) error {
		pipeline := evt.PipelineID
		if pipeline == "" {
			pipeline = "unknown"
		}
		labels := prometheus.Labels{"pipeline": pipeline}

		switch evt.Topic {
		case events.JobCreated:
			m.jobsCreated.With(labels).Inc()
		case events.JobStarted:
			m.jobsActive.With(labels).Inc()
		case events.JobCompleted:
			m.jobsActive.With(labels).Dec()
			m.jobsCompleted.With(labels).Inc()
			m.observeDuration(evt, labels)
			m.announce(bus, evt)
		case events.JobFailed:
			m.jobsActive.With(labels).Dec()
			m.jobsFailed.With(labels).Inc()
			m.announce(bus, evt)
		case events.JobCancelled:
			m.jobsCancelled.With(labels).Inc()
			if evt.Str("reason", "") == "cancelled-while-running" {
				m.jobsActive.With(labels).Dec()
			}
			m.announce(bus, evt)
		case events.RetryScheduled:
			m.retriesScheduled.With(labels).Inc()
		}
		return nil
	})
}

func (m *Metrics) observeDuration(evt events.Event, labels prometheus.Labels) {
	if ms, ok := evt.Payload["durationMs"].(int64); ok {
		m.jobDuration.With(labels).Observe(float64(ms) / 1000)
	}
}

func (m *Metrics) announce(bus *events.Bus, evt events.Event) {
	bus.Publish(events.Event{
		Topic:      events.MetricsUpdated,
		JobID:      evt.JobID,
		PipelineID: evt.PipelineID,
		Payload:    map[string]any{"after": string(evt.Topic)},
	})
}
