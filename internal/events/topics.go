package events

// Topic names an event stream on the bus.
type Topic string

const (
	JobCreated   Topic = "job:created"
	JobStarted   Topic = "job:started"
	JobCompleted Topic = "job:completed"
	JobFailed    Topic = "job:failed"
	JobCancelled Topic = "job:cancelled"

	// CancelIgnored is informational: a running handler ignored the cancel
	// request and completed normally.
	CancelIgnored Topic = "cancel:ignored"

	RetryScheduled      Topic = "retry:scheduled"
	RetryWarning        Topic = "retry:warning"
	RetryMaxAttempts    Topic = "retry:max-attempts"
	RetryCircuitBreaker Topic = "retry:circuit-breaker"

	ScanCompleted  Topic = "scan:completed"
	PRCreated      Topic = "pr:created"
	PRFailed       Topic = "pr:failed"
	MetricsUpdated Topic = "metrics:updated"
	PipelineStatus Topic = "pipeline:status"
)

// LifecycleTopics are the per-job state machine events, in emission order.
var LifecycleTopics = []Topic{
	JobCreated,
	JobStarted,
	JobCompleted,
	JobFailed,
	JobCancelled,
	CancelIgnored,
}
