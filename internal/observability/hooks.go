// Package observability defines the metric hooks the engine components report
// through, with a no-op default and a Prometheus implementation.
package observability

// Hooks receives counter and gauge updates from Backpressure, SlotManager,
// the DLQ, the event log and the task system.
// Metric names are dotted ("backpressure.rejected"); implementations map them
// to their own naming rules.
type Hooks interface {
	IncrementCounter(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
}

// Noop discards every update.
type Noop struct{}

func (Noop) IncrementCounter(string, float64, map[string]string) {}
func (Noop) RecordGauge(string, float64, map[string]string)      {}

// OrNoop returns h, or Noop when h is nil.
func OrNoop(h Hooks) Hooks {
	if h == nil {
		return Noop{}
	}
	return h
}

// Metric names reported by the engine.
const (
	BackpressureAccepted  = "backpressure.accepted"
	BackpressureRejected  = "backpressure.rejected"
	BackpressureQueueSize = "backpressure.queue_size"

	SlotsAcquired = "slots.acquired"
	SlotsTimeout  = "slots.timeout"
	SlotsInUse    = "slots.in_use"
	SlotsWaiting  = "slots.waiting"

	DLQAdded          = "dlq.added"
	DLQEvicted        = "dlq.evicted"
	DLQExpired        = "dlq.expired"
	DLQRetried        = "dlq.retried"
	DLQRetryExhausted = "dlq.retry_exhausted"
	DLQSize           = "dlq.size"

	EventLogAppended  = "eventlog.appended"
	EventLogRotations = "eventlog.rotations"
	EventLogSeq       = "eventlog.seq"

	FlushEntries  = "flush.entries"
	FlushRestarts = "flush.restarts"

	TasksStarted  = "tasks.started"
	TasksFinished = "tasks.finished"
	TasksActive   = "tasks.active"
)
