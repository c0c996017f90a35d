package taskflow

import (
	"time"

	"github.com/mtlprog/taskflow/internal/backpressure"
	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/flush"
	"github.com/mtlprog/taskflow/internal/slots"
)

// TaskCounts are process-lifetime totals.
type TaskCounts struct {
	Active       int64 `json:"active"`
	Tracked      int   `json:"tracked"`
	Started      int64 `json:"started"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Cancelled    int64 `json:"cancelled"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
	Recovered    int64 `json:"recovered"`
}

// Stats is a snapshot of the whole system.
type Stats struct {
	Status       string             `json:"status"`
	StartedAt    *time.Time         `json:"startedAt,omitempty"`
	UptimeMs     int64              `json:"uptimeMs"`
	Templates    int                `json:"templates"`
	Tasks        TaskCounts         `json:"tasks"`
	Slots        slots.Stats        `json:"slots"`
	Backpressure backpressure.Stats `json:"backpressure"`
	DLQ          dlq.Stats          `json:"dlq"`
	EventLog     eventlog.Stats     `json:"eventLog"`
	Flush        flush.Stats        `json:"flush"`
}

func (s *System) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Status:    s.status,
		Templates: len(s.templates),
	}
	st.Tasks.Tracked = len(s.tasks)
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.StartedAt = &started
		st.UptimeMs = time.Since(started).Milliseconds()
	}
	s.mu.RUnlock()

	st.Tasks.Active = s.counters.active.Load()
	st.Tasks.Started = s.counters.started.Load()
	st.Tasks.Completed = s.counters.completed.Load()
	st.Tasks.Failed = s.counters.failed.Load()
	st.Tasks.Cancelled = s.counters.cancelled.Load()
	st.Tasks.Retried = s.counters.retried.Load()
	st.Tasks.DeadLettered = s.counters.deadLettered.Load()
	st.Tasks.Recovered = s.counters.recovered.Load()

	st.Slots = s.slots.Stats()
	st.Backpressure = s.admission.Stats()
	st.DLQ = s.dlq.Stats()
	st.EventLog = s.log.Stats()
	st.Flush = s.flusher.Stats()
	return st
}
