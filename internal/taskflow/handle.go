package taskflow

import (
	"context"
	"sync"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/ringbuffer"
)

// execution is the in-memory runtime of one task: its event buffer, its
// subscribers and the cancellation of its handler.
type execution struct {
	task *domain.Task
	tmpl *Template
	// admitted executions hold a backpressure queue slot until they finish.
	admitted bool
	// deadLetterRetries is how often the task was retried from the DLQ.
	deadLetterRetries int

	buffer           *ringbuffer.RingBuffer[domain.TaskEvent]
	subscriberBuffer int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	subscribers   map[*Subscription]struct{}
	finished      bool
	finishedAt    time.Time
	lastHeartbeat time.Time
	cancelReason  string
	err           error
}

func newExecution(parent context.Context, task *domain.Task, tmpl *Template, admitted bool, cfg StreamConfig) *execution {
	buffer, err := ringbuffer.New(cfg.BufferSize, func(ev domain.TaskEvent) string { return ev.ID })
	if err != nil {
		// BufferSize is validated with the config
		panic(err)
	}
	ctx, cancel := context.WithCancel(parent)
	return &execution{
		task:             task,
		tmpl:             tmpl,
		admitted:         admitted,
		buffer:           buffer,
		subscriberBuffer: cfg.SubscriberBuffer,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		subscribers:      make(map[*Subscription]struct{}),
	}
}

// deliver records ev for replay and fans it out to live subscribers.
// Heartbeats are delivered live but not kept for replay.
func (ex *execution) deliver(ev domain.TaskEvent) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if ev.Type != domain.EventTypeHeartbeat {
		ex.buffer.Add(ev)
	}
	for sub := range ex.subscribers {
		select {
		case sub.ch <- ev:
		default:
			sub.setErr(domain.NewStreamOverflowError(ex.task.ID, cap(sub.ch)))
			ex.closeSubscriberLocked(sub)
		}
	}
}

func (ex *execution) subscribe(ctx context.Context, lastEventID string) *Subscription {
	ex.mu.Lock()
	replay := ex.buffer.After(lastEventID)
	sub := &Subscription{
		ex: ex,
		ch: make(chan domain.TaskEvent, len(replay)+ex.subscriberBuffer),
	}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if ex.finished {
		sub.closed = true
		close(sub.ch)
		ex.mu.Unlock()
		return sub
	}
	ex.subscribers[sub] = struct{}{}
	ex.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	ex.mu.Lock()
	sub.stop = stop
	ex.mu.Unlock()
	return sub
}

func (ex *execution) closeSubscriberLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(ex.subscribers, sub)
	close(sub.ch)
	if sub.stop != nil {
		sub.stop()
	}
}

// finish ends the stream. Later subscribers only get the replay.
func (ex *execution) finish() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished {
		return
	}
	ex.finished = true
	ex.finishedAt = time.Now()
	for sub := range ex.subscribers {
		ex.closeSubscriberLocked(sub)
	}
	ex.cancel()
	close(ex.done)
}

func (ex *execution) isFinished() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.finished
}

func (ex *execution) finishedBefore(t time.Time) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.finished && ex.finishedAt.Before(t)
}

func (ex *execution) requestCancel(reason string) {
	ex.mu.Lock()
	if ex.cancelReason == "" {
		ex.cancelReason = reason
	}
	ex.mu.Unlock()
	ex.cancel()
}

func (ex *execution) reasonForCancel() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelReason
}

// heartbeatDue reports whether a heartbeat at now respects minInterval, and
// records it when it does.
func (ex *execution) heartbeatDue(now time.Time, minInterval time.Duration) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if !ex.lastHeartbeat.IsZero() && now.Sub(ex.lastHeartbeat) < minInterval {
		return false
	}
	ex.lastHeartbeat = now
	return true
}

func (ex *execution) setErr(err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.err == nil {
		ex.err = err
	}
}

// Subscription is a stream of one task's events. The channel closes when the
// task finishes, when Close is called, when the subscribe context ends, or
// when the subscriber falls behind; Err tells the last case apart.
type Subscription struct {
	ex     *execution
	ch     chan domain.TaskEvent
	closed bool
	stop   func() bool

	errMu sync.Mutex
	err   error
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan domain.TaskEvent { return s.ch }

// Err returns a *domain.StreamOverflowError when the subscriber was dropped
// for falling behind, nil otherwise.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.err = err
}

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	s.ex.closeSubscriberLocked(s)
}

// TaskHandle is the caller's view of a submitted or recovered task.
type TaskHandle struct {
	sys *System
	ex  *execution
}

func (h *TaskHandle) ID() string { return h.ex.task.ID }

// Task returns a snapshot of the task's current state.
func (h *TaskHandle) Task() domain.TaskSnapshot { return h.ex.task.Snapshot() }

// Subscribe replays the buffered events after lastEventID (all of them when
// it is empty or no longer buffered) and then streams live events.
func (h *TaskHandle) Subscribe(ctx context.Context, lastEventID string) *Subscription {
	return h.ex.subscribe(ctx, lastEventID)
}

// History returns the buffered events, oldest first.
func (h *TaskHandle) History() []domain.TaskEvent { return h.ex.buffer.GetAll() }

// Done is closed once the task reached its final state.
func (h *TaskHandle) Done() <-chan struct{} { return h.ex.done }

// Wait blocks until the task finishes and returns its final snapshot.
func (h *TaskHandle) Wait(ctx context.Context) (domain.TaskSnapshot, error) {
	select {
	case <-h.ex.done:
		return h.ex.task.Snapshot(), nil
	case <-ctx.Done():
		return h.ex.task.Snapshot(), ctx.Err()
	}
}

// Cancel asks the running handler to stop, or cancels the task before it
// starts.
func (h *TaskHandle) Cancel(ctx context.Context) error {
	return h.sys.Cancel(ctx, h.ex.task.ID)
}

// Err returns the engine failure that stopped the task, such as an event log
// write error. It is nil for tasks that ended through their handler.
func (h *TaskHandle) Err() error {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	return h.ex.err
}
