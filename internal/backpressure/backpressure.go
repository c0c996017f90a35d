// Package backpressure implements admission control for incoming task runs:
// a global fixed window, a per-user fixed window and a bound on queued tasks.
package backpressure

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

// Config holds the admission limits. All limits must be positive.
type Config struct {
	WindowSize            time.Duration `yaml:"window_size"`
	MaxTasksPerWindow     int           `yaml:"max_tasks_per_window"`
	MaxTasksPerUserWindow int           `yaml:"max_tasks_per_user_window"`
	MaxQueuedSize         int           `yaml:"max_queued_size"`
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WindowSize:            time.Minute,
		MaxTasksPerWindow:     1000,
		MaxTasksPerUserWindow: 100,
		MaxQueuedSize:         10000,
	}
}

// Validate checks every limit.
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return domain.NewConfigValidationError("backpressure.window_size", "must be positive")
	case c.MaxTasksPerWindow <= 0:
		return domain.NewConfigValidationError("backpressure.max_tasks_per_window", "must be positive")
	case c.MaxTasksPerUserWindow <= 0:
		return domain.NewConfigValidationError("backpressure.max_tasks_per_user_window", "must be positive")
	case c.MaxQueuedSize <= 0:
		return domain.NewConfigValidationError("backpressure.max_queued_size", "must be positive")
	}
	return nil
}

type window struct {
	start time.Time
	count int
}

// expired reports whether the window has fully elapsed at now.
func (w *window) expired(now time.Time, size time.Duration) bool {
	return now.Sub(w.start) >= size
}

func (w *window) remaining(now time.Time, size time.Duration) time.Duration {
	return max(0, size-now.Sub(w.start))
}

// Stats is a snapshot of the controller's counters.
type Stats struct {
	GlobalWindowCount int              `json:"globalWindowCount"`
	WindowStart       time.Time        `json:"windowStart"`
	TrackedUsers      int              `json:"trackedUsers"`
	QueueSize         int              `json:"queueSize"`
	TotalAccepted     int64            `json:"totalAccepted"`
	TotalRejected     int64            `json:"totalRejected"`
	RejectedByReason  map[string]int64 `json:"rejectedByReason"`
	Limits            Config           `json:"limits"`
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller decides whether a run may be queued.
type Controller struct {
	cfg    Config
	hooks  observability.Hooks
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	global    window
	users     map[string]*window
	queueSize int
	accepted  int64
	rejected  int64
	byReason  map[string]int64
}

// New creates a controller. Hooks may be nil.
func New(cfg Config, hooks observability.Hooks, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:   cfg,
		hooks: observability.OrNoop(hooks),
		now:   time.Now,
		users: make(map[string]*window),
		byReason: map[string]int64{
			domain.ReasonGlobalRateLimit: 0,
			domain.ReasonUserRateLimit:   0,
			domain.ReasonQueueFull:       0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "backpressure")
	}
	c.global.start = c.now()
	return c, nil
}

// Accept admits task or returns why it cannot be admitted. A task whose key
// sits in the dead letter queue must be re-admitted through the DLQ retry
// path and is refused with a ValidationError.
func (c *Controller) Accept(task *domain.Task, inDLQ bool) error {
	if inDLQ {
		return domain.NewValidationError("idempotencyKey",
			fmt.Sprintf("task %q is in the dead letter queue; retry it from there", task.IdempotencyKey))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.global.expired(now, c.cfg.WindowSize) {
		c.global = window{start: now}
		c.pruneUsers(now)
	}

	if c.global.count >= c.cfg.MaxTasksPerWindow {
		return c.reject(task, domain.ReasonGlobalRateLimit, c.cfg.MaxTasksPerWindow,
			c.global.remaining(now, c.cfg.WindowSize))
	}

	var uw *window
	if task.UserID != nil {
		uw = c.users[*task.UserID]
		if uw == nil || uw.expired(now, c.cfg.WindowSize) {
			uw = &window{start: now}
			c.users[*task.UserID] = uw
		}
		if uw.count >= c.cfg.MaxTasksPerUserWindow {
			return c.reject(task, domain.ReasonUserRateLimit, c.cfg.MaxTasksPerUserWindow,
				uw.remaining(now, c.cfg.WindowSize))
		}
	}

	if c.queueSize >= c.cfg.MaxQueuedSize {
		// the queue has no window; callers retry when the global window rolls
		return c.reject(task, domain.ReasonQueueFull, c.cfg.MaxQueuedSize,
			c.global.remaining(now, c.cfg.WindowSize))
	}

	c.global.count++
	if uw != nil {
		uw.count++
	}
	c.queueSize++
	c.accepted++

	c.hooks.IncrementCounter(observability.BackpressureAccepted, 1, nil)
	c.hooks.RecordGauge(observability.BackpressureQueueSize, float64(c.queueSize), nil)
	return nil
}

func (c *Controller) reject(task *domain.Task, reason string, limit int, retryAfter time.Duration) error {
	c.rejected++
	c.byReason[reason]++
	c.hooks.IncrementCounter(observability.BackpressureRejected, 1, map[string]string{"reason": reason})

	c.logger.Warn("task admission rejected",
		"reason", reason,
		"task_id", task.ID,
		"name", task.Name,
		"limit", limit,
		"retry_after_ms", retryAfter.Milliseconds(),
	)
	return domain.NewBackpressureError(reason, limit, 0, retryAfter)
}

// pruneUsers drops per-user windows that ended before now. Caller holds mu.
func (c *Controller) pruneUsers(now time.Time) {
	for user, w := range c.users {
		if w.expired(now, c.cfg.WindowSize) {
			delete(c.users, user)
		}
	}
}

// DecrementQueueSize releases one queued slot when a task finishes or is
// removed. It never goes below zero.
func (c *Controller) DecrementQueueSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueSize > 0 {
		c.queueSize--
	}
	c.hooks.RecordGauge(observability.BackpressureQueueSize, float64(c.queueSize), nil)
}

// QueueSize returns the number of admitted tasks not yet released.
func (c *Controller) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueSize
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byReason := make(map[string]int64, len(c.byReason))
	for k, v := range c.byReason {
		byReason[k] = v
	}
	count := c.global.count
	if c.global.expired(c.now(), c.cfg.WindowSize) {
		count = 0
	}
	return Stats{
		GlobalWindowCount: count,
		WindowStart:       c.global.start,
		TrackedUsers:      len(c.users),
		QueueSize:         c.queueSize,
		TotalAccepted:     c.accepted,
		TotalRejected:     c.rejected,
		RejectedByReason:  byReason,
		Limits:            c.cfg,
	}
}
