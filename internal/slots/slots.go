// Package slots bounds how many tasks execute at once, globally, per user and
// per template.
package slots

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

// Config holds the pool limits. The per-template limit comes from each task's
// ExecutionOptions.MaxConcurrentExecutions.
type Config struct {
	MaxGlobal   int           `yaml:"max_global"`
	MaxPerUser  int           `yaml:"max_per_user"`
	SlotTimeout time.Duration `yaml:"slot_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MaxGlobal:   100,
		MaxPerUser:  10,
		SlotTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxGlobal <= 0:
		return domain.NewConfigValidationError("slots.max_global", "must be positive")
	case c.MaxPerUser <= 0:
		return domain.NewConfigValidationError("slots.max_per_user", "must be positive")
	case c.SlotTimeout <= 0:
		return domain.NewConfigValidationError("slots.slot_timeout", "must be positive")
	}
	return nil
}

type waiter struct {
	task    *domain.Task
	ready   chan struct{}
	granted bool
}

// Stats is a snapshot of pool usage.
type Stats struct {
	InUse            int            `json:"inUse"`
	Waiting          int            `json:"waiting"`
	Available        int            `json:"available"`
	PerUserInUse     map[string]int `json:"perUserInUse"`
	PerTemplateInUse map[string]int `json:"perTemplateInUse"`
	MaxGlobal        int            `json:"maxGlobal"`
	MaxPerUser       int            `json:"maxPerUser"`
	SlotTimeoutMs    int64          `json:"slotTimeoutMs"`
	TotalAcquired    int64          `json:"totalAcquired"`
	TotalTimeouts    int64          `json:"totalTimeouts"`
}

// Manager grants execution slots.
type Manager struct {
	cfg    Config
	hooks  observability.Hooks
	logger *slog.Logger

	mu          sync.Mutex
	global      int
	perUser     map[string]int
	perTemplate map[string]int
	held        map[string]struct{}
	waiters     *list.List
	acquired    int64
	timeouts    int64
}

// New creates a Manager. Hooks and logger may be nil.
func New(cfg Config, hooks observability.Hooks, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "slots")
	}
	return &Manager{
		cfg:         cfg,
		hooks:       observability.OrNoop(hooks),
		logger:      logger,
		perUser:     make(map[string]int),
		perTemplate: make(map[string]int),
		held:        make(map[string]struct{}),
		waiters:     list.New(),
	}, nil
}

// Acquire blocks until task holds a slot in every pool that applies to it.
// A task whose pools all have capacity is granted at once, whatever is
// queued. Waiters for the same saturated pool are served in arrival order.
// It fails with *domain.SlotTimeoutError after the configured timeout, or
// with ctx.Err() when ctx ends first.
func (m *Manager) Acquire(ctx context.Context, task *domain.Task) error {
	m.mu.Lock()
	if _, ok := m.held[task.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	if m.tryAcquireLocked(task) {
		m.mu.Unlock()
		return nil
	}

	w := &waiter{task: task, ready: make(chan struct{})}
	elem := m.waiters.PushBack(w)
	m.reportLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.SlotTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		if m.abandon(w, elem) {
			return nil
		}
		m.mu.Lock()
		m.timeouts++
		m.mu.Unlock()
		m.hooks.IncrementCounter(observability.SlotsTimeout, 1, nil)
		m.logger.Debug("slot wait timed out",
			"task_id", task.ID, "name", task.Name, "timeout", m.cfg.SlotTimeout)
		return domain.NewSlotTimeoutError(task.ID, m.cfg.SlotTimeout)
	case <-ctx.Done():
		if m.abandon(w, elem) {
			return nil
		}
		return ctx.Err()
	}
}

// abandon removes a waiter that gave up. It reports true when the slot was
// granted concurrently, in which case the caller owns it.
func (m *Manager) abandon(w *waiter, elem *list.Element) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted {
		return true
	}
	m.waiters.Remove(elem)
	m.grantWaitersLocked()
	return false
}

// tryAcquireLocked takes one slot from each pool or none at all.
// Caller holds mu.
func (m *Manager) tryAcquireLocked(task *domain.Task) bool {
	if m.global >= m.cfg.MaxGlobal {
		return false
	}
	m.global++

	if task.UserID != nil {
		user := *task.UserID
		if m.perUser[user] >= m.cfg.MaxPerUser {
			m.global--
			return false
		}
		m.perUser[user]++
	}

	if limit := task.ExecutionOptions.MaxConcurrentExecutions; limit > 0 {
		if m.perTemplate[task.Name] >= limit {
			// roll back the pools already taken
			if task.UserID != nil {
				m.decrementUser(*task.UserID)
			}
			m.global--
			return false
		}
	}
	m.perTemplate[task.Name]++

	m.held[task.ID] = struct{}{}
	m.acquired++
	m.hooks.IncrementCounter(observability.SlotsAcquired, 1, nil)
	m.reportLocked()
	return true
}

// Release returns the slots held by task and hands them to waiters that now
// fit, in FIFO order. Releasing a task that holds nothing is a no-op.
func (m *Manager) Release(task *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[task.ID]; !ok {
		return
	}
	delete(m.held, task.ID)

	if m.global > 0 {
		m.global--
	}
	if task.UserID != nil {
		m.decrementUser(*task.UserID)
	}
	if n := m.perTemplate[task.Name]; n <= 1 {
		delete(m.perTemplate, task.Name)
	} else {
		m.perTemplate[task.Name] = n - 1
	}

	m.grantWaitersLocked()
}

// grantWaitersLocked hands free capacity to every queued waiter that fits,
// front to back. Caller holds mu.
func (m *Manager) grantWaitersLocked() {
	for e := m.waiters.Front(); e != nil && m.global < m.cfg.MaxGlobal; {
		next := e.Next()
		w := e.Value.(*waiter)
		if m.tryAcquireLocked(w.task) {
			w.granted = true
			m.waiters.Remove(e)
			close(w.ready)
		}
		e = next
	}
	m.reportLocked()
}

func (m *Manager) decrementUser(user string) {
	if n := m.perUser[user]; n <= 1 {
		delete(m.perUser, user)
	} else {
		m.perUser[user] = n - 1
	}
}

func (m *Manager) reportLocked() {
	m.hooks.RecordGauge(observability.SlotsInUse, float64(m.global), nil)
	m.hooks.RecordGauge(observability.SlotsWaiting, float64(m.waiters.Len()), nil)
}

// UserInUse returns the slots currently held by user.
func (m *Manager) UserInUse(user string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perUser[user]
}

// Stats returns a snapshot of pool usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	perUser := make(map[string]int, len(m.perUser))
	for k, v := range m.perUser {
		perUser[k] = v
	}
	perTemplate := make(map[string]int, len(m.perTemplate))
	for k, v := range m.perTemplate {
		perTemplate[k] = v
	}
	return Stats{
		InUse:            m.global,
		Waiting:          m.waiters.Len(),
		Available:        max(0, m.cfg.MaxGlobal-m.global),
		PerUserInUse:     perUser,
		PerTemplateInUse: perTemplate,
		MaxGlobal:        m.cfg.MaxGlobal,
		MaxPerUser:       m.cfg.MaxPerUser,
		SlotTimeoutMs:    m.cfg.SlotTimeout.Milliseconds(),
		TotalAcquired:    m.acquired,
		TotalTimeouts:    m.timeouts,
	}
}
