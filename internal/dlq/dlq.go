// Package dlq holds tasks that used up their retries until an operator or the
// task system retries them, or they expire.
package dlq

import (
	"container/list"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

type Config struct {
	MaxSize         int           `yaml:"max_size"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// MaxRetries caps how many times one entry may be retried.
	MaxRetries int `yaml:"max_retries"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:         1000,
		TTL:             24 * time.Hour,
		CleanupInterval: time.Minute,
		MaxRetries:      3,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxSize <= 0:
		return domain.NewConfigValidationError("dlq.max_size", "must be positive")
	case c.TTL <= 0:
		return domain.NewConfigValidationError("dlq.ttl", "must be positive")
	case c.CleanupInterval <= 0:
		return domain.NewConfigValidationError("dlq.cleanup_interval", "must be positive")
	case c.MaxRetries < 0:
		return domain.NewConfigValidationError("dlq.max_retries", "must not be negative")
	}
	return nil
}

// EventType names a DLQ lifecycle event.
type EventType string

const (
	EventAdded          EventType = "dlq:added"
	EventEvicted        EventType = "dlq:evicted"
	EventRetried        EventType = "dlq:retried"
	EventRetryExhausted EventType = "dlq:retry_exhausted"
	EventExpired        EventType = "dlq:expired"
	EventRemoved        EventType = "dlq:removed"
)

// Event is delivered to OnEvent listeners.
type Event struct {
	Type  EventType
	Key   string
	Entry Entry
	At    time.Time
}

// Entry is a read-only view of a dead-lettered task.
type Entry struct {
	Key         string              `json:"key"`
	Task        domain.TaskSnapshot `json:"task"`
	Reason      string              `json:"reason,omitempty"`
	Error       string              `json:"error,omitempty"`
	AddedAt     time.Time           `json:"addedAt"`
	RetryCount  int                 `json:"retryCount"`
	LastRetryAt *time.Time          `json:"lastRetryAt,omitempty"`
}

type entry struct {
	key         string
	task        *domain.Task
	reason      string
	err         string
	addedAt     time.Time
	retryCount  int
	lastRetryAt *time.Time
}

func (e *entry) view() Entry {
	return Entry{
		Key:         e.key,
		Task:        e.task.Snapshot(),
		Reason:      e.reason,
		Error:       e.err,
		AddedAt:     e.addedAt,
		RetryCount:  e.retryCount,
		LastRetryAt: e.lastRetryAt,
	}
}

// Stats summarizes the queue.
type Stats struct {
	Size           int   `json:"size"`
	MaxSize        int   `json:"maxSize"`
	TotalAdded     int64 `json:"totalAdded"`
	TotalRetried   int64 `json:"totalRetried"`
	TotalEvicted   int64 `json:"totalEvicted"`
	TotalExpired   int64 `json:"totalExpired"`
	TotalExhausted int64 `json:"totalRetryExhausted"`
	AverageAgeMs   int64 `json:"averageAgeMs"`
	OldestAgeMs    int64 `json:"oldestAgeMs"`
}

type Option func(*Queue)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Queue is a bounded, LRU-evicted, TTL-expired store keyed by idempotency key.
type Queue struct {
	cfg    Config
	hooks  observability.Hooks
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	order     *list.List // front is most recently used
	items     map[string]*list.Element
	added     int64
	retried   int64
	evicted   int64
	expired   int64
	exhausted int64

	listenersMu sync.RWMutex
	listeners   map[int]func(Event)
	nextID      int

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// New creates a queue. Hooks may be nil.
func New(cfg Config, hooks observability.Hooks, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:       cfg,
		hooks:     observability.OrNoop(hooks),
		now:       time.Now,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default().With("component", "dlq")
	}
	return q, nil
}

// Start runs the periodic expiry sweep until Stop.
func (q *Queue) Start() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.stop != nil {
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := q.Cleanup(); n > 0 {
					q.logger.Info("expired dead letter entries", "count", n)
				}
			}
		}
	}(q.stop, q.done)
}

// Stop ends the sweep and waits for it. Safe to call more than once.
func (q *Queue) Stop() {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.stop == nil {
		return
	}
	close(q.stop)
	<-q.done
	q.stop, q.done = nil, nil
}

// OnEvent registers fn for every queue event and returns its unsubscribe func.
// Listeners run synchronously and must not call back into the queue.
func (q *Queue) OnEvent(fn func(Event)) func() {
	q.listenersMu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.listenersMu.Lock()
			delete(q.listeners, id)
			q.listenersMu.Unlock()
		})
	}
}

func (q *Queue) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	q.listenersMu.RLock()
	fns := make([]func(Event), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.listenersMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (q *Queue) event(typ EventType, e *entry, at time.Time) Event {
	return Event{Type: typ, Key: e.key, Entry: e.view(), At: at}
}

// Add stores task under its idempotency key with a zero retry count. An
// existing entry with the same key is replaced. When the queue is full the
// least recently used entry is evicted first.
func (q *Queue) Add(task *domain.Task, reason string, cause error) {
	q.AddRetried(task, reason, cause, 0)
}

// AddRetried is Add for a task that failed again after being retried from the
// queue; retryCount carries over so MaxRetries still bounds it.
func (q *Queue) AddRetried(task *domain.Task, reason string, cause error, retryCount int) {
	now := q.now()
	e := &entry{
		key:        task.IdempotencyKey,
		task:       task,
		reason:     reason,
		addedAt:    now,
		retryCount: retryCount,
	}
	if cause != nil {
		e.err = cause.Error()
	}

	var events []Event
	q.mu.Lock()
	if old, ok := q.items[e.key]; ok {
		q.order.Remove(old)
		delete(q.items, e.key)
	}
	for q.order.Len() >= q.cfg.MaxSize {
		victim := q.order.Back().Value.(*entry)
		q.removeLocked(victim.key)
		q.evicted++
		q.hooks.IncrementCounter(observability.DLQEvicted, 1, nil)
		events = append(events, q.event(EventEvicted, victim, now))
		q.logger.Warn("dead letter queue full, evicted entry",
			"idempotency_key", victim.key, "task_id", victim.task.ID)
	}
	q.items[e.key] = q.order.PushFront(e)
	q.added++
	q.hooks.IncrementCounter(observability.DLQAdded, 1, nil)
	q.reportSizeLocked()
	events = append(events, q.event(EventAdded, e, now))
	q.mu.Unlock()

	q.logger.Info("task moved to dead letter queue",
		"task_id", task.ID, "idempotency_key", e.key, "reason", reason, "error", e.err)
	q.emit(events)
}

// Get returns the entry for key and marks it recently used.
func (q *Queue) Get(key string) (Entry, bool) {
	q.mu.Lock()
	e, events := q.lookupLocked(key)
	var view Entry
	if e != nil {
		view = e.view()
	}
	q.mu.Unlock()

	q.emit(events)
	return view, e != nil
}

// lookupLocked finds a live entry, expiring it when its TTL has passed.
func (q *Queue) lookupLocked(key string) (*entry, []Event) {
	elem, ok := q.items[key]
	if !ok {
		return nil, nil
	}
	e := elem.Value.(*entry)
	now := q.now()
	if q.isExpired(e, now) {
		q.removeLocked(key)
		q.expired++
		q.hooks.IncrementCounter(observability.DLQExpired, 1, nil)
		return nil, []Event{q.event(EventExpired, e, now)}
	}
	q.order.MoveToFront(elem)
	return e, nil
}

func (q *Queue) isExpired(e *entry, now time.Time) bool {
	return now.Sub(e.addedAt) >= q.cfg.TTL
}

// Has reports whether key is in the queue without refreshing its LRU position.
func (q *Queue) Has(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.items[key]
	return ok && !q.isExpired(elem.Value.(*entry), q.now())
}

// Remove deletes key and reports whether it was present.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	elem, ok := q.items[key]
	if !ok {
		q.mu.Unlock()
		return false
	}
	e := elem.Value.(*entry)
	q.removeLocked(key)
	ev := q.event(EventRemoved, e, q.now())
	q.mu.Unlock()

	q.emit([]Event{ev})
	return true
}

func (q *Queue) removeLocked(key string) {
	if elem, ok := q.items[key]; ok {
		q.order.Remove(elem)
		delete(q.items, key)
	}
	q.reportSizeLocked()
}

func (q *Queue) reportSizeLocked() {
	q.hooks.RecordGauge(observability.DLQSize, float64(q.order.Len()), nil)
}

// Retry resets the task under key to pending and removes it from the queue.
// It returns *domain.NotFoundError for an unknown key and
// *domain.RetryExhaustedError, keeping the entry, once the entry was retried
// MaxRetries times.
func (q *Queue) Retry(key string) (*domain.Task, error) {
	q.mu.Lock()
	task, events, err := q.retryLocked(key)
	q.mu.Unlock()

	q.emit(events)
	return task, err
}

func (q *Queue) retryLocked(key string) (*domain.Task, []Event, error) {
	e, events := q.lookupLocked(key)
	if e == nil {
		return nil, events, domain.NewNotFoundError("dead letter entry", key)
	}
	now := q.now()

	if e.retryCount >= q.cfg.MaxRetries {
		q.exhausted++
		q.hooks.IncrementCounter(observability.DLQRetryExhausted, 1, nil)
		events = append(events, q.event(EventRetryExhausted, e, now))
		return nil, events, domain.NewRetryExhaustedError(e.task.ID, e.retryCount, q.cfg.MaxRetries, nil)
	}

	if err := e.task.ResetToPending(); err != nil {
		return nil, events, err
	}
	e.retryCount++
	e.lastRetryAt = &now
	q.removeLocked(key)
	q.retried++
	q.hooks.IncrementCounter(observability.DLQRetried, 1, nil)
	events = append(events, q.event(EventRetried, e, now))
	return e.task, events, nil
}

// RetryAll retries every entry and returns the tasks that were reset.
func (q *Queue) RetryAll() []*domain.Task {
	return q.RetryWithFilter(func(Entry) bool { return true })
}

// RetryWithFilter retries the entries accepted by keep, oldest first, and
// returns the tasks that were reset. Failed retries are logged and skipped.
func (q *Queue) RetryWithFilter(keep func(Entry) bool) []*domain.Task {
	var keys []string
	for _, e := range q.List() {
		if keep(e) {
			keys = append(keys, e.Key)
		}
	}

	var tasks []*domain.Task
	for _, key := range keys {
		task, err := q.Retry(key)
		if err != nil {
			q.logger.Debug("skipping dead letter entry", "idempotency_key", key, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// List returns live entries, oldest first.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]Entry, 0, q.order.Len())
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if !q.isExpired(e, now) {
			out = append(out, e.view())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// Len returns the number of stored entries, expired or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Cleanup removes expired entries and returns how many were dropped.
func (q *Queue) Cleanup() int {
	var events []Event
	q.mu.Lock()
	now := q.now()
	for elem := q.order.Back(); elem != nil; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if q.isExpired(e, now) {
			q.removeLocked(e.key)
			q.expired++
			q.hooks.IncrementCounter(observability.DLQExpired, 1, nil)
			events = append(events, q.event(EventExpired, e, now))
		}
		elem = prev
	}
	q.mu.Unlock()

	q.emit(events)
	return len(events)
}

// Stats returns counters and entry ages.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Size:           q.order.Len(),
		MaxSize:        q.cfg.MaxSize,
		TotalAdded:     q.added,
		TotalRetried:   q.retried,
		TotalEvicted:   q.evicted,
		TotalExpired:   q.expired,
		TotalExhausted: q.exhausted,
	}
	if s.Size == 0 {
		return s
	}

	now := q.now()
	var total time.Duration
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		age := now.Sub(elem.Value.(*entry).addedAt)
		total += age
		if ms := age.Milliseconds(); ms > s.OldestAgeMs {
			s.OldestAgeMs = ms
		}
	}
	s.AverageAgeMs = (total / time.Duration(s.Size)).Milliseconds()
	return s
}
