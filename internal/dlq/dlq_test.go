package dlq_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/taskflow/internal/dlq"
	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failedTask(t *testing.T, key string) *domain.Task {
	t.Helper()
	task := domain.NewTask(domain.NewTaskParams{Name: "report", IdempotencyKey: key})
	require.NoError(t, task.Start())
	require.NoError(t, task.Fail("boom"))
	return task
}

type recorder struct {
	mu     sync.Mutex
	events []dlq.Event
}

func (r *recorder) record(ev dlq.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ dlq.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newQueue(t *testing.T, cfg dlq.Config) (*dlq.Queue, *fakeClock, *recorder) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q, err := dlq.New(cfg, nil, dlq.WithClock(clock.Now))
	require.NoError(t, err)
	rec := &recorder{}
	q.OnEvent(rec.record)
	return q, clock, rec
}

func config() dlq.Config {
	return dlq.Config{MaxSize: 3, TTL: time.Hour, CleanupInterval: time.Minute, MaxRetries: 1}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, dlq.DefaultConfig().Validate())
	cfg := config()
	cfg.MaxRetries = -1
	_, err := dlq.New(cfg, nil)
	var cfgErr *domain.ConfigValidationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "dlq.max_retries", cfgErr.Field)
}

func TestAddGetRemove(t *testing.T) {
	q, _, rec := newQueue(t, config())

	task := failedTask(t, "k1")
	q.Add(task, "retries exhausted", errors.New("boom"))

	assert.True(t, q.Has("k1"))
	assert.Equal(t, 1, q.Len())

	entry, ok := q.Get("k1")
	require.True(t, ok)
	assert.Equal(t, task.ID, entry.Task.ID)
	assert.Equal(t, "boom", entry.Error)
	assert.Equal(t, "retries exhausted", entry.Reason)
	assert.Zero(t, entry.RetryCount)

	assert.True(t, q.Remove("k1"))
	assert.False(t, q.Remove("k1"))
	assert.False(t, q.Has("k1"))

	assert.Equal(t, 1, rec.count(dlq.EventAdded))
	assert.Equal(t, 1, rec.count(dlq.EventRemoved))
}

func TestAdd_ReplacesExistingKey(t *testing.T) {
	q, _, _ := newQueue(t, config())

	q.Add(failedTask(t, "k1"), "", nil)
	second := failedTask(t, "k1")
	q.Add(second, "", nil)

	assert.Equal(t, 1, q.Len())
	entry, ok := q.Get("k1")
	require.True(t, ok)
	assert.Equal(t, second.ID, entry.Task.ID)
}

func TestAdd_EvictsLeastRecentlyUsed(t *testing.T) {
	q, clock, rec := newQueue(t, config())

	for _, key := range []string{"a", "b", "c"} {
		q.Add(failedTask(t, key), "", nil)
		clock.Advance(time.Second)
	}

	// touching "a" makes "b" the least recently used entry
	_, ok := q.Get("a")
	require.True(t, ok)

	q.Add(failedTask(t, "d"), "", nil)
	assert.Equal(t, 3, q.Len())
	assert.False(t, q.Has("b"))
	assert.True(t, q.Has("a"))

	require.Equal(t, 1, rec.count(dlq.EventEvicted))
	rec.mu.Lock()
	evicted := rec.events[len(rec.events)-2]
	added := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Equal(t, dlq.EventEvicted, evicted.Type, "eviction is reported before the add")
	assert.Equal(t, "b", evicted.Key)
	assert.Equal(t, dlq.EventAdded, added.Type)
	assert.Equal(t, int64(1), q.Stats().TotalEvicted)
}

func TestRetry(t *testing.T) {
	q, _, rec := newQueue(t, config())
	task := failedTask(t, "k1")
	q.Add(task, "", nil)

	got, err := q.Retry("k1")
	require.NoError(t, err)
	assert.Same(t, task, got)
	assert.Equal(t, domain.TaskStatusCreated, task.Status())
	assert.Equal(t, 2, task.Attempt())
	assert.False(t, q.Has("k1"))
	assert.Equal(t, 1, rec.count(dlq.EventRetried))

	_, err = q.Retry("k1")
	var nf *domain.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestRetry_ExhaustedKeepsEntry(t *testing.T) {
	cfg := config()
	cfg.MaxRetries = 0
	q, _, rec := newQueue(t, cfg)
	q.Add(failedTask(t, "k1"), "", nil)

	got, err := q.Retry("k1")
	assert.Nil(t, got)
	var exhausted *domain.RetryExhaustedError
	require.True(t, errors.As(err, &exhausted))

	assert.True(t, q.Has("k1"))
	assert.Equal(t, 1, rec.count(dlq.EventRetryExhausted))
	assert.Zero(t, rec.count(dlq.EventRetried))
	assert.Equal(t, int64(1), q.Stats().TotalExhausted)
}

func TestAddRetried_KeepsRetryCount(t *testing.T) {
	q, _, _ := newQueue(t, config())
	q.Add(failedTask(t, "k1"), "", nil)

	task, err := q.Retry("k1")
	require.NoError(t, err)
	require.NoError(t, task.Start())
	require.NoError(t, task.Fail("boom again"))

	q.AddRetried(task, "retries_exhausted", errors.New("boom again"), 1)
	entry, ok := q.Get("k1")
	require.True(t, ok)
	assert.Equal(t, 1, entry.RetryCount)

	_, err = q.Retry("k1")
	var exhausted *domain.RetryExhaustedError
	assert.True(t, errors.As(err, &exhausted))
}

func TestRetryWithFilter(t *testing.T) {
	q, clock, _ := newQueue(t, config())
	q.Add(failedTask(t, "keep-1"), "", nil)
	clock.Advance(time.Second)
	q.Add(failedTask(t, "skip"), "", nil)
	clock.Advance(time.Second)
	q.Add(failedTask(t, "keep-2"), "", nil)

	tasks := q.RetryWithFilter(func(e dlq.Entry) bool { return e.Key != "skip" })
	require.Len(t, tasks, 2)
	assert.Equal(t, "keep-1", tasks[0].IdempotencyKey)
	assert.Equal(t, "keep-2", tasks[1].IdempotencyKey)
	assert.Equal(t, 1, q.Len())

	all := q.RetryAll()
	require.Len(t, all, 1)
	assert.Zero(t, q.Len())
	assert.Equal(t, int64(3), q.Stats().TotalRetried)
}

func TestCleanup_ExpiresEntries(t *testing.T) {
	hooks := observability.NewMemory()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q, err := dlq.New(config(), hooks, dlq.WithClock(clock.Now))
	require.NoError(t, err)
	rec := &recorder{}
	unsubscribe := q.OnEvent(rec.record)

	q.Add(failedTask(t, "old"), "", nil)
	clock.Advance(30 * time.Minute)
	q.Add(failedTask(t, "new"), "", nil)
	clock.Advance(45 * time.Minute)

	assert.False(t, q.Has("old"), "expired entries are hidden before the sweep")
	assert.Equal(t, 1, q.Cleanup())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, rec.count(dlq.EventExpired))
	assert.Equal(t, float64(1), hooks.Counter(observability.DLQExpired, nil))
	assert.Equal(t, float64(1), hooks.Gauge(observability.DLQSize, nil))

	unsubscribe()
	unsubscribe()
	clock.Advance(time.Hour)
	assert.Equal(t, 1, q.Cleanup())
	assert.Equal(t, 1, rec.count(dlq.EventExpired), "unsubscribed listener receives nothing")
}

func TestStats_Ages(t *testing.T) {
	q, clock, _ := newQueue(t, config())
	q.Add(failedTask(t, "a"), "", nil)
	clock.Advance(2 * time.Second)
	q.Add(failedTask(t, "b"), "", nil)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(2), stats.TotalAdded)
	assert.Equal(t, int64(2000), stats.OldestAgeMs)
	assert.Equal(t, int64(1000), stats.AverageAgeMs)

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)
}

func TestStartStop(t *testing.T) {
	q, err := dlq.New(dlq.Config{MaxSize: 10, TTL: time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)
	q.Start()
	q.Start()
	q.Add(failedTask(t, "k"), "", nil)

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	q.Stop()
	q.Stop()
}
