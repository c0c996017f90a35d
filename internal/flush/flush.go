// Package flush drains the event log into the repository on a supervised
// background worker.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/observability"
	"github.com/mtlprog/taskflow/internal/repository"
)

const progressSuffix = ".flushed"

// DefaultProgressPath is where the flush progress of the log file at
// walPath is kept unless Config.ProgressPath overrides it.
func DefaultProgressPath(walPath string) string { return walPath + progressSuffix }

// Config configures a Flusher. Zero values take the defaults.
type Config struct {
	BatchSize        int           `yaml:"batch_size"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxRestarts      int           `yaml:"max_restarts"`
	RestartBaseDelay time.Duration `yaml:"restart_base_delay"`
	RestartMaxDelay  time.Duration `yaml:"restart_max_delay"`
	// ProgressPath stores the last applied seq; defaults to <wal>.flushed.
	ProgressPath string              `yaml:"progress_path"`
	Logger       *slog.Logger        `yaml:"-"`
	Hooks        observability.Hooks `yaml:"-"`
}

func (c *Config) applyDefaults(log *eventlog.Log) {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = 100 * time.Millisecond
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = 5 * time.Second
	}
	if c.ProgressPath == "" {
		c.ProgressPath = DefaultProgressPath(log.Path())
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "flush")
	}
	c.Hooks = observability.OrNoop(c.Hooks)
}

// Worker states reported by Status.
const (
	StatusIdle         = "idle"
	StatusRunning      = "running"
	StatusRestarting   = "restarting"
	StatusFailed       = "failed"
	StatusShuttingDown = "shutting_down"
	StatusStopped      = "stopped"
)

// Stats describes the worker's health and progress.
type Stats struct {
	PID            int        `json:"pid"`
	Status         string     `json:"status"`
	Alive          bool       `json:"alive"`
	ShuttingDown   bool       `json:"shuttingDown"`
	RestartCount   int        `json:"restartCount"`
	LastBatchSize  int        `json:"lastBatchSize"`
	LastBatchAt    *time.Time `json:"lastBatchAt,omitempty"`
	LastBatchMs    int64      `json:"lastBatchDurationMs"`
	LastFlushedSeq int64      `json:"lastFlushedSeq"`
	PendingEntries int64      `json:"pendingEntries"`
	TotalFlushed   int64      `json:"totalFlushed"`
	TotalBatches   int64      `json:"totalBatches"`
	LastError      string     `json:"lastError,omitempty"`
	LastErrorAt    *time.Time `json:"lastErrorAt,omitempty"`
}

// Flusher applies WAL entries to the repository in order.
type Flusher struct {
	log    *eventlog.Log
	repo   repository.Repository
	cfg    Config
	logger *slog.Logger

	drainMu sync.Mutex // serializes batch application and progress writes
	reader  *eventlog.Reader

	mu             sync.Mutex
	status         string
	alive          bool
	shuttingDown   bool
	restartCount   int
	lastBatchSize  int
	lastBatchAt    *time.Time
	lastBatchDur   time.Duration
	lastFlushedSeq int64
	totalFlushed   int64
	totalBatches   int64
	lastErr        error
	lastErrAt      *time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a flusher; Initialize starts it.
func New(log *eventlog.Log, repo repository.Repository, cfg Config) *Flusher {
	cfg.applyDefaults(log)
	return &Flusher{
		log:    log,
		repo:   repo,
		cfg:    cfg,
		logger: cfg.Logger,
		status: StatusIdle,
	}
}

// Initialize restores flush progress and starts the supervised worker.
func (f *Flusher) Initialize(ctx context.Context) error {
	seq, err := eventlog.ReadSeqFile(f.cfg.ProgressPath)
	if err != nil {
		return domain.NewInitializationError("flush", err)
	}

	f.mu.Lock()
	if f.done != nil {
		f.mu.Unlock()
		return nil
	}
	f.lastFlushedSeq = seq
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.supervise(runCtx)

	f.logger.Info("flush worker started", "last_flushed_seq", seq, "pending", f.log.CurrentSeq()-seq)
	return nil
}

// supervise runs the worker and restarts it with exponential backoff after a
// crash, up to MaxRestarts times.
func (f *Flusher) supervise(ctx context.Context) {
	defer close(f.done)

	backoff := retry.NewExponential(f.cfg.RestartBaseDelay)
	backoff = retry.WithCappedDuration(f.cfg.RestartMaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(f.cfg.MaxRestarts), backoff)

	first := true
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if !first {
			f.mu.Lock()
			f.restartCount++
			count := f.restartCount
			f.mu.Unlock()
			f.cfg.Hooks.IncrementCounter(observability.FlushRestarts, 1, nil)
			f.logger.Warn("restarting flush worker", "restart_count", count)
		}
		first = false

		f.setState(StatusRunning, true)
		err := f.run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		f.recordError(err)
		f.setState(StatusRestarting, false)
		f.logger.Error("flush worker crashed", "error", err)
		return retry.RetryableError(err)
	})

	switch {
	case ctx.Err() != nil || err == nil:
		f.setState(StatusStopped, false)
	default:
		f.setState(StatusFailed, false)
		f.logger.Error("flush worker gave up; entries stay in the event log",
			"restart_count", f.Stats().RestartCount, "error", err)
	}
}

// run drains until ctx is cancelled. Panics are returned as errors.
func (f *Flusher) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush worker panic: %v", r)
		}
	}()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := f.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-f.log.Notify():
		case <-ticker.C:
		}
	}
}

// Drain applies every entry newer than the last flushed seq and returns how
// many were applied.
func (f *Flusher) Drain(ctx context.Context) (int, error) {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()

	reader := f.readerLocked()

	total := 0
	for {
		entries, err := reader.Next(f.cfg.BatchSize)
		if err != nil {
			f.dropReaderLocked()
			return total, fmt.Errorf("read event log: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		start := time.Now()
		if err := f.repo.ExecuteBatch(ctx, entries); err != nil {
			f.dropReaderLocked()
			return total, err
		}
		last := entries[len(entries)-1].Seq
		if err := eventlog.WriteSeqFile(f.cfg.ProgressPath, last); err != nil {
			f.dropReaderLocked()
			return total, fmt.Errorf("save flush progress: %w", err)
		}

		f.recordBatch(len(entries), last, start)
		total += len(entries)
	}
}

// readerLocked returns the reader kept from earlier drains, so a caught-up
// drain resumes at its file position instead of rescanning rotated files.
// A reader that moved past the flushed seq is replaced. Caller holds drainMu.
func (f *Flusher) readerLocked() *eventlog.Reader {
	flushed := f.LastFlushedSeq()
	if f.reader != nil && f.reader.LastSeq() != flushed {
		f.dropReaderLocked()
	}
	if f.reader == nil {
		f.reader = eventlog.NewReader(f.log, flushed)
	}
	return f.reader
}

// dropReaderLocked discards the reader; entries it returned past the flushed
// seq are read again by the next drain. Caller holds drainMu.
func (f *Flusher) dropReaderLocked() {
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
}

func (f *Flusher) recordBatch(n int, last int64, start time.Time) {
	now := time.Now()
	f.mu.Lock()
	f.lastBatchSize = n
	f.lastBatchAt = &now
	f.lastBatchDur = now.Sub(start)
	if last > f.lastFlushedSeq {
		f.lastFlushedSeq = last
	}
	f.totalFlushed += int64(n)
	f.totalBatches++
	f.mu.Unlock()

	f.cfg.Hooks.IncrementCounter(observability.FlushEntries, float64(n), nil)
	f.logger.Debug("flushed batch", "entries", n, "seq", last, "duration", now.Sub(start))
}

func (f *Flusher) recordError(err error) {
	now := time.Now()
	f.mu.Lock()
	f.lastErr = err
	f.lastErrAt = &now
	f.mu.Unlock()
}

func (f *Flusher) setState(status string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shuttingDown && status != StatusStopped {
		status = StatusShuttingDown
	}
	f.status = status
	f.alive = alive
}

// LastFlushedSeq returns the seq of the last entry applied to the repository.
func (f *Flusher) LastFlushedSeq() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFlushedSeq
}

// IsAlive reports whether the worker loop is currently running.
func (f *Flusher) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// Status returns the worker state name.
func (f *Flusher) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Stats returns a snapshot of the worker's health and progress.
func (f *Flusher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Stats{
		PID:            os.Getpid(),
		Status:         f.status,
		Alive:          f.alive,
		ShuttingDown:   f.shuttingDown,
		RestartCount:   f.restartCount,
		LastBatchSize:  f.lastBatchSize,
		LastBatchAt:    f.lastBatchAt,
		LastBatchMs:    f.lastBatchDur.Milliseconds(),
		LastFlushedSeq: f.lastFlushedSeq,
		PendingEntries: max(0, f.log.CurrentSeq()-f.lastFlushedSeq),
		TotalFlushed:   f.totalFlushed,
		TotalBatches:   f.totalBatches,
		LastErrorAt:    f.lastErrAt,
	}
	if f.lastErr != nil {
		s.LastError = f.lastErr.Error()
	}
	return s
}

// Shutdown stops the worker and performs a final drain so everything in the
// event log reaches the repository. Calling it again is a no-op.
func (f *Flusher) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return nil
	}
	f.shuttingDown = true
	f.status = StatusShuttingDown
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for flush worker: %w", ctx.Err())
		}
	}

	n, err := f.Drain(ctx)
	f.drainMu.Lock()
	f.dropReaderLocked()
	f.drainMu.Unlock()
	f.setState(StatusStopped, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.recordError(err)
		return fmt.Errorf("final drain: %w", err)
	}

	f.logger.Info("flush worker stopped", "final_entries", n, "last_flushed_seq", f.LastFlushedSeq())
	return nil
}
