// Package eventlog implements the write-ahead log of task events.
//
// The log is a directory holding one active file of newline-delimited JSON
// entries, rotated files suffixed .1, .2, ... (oldest first), and a
// checkpoint file with the last durably written sequence number. Sequence
// numbers are global and survive restarts.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

const (
	DefaultFileName     = "events.wal"
	DefaultMaxFileBytes = 16 << 20

	checkpointSuffix = ".checkpoint"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("event log is closed")

// Config configures an event log.
type Config struct {
	Dir          string
	FileName     string
	MaxFileBytes int64
	Logger       *slog.Logger
	Hooks        observability.Hooks
}

// Stats is a point-in-time view of the log.
type Stats struct {
	Initialized        bool       `json:"initialized"`
	CurrentSeq         int64      `json:"currentSeq"`
	RotationCount      int        `json:"rotationCount"`
	RotationInProgress bool       `json:"rotationInProgress"`
	EntriesWritten     int64      `json:"entriesWritten"`
	ActiveFileBytes    int64      `json:"activeFileBytes"`
	RotatedFiles       int        `json:"rotatedFiles"`
	LastRotationAt     *time.Time `json:"lastRotationAt,omitempty"`
}

// Log is the append-only event log. It is safe for concurrent use.
type Log struct {
	cfg    Config
	logger *slog.Logger
	hooks  observability.Hooks
	path   string
	notify chan struct{}

	mu             sync.Mutex
	file           *os.File
	size           int64
	seq            int64
	rotationIndex  int
	rotationCount  int
	rotating       bool
	generation     uint64
	entriesWritten int64
	lastRotationAt *time.Time
	closed         bool
}

// Open creates the directory if needed, restores the sequence number and
// opens the active file for appending.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, domain.NewConfigValidationError("eventlog.dir", "event log directory is required")
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "eventlog")
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, domain.NewInitializationError("eventlog", fmt.Errorf("create dir: %w", err))
	}

	l := &Log{
		cfg:    cfg,
		logger: logger,
		hooks:  observability.OrNoop(cfg.Hooks),
		path:   filepath.Join(cfg.Dir, cfg.FileName),
		notify: make(chan struct{}, 1),
	}

	if err := l.restore(); err != nil {
		return nil, domain.NewInitializationError("eventlog", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, domain.NewInitializationError("eventlog", fmt.Errorf("open active file: %w", err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, domain.NewInitializationError("eventlog", fmt.Errorf("stat active file: %w", err))
	}
	l.file = f
	l.size = info.Size()

	logger.Info("event log opened",
		"path", l.path,
		"seq", l.seq,
		"rotated_files", l.rotationIndex,
		"active_bytes", l.size,
	)
	return l, nil
}

// restore recovers seq as the larger of the checkpoint and the last entry on
// disk, and continues rotated-file numbering.
func (l *Log) restore() error {
	cp, err := readCheckpoint(l.checkpointPath())
	if err != nil {
		return err
	}
	l.seq = cp

	rotated, err := rotatedFiles(l.cfg.Dir, l.cfg.FileName)
	if err != nil {
		return err
	}
	if n := len(rotated); n > 0 {
		l.rotationIndex = rotated[n-1].index
		last, err := LastSeqInFile(rotated[n-1].path)
		if err != nil {
			return err
		}
		l.seq = max(l.seq, last)
	}

	last, err := LastSeqInFile(l.path)
	if err != nil {
		return err
	}
	l.seq = max(l.seq, last)
	return nil
}

// Path returns the active file path.
func (l *Log) Path() string { return l.path }

// Dir returns the log directory.
func (l *Log) Dir() string { return l.cfg.Dir }

func (l *Log) checkpointPath() string { return l.path + checkpointSuffix }

// CurrentSeq returns the last assigned sequence number.
func (l *Log) CurrentSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Notify is signalled after every append. Signals coalesce.
func (l *Log) Notify() <-chan struct{} { return l.notify }

// generation changes on every rotation.
func (l *Log) currentGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// openActiveForRead opens the active file with rotation excluded, returning
// the generation and the index of the newest rotated file at that moment.
func (l *Log) openActiveForRead() (*os.File, uint64, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open active file: %w", err)
	}
	return f, l.generation, l.rotationIndex, nil
}

// AppendEntry assigns the next seq to entry and appends it as one JSON line.
// With fsyncCheckpoint the data file is synced and the checkpoint rewritten
// before returning. The active file is rotated once it crosses the size
// threshold.
func (l *Log) AppendEntry(entry domain.EventLogEntry, fsyncCheckpoint bool) (domain.EventLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return entry, domain.NewInitializationError("eventlog", ErrClosed)
	}

	entry.Seq = l.seq + 1
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	l.size += int64(n)
	if n > 0 {
		// a partial line still consumes the sequence number
		l.seq = entry.Seq
	}
	if err != nil {
		return entry, fmt.Errorf("append entry %d: %w", entry.Seq, err)
	}
	l.entriesWritten++

	if fsyncCheckpoint {
		if err := l.file.Sync(); err != nil {
			return entry, fmt.Errorf("sync event log: %w", err)
		}
		if err := writeCheckpoint(l.checkpointPath(), l.seq); err != nil {
			return entry, err
		}
	}

	l.hooks.IncrementCounter(observability.EventLogAppended, 1, map[string]string{"type": string(entry.Type)})
	l.hooks.RecordGauge(observability.EventLogSeq, float64(l.seq), nil)

	select {
	case l.notify <- struct{}{}:
	default:
	}

	if l.shouldRotateLocked() {
		if err := l.rotateLocked(); err != nil {
			// the entry is durable in the old file; rotation is retried on the next append
			l.logger.Error("automatic rotation failed", "error", err)
		}
	}
	return entry, nil
}

// AppendEvent writes the WAL projection of event. Events without a WAL type
// (retry, recovered) are skipped and ok is false.
func (l *Log) AppendEvent(event domain.TaskEvent, fsyncCheckpoint bool) (entry domain.EventLogEntry, ok bool, err error) {
	entry, ok = event.ToEntry()
	if !ok {
		return entry, false, nil
	}
	entry, err = l.AppendEntry(entry, fsyncCheckpoint)
	return entry, err == nil, err
}

// Sync flushes the active file and rewrites the checkpoint.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return writeCheckpoint(l.checkpointPath(), l.seq)
}

// Stats returns a snapshot of the log counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	rotated, _ := rotatedFiles(l.cfg.Dir, l.cfg.FileName)
	return Stats{
		Initialized:        !l.closed,
		CurrentSeq:         l.seq,
		RotationCount:      l.rotationCount,
		RotationInProgress: l.rotating,
		EntriesWritten:     l.entriesWritten,
		ActiveFileBytes:    l.size,
		RotatedFiles:       len(rotated),
		LastRotationAt:     l.lastRotationAt,
	}
}

// Close syncs the active file, writes the checkpoint and releases the file.
// Calling Close more than once is safe.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync event log: %w", err))
	}
	if err := writeCheckpoint(l.checkpointPath(), l.seq); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}

	l.logger.Info("event log closed", "seq", l.seq)
	return errors.Join(errs...)
}
