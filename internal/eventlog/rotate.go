package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/observability"
)

// ShouldRotate reports whether the active file has crossed the size threshold.
func (l *Log) ShouldRotate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldRotateLocked()
}

func (l *Log) shouldRotateLocked() bool {
	return !l.closed && l.cfg.MaxFileBytes > 0 && l.size >= l.cfg.MaxFileBytes
}

// PerformRotation moves the active file to the next .N suffix and starts a
// fresh active file. An empty active file is not rotated.
func (l *Log) PerformRotation() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return domain.NewInitializationError("eventlog", ErrClosed)
	}
	return l.rotateLocked()
}

// rotateLocked opens the replacement file before touching the active one, so
// a failure leaves the current file in place and writable.
func (l *Log) rotateLocked() error {
	if l.size == 0 {
		return nil
	}
	l.rotating = true
	defer func() { l.rotating = false }()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync before rotation: %w", err)
	}

	next := l.rotationIndex + 1
	rotatedPath := fmt.Sprintf("%s.%d", l.path, next)
	pendingPath := l.path + ".next"

	fresh, err := os.OpenFile(pendingPath, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create new active file: %w", err)
	}

	if err := os.Rename(l.path, rotatedPath); err != nil {
		fresh.Close()
		os.Remove(pendingPath)
		return fmt.Errorf("rename active file: %w", err)
	}
	if err := os.Rename(pendingPath, l.path); err != nil {
		fresh.Close()
		os.Remove(pendingPath)
		if rerr := os.Rename(rotatedPath, l.path); rerr != nil {
			l.logger.Error("failed to restore active file after rotation error",
				"rotated_path", rotatedPath, "error", rerr)
		}
		return fmt.Errorf("install new active file: %w", err)
	}

	if err := l.file.Close(); err != nil {
		l.logger.Warn("close rotated file", "path", rotatedPath, "error", err)
	}
	l.file = fresh
	l.size = 0
	l.rotationIndex = next
	l.rotationCount++
	l.generation++
	now := time.Now()
	l.lastRotationAt = &now

	// the new active file is empty, so seq must be carried by the checkpoint
	if err := writeCheckpoint(l.checkpointPath(), l.seq); err != nil {
		l.logger.Warn("write checkpoint after rotation", "error", err)
	}

	l.hooks.IncrementCounter(observability.EventLogRotations, 1, nil)
	l.logger.Info("event log rotated", "rotated_path", rotatedPath, "seq", l.seq)
	return nil
}

// CompactResult reports the outcome of compacting one file.
type CompactResult struct {
	Path    string `json:"path"`
	Kept    int    `json:"kept"`
	Dropped int    `json:"dropped"`
}

type typeOnly struct {
	Type domain.EntryType `json:"type"`
}

// CompactRotatedFile rewrites a rotated file keeping only recovery-relevant
// entries. Lines that do not parse are dropped. The file is replaced
// atomically; the active file cannot be compacted.
func (l *Log) CompactRotatedFile(path string) (CompactResult, error) {
	if path == l.path {
		return CompactResult{Path: path}, fmt.Errorf("refusing to compact the active file %s", path)
	}
	res, err := CompactFile(path)
	if err != nil {
		return res, err
	}
	l.logger.Info("event log file compacted", "path", path, "kept", res.Kept, "dropped", res.Dropped)
	return res, nil
}

// CompactFile compacts a single closed log file in place.
func CompactFile(path string) (CompactResult, error) {
	res := CompactResult{Path: path}
	var kept []byte

	err := scanLines(path, func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		var t typeOnly
		if err := json.Unmarshal(line, &t); err != nil || !domain.IsRecoveryRelevant(t.Type) {
			res.Dropped++
			return nil
		}
		res.Kept++
		kept = append(kept, line...)
		kept = append(kept, '\n')
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("compact %s: %w", path, err)
	}
	if res.Dropped == 0 {
		return res, nil
	}
	if err := writeFileAtomic(path, kept); err != nil {
		return res, fmt.Errorf("compact %s: %w", path, err)
	}
	return res, nil
}
