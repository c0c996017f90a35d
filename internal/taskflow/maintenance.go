package taskflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mtlprog/taskflow/internal/eventlog"
	"github.com/mtlprog/taskflow/internal/jobs"
)

func (s *System) registerJobs() {
	s.jobs.Register(jobs.DelayedFunc("eventlog-maintenance", s.cfg.EventLog.MaintenanceInterval,
		func(context.Context) error {
			_, err := s.MaintainEventLog()
			return err
		}))

	if s.cfg.Recovery.Enabled {
		s.jobs.Register(jobs.DelayedFunc("stale-recovery", s.cfg.Recovery.Interval,
			func(ctx context.Context) error {
				_, err := s.RecoverStaleTasks(ctx)
				return err
			}))
	}

	if s.cfg.Stream.Retention > 0 {
		s.jobs.Register(jobs.DelayedFunc("stream-retention", s.cfg.Stream.Retention,
			func(context.Context) error {
				s.sweepFinished(time.Now().Add(-s.cfg.Stream.Retention))
				return nil
			}))
	}
}

// MaintainEventLog rotates the active file once it is over the size limit
// and compacts rotated files whose entries have all reached the repository.
// It returns the compaction results.
func (s *System) MaintainEventLog() ([]eventlog.CompactResult, error) {
	s.maintenanceMu.Lock()
	defer s.maintenanceMu.Unlock()

	if s.log.ShouldRotate() {
		if err := s.log.PerformRotation(); err != nil {
			return nil, fmt.Errorf("rotate event log: %w", err)
		}
	}

	files, err := s.log.RotatedFiles()
	if err != nil {
		return nil, err
	}

	flushed := s.flusher.LastFlushedSeq()
	var results []eventlog.CompactResult
	for _, path := range files {
		if s.compacted[path] {
			continue
		}
		last, err := eventlog.LastSeqInFile(path)
		if err != nil {
			return results, err
		}
		if last > flushed {
			continue
		}
		res, err := s.log.CompactRotatedFile(path)
		if err != nil {
			return results, err
		}
		s.compacted[path] = true
		results = append(results, res)
	}
	return results, nil
}

// sweepFinished forgets executions that finished before cutoff. Their state
// stays available from the repository.
func (s *System) sweepFinished(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ex := range s.tasks {
		if ex.finishedBefore(cutoff) {
			s.untrackLocked(ex)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("finished executions released", "count", n)
	}
	return n
}
