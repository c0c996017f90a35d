package taskflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ShutdownOptions control Shutdown.
type ShutdownOptions struct {
	// Force aborts running handlers immediately instead of waiting up to the
	// grace period for them to finish.
	Force bool
	// DeleteFiles removes the event log directory once everything is closed.
	DeleteFiles bool
}

// Shutdown stops admission, lets running tasks finish (or aborts them),
// stops background work, drains the event log into the repository and
// closes both. Concurrent and repeated calls wait for the first one.
func (s *System) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	s.mu.Lock()
	switch s.status {
	case StatusStopped:
		s.mu.Unlock()
		return nil
	case StatusShuttingDown:
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wasRunning := s.status == StatusRunning
	s.status = StatusShuttingDown
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("task system shutting down",
		"force", opts.Force,
		"active", s.counters.active.Load(),
	)

	if !opts.Force && !s.awaitIdle(ctx) {
		s.logger.Warn("grace period elapsed, aborting running tasks",
			"active", s.counters.active.Load(),
			"grace_period", s.cfg.Shutdown.GracePeriod,
		)
	}
	s.abortAll()

	var errs []error
	if err := s.waitExecutors(ctx); err != nil {
		errs = append(errs, err)
	}

	s.jobs.Stop()
	s.jobs.Wait()
	s.dlq.Stop()

	if wasRunning {
		if err := s.flusher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop flusher: %w", err))
		}
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}
	if err := s.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repository: %w", err))
	}
	if opts.DeleteFiles {
		if err := os.RemoveAll(s.cfg.EventLog.Dir); err != nil {
			errs = append(errs, fmt.Errorf("delete event log files: %w", err))
		}
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()
	close(s.stopped)

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("task system stopped with errors", "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Info("task system stopped", "duration", time.Since(start))
	return nil
}

// awaitIdle polls until no task is active. It returns false when the grace
// period or ctx ends first.
func (s *System) awaitIdle(ctx context.Context) bool {
	if s.counters.active.Load() == 0 {
		return true
	}
	deadline := time.NewTimer(s.cfg.Shutdown.GracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.Shutdown.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.counters.active.Load() == 0 {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *System) abortAll() {
	s.mu.RLock()
	for _, ex := range s.tasks {
		if !ex.isFinished() {
			ex.requestCancel("task system shutting down")
		}
	}
	s.mu.RUnlock()
	s.abort()
}

func (s *System) waitExecutors(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}
