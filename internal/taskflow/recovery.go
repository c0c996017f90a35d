package taskflow

import (
	"context"
	"fmt"

	"github.com/mtlprog/taskflow/internal/domain"
)

// Recover reattaches to the task with the given idempotency key. Tasks held
// in memory are returned as is; otherwise the task is loaded from the
// repository and its history replayed into a new handle. A task that was
// left unfinished by a previous process is resumed when its template is
// registered and failed otherwise. It returns nil, nil when no task matches.
func (s *System) Recover(ctx context.Context, key string) (*TaskHandle, error) {
	s.mu.RLock()
	ex := s.byKey[key]
	s.mu.RUnlock()
	if ex != nil {
		return &TaskHandle{sys: s, ex: ex}, nil
	}

	snap, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("find task by idempotency key: %w", err)
	}
	if snap == nil {
		return nil, nil
	}
	return s.restore(ctx, *snap)
}

// RecoverStaleTasks resumes or fails running tasks whose heartbeat is older
// than the recovery threshold. Tasks executing in this process are skipped.
// It returns how many tasks were handled.
func (s *System) RecoverStaleTasks(ctx context.Context) (int, error) {
	stale, err := s.repo.FindStaleTasks(ctx, s.cfg.Recovery.StaleThreshold)
	if err != nil {
		return 0, fmt.Errorf("find stale tasks: %w", err)
	}

	recovered := 0
	for _, snap := range stale {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		if s.isLive(snap.ID) {
			continue
		}
		if _, err := s.restore(ctx, snap); err != nil {
			s.logger.Error("failed to recover stale task", "task_id", snap.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("stale tasks recovered", "count", recovered, "found", len(stale))
	}
	return recovered, nil
}

func (s *System) isLive(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.tasks[taskID]
	return ok && !ex.isFinished()
}

// restore rebuilds the execution of a persisted task.
func (s *System) restore(ctx context.Context, snap domain.TaskSnapshot) (*TaskHandle, error) {
	history, err := s.repo.GetEvents(ctx, snap.ID)
	if err != nil {
		return nil, fmt.Errorf("load events of task %s: %w", snap.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ex, ok := s.tasks[snap.ID]; ok {
		return &TaskHandle{sys: s, ex: ex}, nil
	}

	terminal := snap.Status.IsTerminal()
	if !terminal {
		switch s.status {
		case StatusRunning:
		case StatusCreated:
			return nil, domain.NewInitializationError("taskflow", domain.ErrNotInitialized)
		default:
			return nil, domain.NewShuttingDownError()
		}
	}

	task := domain.RestoreTask(snap)
	tmpl := s.templates[snap.Name]
	ex := newExecution(s.rootCtx, task, tmpl, false, s.cfg.Stream)
	for _, ev := range history {
		ex.deliver(ev)
	}
	s.trackLocked(ex)

	if terminal || tmpl == nil {
		if terminal {
			s.announceRecovery(ex, "")
			ex.finish()
		} else {
			s.abandon(ex)
		}
		if s.cfg.Stream.Retention == 0 {
			s.untrackLocked(ex)
		}
		return &TaskHandle{sys: s, ex: ex}, nil
	}

	if task.Status() == domain.TaskStatusRunning {
		if err := task.Fail("interrupted"); err != nil {
			return nil, err
		}
		if err := task.ResetToPending(); err != nil {
			return nil, err
		}
	}
	s.announceRecovery(ex, "resumed")
	s.counters.recovered.Add(1)
	s.launch(ex)

	s.logger.Info("task resumed",
		"task_id", task.ID,
		"name", task.Name,
		"attempt", task.Attempt(),
	)
	return &TaskHandle{sys: s, ex: ex}, nil
}

func (s *System) announceRecovery(ex *execution, message string) {
	ev := domain.NewTaskEvent(ex.task, domain.EventTypeRecovered)
	ev.Message = message
	ex.deliver(ev)
}

// abandon fails an unfinished task nobody can execute any more.
func (s *System) abandon(ex *execution) {
	task := ex.task
	message := fmt.Sprintf("no handler registered for task %q", task.Name)

	if task.Status() == domain.TaskStatusCreated {
		if err := task.Start(); err != nil {
			ex.setErr(err)
			ex.finish()
			return
		}
	}
	if err := task.Fail(message); err != nil {
		ex.setErr(err)
		ex.finish()
		return
	}
	s.announceRecovery(ex, "")
	ev := domain.NewTaskEvent(task, domain.EventTypeError)
	ev.Error = message
	if err := s.publish(ex, ev, false); err != nil {
		ex.setErr(err)
	}
	s.counters.failed.Add(1)
	ex.finish()
	s.logger.Warn("unfinished task failed on recovery", "task_id", task.ID, "name", task.Name)
}
