package handler

import (
	"net/http"

	"github.com/mtlprog/taskflow/internal/handler/dto"
)

// handleListTasks returns persisted tasks, newest first.
// Query: status (comma-separated), name, user_id, limit, offset.
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filters, err := dto.ParseListTasksFilters(r.URL.Query())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	tasks, err := h.sys.Repository().ListTasks(r.Context(), filters.ToListFilter())
	if err != nil {
		h.logger.Error("failed to list tasks", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list tasks")
		return
	}

	respondJSON(w, http.StatusOK, dto.TasksListResponse{
		Tasks:  dto.ToTaskDetails(tasks),
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	task, err := h.sys.Task(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.ToTaskDetail(*task))
}

func (h *Handler) handleGetTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	events, err := h.sys.Events(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := dto.TaskEventsResponse{
		TaskID: taskID,
		Events: make([]dto.TaskEventResponse, len(events)),
	}
	for i := range events {
		resp.Events[i] = dto.ToTaskEventResponse(events[i])
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCancelTask requests cancellation. The task settles asynchronously,
// so the response is 202 Accepted.
func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := extractTaskID(w, r)
	if !ok {
		return
	}

	if err := h.sys.Cancel(r.Context(), taskID); err != nil {
		respondDomainError(w, err)
		return
	}

	h.logger.Info("task cancelled via api", "task_id", taskID)
	respondJSON(w, http.StatusAccepted, dto.CancelResponse{TaskID: taskID, Status: "cancelling"})
}

// handleGetStats returns engine statistics.
func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.sys.Stats())
}
