package handler

import (
	"net/http"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/handler/dto"
)

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := h.sys.DeadLetters()
	resp := dto.DeadLettersResponse{Entries: make([]dto.DeadLetterResponse, len(entries))}
	for i := range entries {
		resp.Entries[i] = dto.ToDeadLetterResponse(entries[i])
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRetryDeadLetter resubmits one entry and returns the new execution.
func (h *Handler) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	handle, err := h.sys.RetryDeadLetter(r.Context(), key)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.logger.Info("dead letter retried via api", "key", key, "task_id", handle.ID())
	respondJSON(w, http.StatusAccepted, dto.ToTaskDetail(handle.Task()))
}

// handleRetryAllDeadLetters resubmits every entry. Entries that cannot be
// retried are reported per item; the request itself still succeeds.
func (h *Handler) handleRetryAllDeadLetters(w http.ResponseWriter, r *http.Request) {
	handles, err := h.sys.RetryAllDeadLetters(r.Context())

	resp := dto.RetryAllResponse{
		Retried: make([]dto.TaskDetail, 0, len(handles)),
		Errors:  []dto.ErrorDetail{},
	}
	for _, handle := range handles {
		resp.Retried = append(resp.Retried, dto.ToTaskDetail(handle.Task()))
	}
	for _, e := range unjoin(err) {
		_, code, message := dto.MapDomainError(e)
		detail := dto.ErrorDetail{Code: code, Message: message}
		if base, ok := domain.AsTaskSystemError(e); ok {
			detail.Context = base.Context
		}
		resp.Errors = append(resp.Errors, detail)
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.sys.RemoveDeadLetter(key); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
