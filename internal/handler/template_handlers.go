package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/handler/dto"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := h.sys.Templates()
	resp := dto.TemplatesResponse{Templates: make([]dto.TemplateResponse, len(templates))}
	for i, t := range templates {
		opts := t.Options()
		resp.Templates[i] = dto.TemplateResponse{
			Name:       t.Name(),
			MaxRetries: opts.MaxRetries,
			TimeoutMs:  opts.TimeoutMs,
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleRunTask submits a run of a registered template. A run that matches
// an unfinished task by idempotency key returns that task.
func (h *Handler) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tmpl, ok := h.sys.Template(name)
	if !ok {
		respondDomainError(w, domain.NewNotFoundError("template", name))
		return
	}

	var req dto.RunTaskRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
			return
		}
	}

	params := taskflow.RunParams{
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Options: domain.ExecutionOptions{
			MaxRetries: req.MaxRetries,
			TimeoutMs:  req.TimeoutMs,
		},
	}
	if len(req.Input) > 0 {
		params.Input = req.Input
	}

	handle, err := tmpl.Run(r.Context(), params)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, dto.ToTaskDetail(handle.Task()))
}
