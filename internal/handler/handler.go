package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/handler/dto"
	"github.com/mtlprog/taskflow/internal/middleware"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

// Options configures the operator API.
type Options struct {
	// APIKey enables Bearer authentication on /api/v1 routes when set.
	APIKey string
	// Gatherer backs GET /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sys            *taskflow.System
	logger         *slog.Logger
	metrics        http.Handler
	authMiddleware *middleware.AuthMiddleware
}

// New creates a new Handler serving the given task system.
func New(sys *taskflow.System, opts Options) *Handler {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		sys:            sys,
		logger:         logger.With("component", "http"),
		metrics:        promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		authMiddleware: middleware.NewAuthMiddleware(opts.APIKey),
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", h.metrics)

	h.protect(mux, "GET /api/v1/stats", h.handleGetStats)

	h.protect(mux, "GET /api/v1/templates", h.handleListTemplates)
	h.protect(mux, "POST /api/v1/templates/{name}/run", h.handleRunTask)

	h.protect(mux, "GET /api/v1/tasks", h.handleListTasks)
	h.protect(mux, "GET /api/v1/tasks/{id}", h.handleGetTask)
	h.protect(mux, "GET /api/v1/tasks/{id}/events", h.handleGetTaskEvents)
	h.protect(mux, "POST /api/v1/tasks/{id}/cancel", h.handleCancelTask)

	h.protect(mux, "GET /api/v1/dlq", h.handleListDeadLetters)
	h.protect(mux, "POST /api/v1/dlq/retry", h.handleRetryAllDeadLetters)
	h.protect(mux, "POST /api/v1/dlq/{key}/retry", h.handleRetryDeadLetter)
	h.protect(mux, "DELETE /api/v1/dlq/{key}", h.handleRemoveDeadLetter)
}

func (h *Handler) protect(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, h.authMiddleware.Authenticate(fn))
}

// handleHealthz returns 200 OK while the task system runs and its store is reachable.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if status := h.sys.Status(); status != taskflow.StatusRunning {
		http.Error(w, "task system "+status, http.StatusServiceUnavailable)
		return
	}

	if err := h.sys.Repository().HealthCheck(r.Context()); err != nil {
		h.logger.Error("repository health check failed", "error", err)
		http.Error(w, "repository unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a standard error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, dto.NewErrorResponse(code, message))
}

// respondDomainError maps err to a status and writes it, with rate-limit
// headers for backpressure rejections.
func respondDomainError(w http.ResponseWriter, err error) {
	var bp *domain.BackpressureError
	if errors.As(err, &bp) {
		for k, vs := range bp.Headers() {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}
	status, code, message := dto.MapDomainError(err)
	respondError(w, status, code, message)
}

// extractTaskID extracts and validates task ID from path parameter.
// Returns (taskID, true) if valid, ("", false) if invalid (error already sent to client).
func extractTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := r.PathValue("id")
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id is required")
		return "", false
	}

	if _, err := uuid.Parse(taskID); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "task id must be a valid UUID")
		return "", false
	}

	return taskID, true
}
