package dto

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mtlprog/taskflow/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// NewErrorResponse creates a new error response.
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// MapDomainError maps engine errors to HTTP status codes and error codes.
func MapDomainError(err error) (status int, code string, message string) {
	message = err.Error()

	var (
		validation   *domain.ValidationError
		notFound     *domain.NotFoundError
		taskState    *domain.TaskStateError
		conflict     *domain.ConflictError
		backpressure *domain.BackpressureError
		exhausted    *domain.RetryExhaustedError
		initErr      *domain.InitializationError
	)

	switch {
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, string(domain.CodeShuttingDown), message
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, string(domain.CodeValidation), validation.Message
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND", notFoundMessage(err)
	case errors.As(err, &notFound):
		return http.StatusNotFound, string(domain.CodeNotFound), notFound.Message
	case errors.As(err, &taskState):
		return http.StatusConflict, string(domain.CodeTaskState), taskState.Message
	case errors.As(err, &conflict):
		return http.StatusConflict, string(domain.CodeConflict), conflict.Message
	case errors.As(err, &backpressure):
		return backpressure.HTTPStatus(), string(domain.CodeBackpressure), backpressure.Message
	case errors.As(err, &exhausted):
		return http.StatusConflict, string(domain.CodeRetryExhausted), exhausted.Message
	case errors.As(err, &initErr):
		return http.StatusServiceUnavailable, string(domain.CodeInitialization), initErr.Message

	default:
		// Log unmapped errors; the client only sees a generic message.
		slog.Error("unmapped error returned to client",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
		)
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}

func notFoundMessage(err error) string {
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return nf.Message
	}
	return err.Error()
}
