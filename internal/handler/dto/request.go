package dto

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/repository"
)

// ListTasksFilters represents query parameters for GET /tasks.
type ListTasksFilters struct {
	Status []string // Multiple statuses: ?status=running,failed
	Name   string   // ?name=report
	UserID *string  // ?user_id=u-42
	Limit  int      // ?limit=50
	Offset int      // ?offset=0
}

// ParseListTasksFilters reads the list query. Unparseable pagination values
// fall back to defaults; unknown statuses are rejected.
func ParseListTasksFilters(query url.Values) (ListTasksFilters, error) {
	f := ListTasksFilters{
		Name:  strings.TrimSpace(query.Get("name")),
		Limit: repository.DefaultListLimit,
	}

	if statusParam := query.Get("status"); statusParam != "" {
		f.Status = splitAndTrim(statusParam, ",")
		for _, s := range f.Status {
			if !domain.TaskStatus(s).IsValid() {
				return f, domain.NewValidationError("status", "unknown task status "+strconv.Quote(s))
			}
		}
	}

	if userID := query.Get("user_id"); userID != "" {
		f.UserID = &userID
	}

	if limitParam := query.Get("limit"); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil && n > 0 && n <= repository.MaxListLimit {
			f.Limit = n
		}
	}
	if offsetParam := query.Get("offset"); offsetParam != "" {
		if n, err := strconv.Atoi(offsetParam); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	return f, nil
}

// ToListFilter converts the query into a repository filter.
func (f ListTasksFilters) ToListFilter() repository.ListFilter {
	statuses := make([]domain.TaskStatus, len(f.Status))
	for i, s := range f.Status {
		statuses[i] = domain.TaskStatus(s)
	}
	return repository.ListFilter{
		Statuses: statuses,
		Name:     f.Name,
		UserID:   f.UserID,
		Limit:    f.Limit,
		Offset:   f.Offset,
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RunTaskRequest represents the request body for POST /templates/{name}/run.
type RunTaskRequest struct {
	Input          json.RawMessage `json:"input"`
	UserID         *string         `json:"user_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty"`
}
