package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

// maxResponseBytes bounds how much of a webhook response is kept as the result.
const maxResponseBytes = 64 << 10

// builtinTemplates are registered by serve so the operator API can submit
// work without an embedding application.
func builtinTemplates(client *http.Client) []taskflow.TaskDefinition {
	return []taskflow.TaskDefinition{
		{Name: "echo", Handler: echoHandler},
		{Name: "webhook", Handler: webhookHandler(client)},
	}
}

// echoHandler completes with its input.
func echoHandler(_ context.Context, tc taskflow.TaskContext, events chan<- domain.EventInput) error {
	events <- domain.Complete(tc.Input)
	return nil
}

// WebhookInput is the input of the webhook template.
type WebhookInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// WebhookResult is the result of a webhook task.
type WebhookResult struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
	Text       string          `json:"text,omitempty"`
}

// webhookStatusError carries the response status so retry classification
// treats 429 and 5xx as transient.
type webhookStatusError struct {
	code int
	body string
}

func (e *webhookStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("webhook returned status %d", e.code)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.code, e.body)
}

func (e *webhookStatusError) StatusCode() int { return e.code }

func webhookHandler(client *http.Client) taskflow.Handler {
	return func(ctx context.Context, tc taskflow.TaskContext, events chan<- domain.EventInput) error {
		var in WebhookInput
		if err := tc.Decode(&in); err != nil {
			return domain.NewValidationError("input", fmt.Sprintf("invalid webhook input: %v", err))
		}
		if in.URL == "" {
			return domain.NewValidationError("input.url", "is required")
		}
		method := strings.ToUpper(in.Method)
		if method == "" {
			method = http.MethodPost
		}

		var body io.Reader
		if len(in.Body) > 0 {
			body = bytes.NewReader(in.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
		if err != nil {
			return domain.NewValidationError("input.url", err.Error())
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Idempotency-Key", tc.IdempotencyKey)
		for k, v := range in.Headers {
			req.Header.Set(k, v)
		}

		select {
		case events <- domain.Progress("sending request", map[string]any{"method": method, "attempt": tc.Attempt}):
		case <-ctx.Done():
			return ctx.Err()
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read webhook response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &webhookStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
		}

		result := WebhookResult{StatusCode: resp.StatusCode}
		if json.Valid(data) && len(bytes.TrimSpace(data)) > 0 {
			result.Body = data
		} else {
			result.Text = string(data)
		}
		select {
		case events <- domain.Complete(result):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
}
