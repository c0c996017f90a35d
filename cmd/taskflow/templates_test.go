package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtlprog/taskflow/internal/domain"
	"github.com/mtlprog/taskflow/internal/taskflow"
)

func runHandler(t *testing.T, h taskflow.Handler, input any) ([]domain.EventInput, error) {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)

	events := make(chan domain.EventInput, 8)
	err = h(context.Background(), taskflow.TaskContext{
		TaskID:         "t1",
		Name:           "webhook",
		IdempotencyKey: "key-1",
		Attempt:        1,
		Input:          raw,
	}, events)
	close(events)

	var out []domain.EventInput
	for ev := range events {
		out = append(out, ev)
	}
	return out, err
}

func TestEchoHandler(t *testing.T) {
	events, err := runHandler(t, echoHandler, map[string]int{"n": 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeComplete, events[0].Type)

	b, err := json.Marshal(events[0].Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(b))
}

func TestWebhookHandler_Success(t *testing.T) {
	var gotBody, gotKey, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = r.Header.Get("Idempotency-Key")
		gotHeader = r.Header.Get("X-Source")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	events, err := runHandler(t, webhookHandler(srv.Client()), WebhookInput{
		URL:     srv.URL,
		Headers: map[string]string{"X-Source": "taskflow"},
		Body:    json.RawMessage(`{"order":7}`),
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTypeProgress, events[0].Type)
	assert.Equal(t, domain.EventTypeComplete, events[1].Type)

	result, ok := events[1].Result.(WebhookResult)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(result.Body))

	assert.JSONEq(t, `{"order":7}`, gotBody)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "taskflow", gotHeader)
}

func TestWebhookHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := runHandler(t, webhookHandler(srv.Client()), WebhookInput{URL: srv.URL, Method: "put"})
			var statusErr *webhookStatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode())
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.retryable, domain.IsRetryableError(err))
		})
	}
}

func TestWebhookHandler_InvalidInput(t *testing.T) {
	_, err := runHandler(t, webhookHandler(http.DefaultClient), map[string]string{})
	var vErr *domain.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "input.url", vErr.Field)
	assert.False(t, domain.IsRetryableError(err))
}
