package action

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuescope/queuescope/model"
)

func TestRenderTemplate(t *testing.T) {
	fields := map[string]any{
		"task_name":   "tasks.send_email",
		"retry_count": 3,
		"kwargs":      map[string]any{"user_id": float64(42)},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain field", "Task {{task_name}} failed", "Task tasks.send_email failed"},
		{"numeric field", "retries: {{retry_count}}", "retries: 3"},
		{"dotted path", "user {{kwargs.user_id}}", "user 42"},
		{"spaces inside braces", "{{ task_name }}", "tasks.send_email"},
		{"missing field kept", "host {{hostname}} down", "host {{hostname}} down"},
		{"no placeholders", "static text", "static text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.template, fields))
		})
	}
}

func TestNotifyPostsRenderedMessage(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewNotifyHandler(srv.Client(), srv.URL)
	params := map[string]any{"message": "Task {{task_name}} failed"}
	require.NoError(t, h.ValidateParams(params))

	result := h.Execute(context.Background(), params, map[string]any{"task_name": "tasks.a"})
	assert.Equal(t, model.ActionStatusSuccess, result.Status)
	assert.Equal(t, "Task tasks.a failed", received["message"])
	assert.Equal(t, http.StatusOK, result.Result["status_code"])
}

func TestNotifyNonSuccessResponseFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewNotifyHandler(srv.Client(), srv.URL)
	result := h.Execute(context.Background(), map[string]any{"message": "hi"}, nil)
	assert.Equal(t, model.ActionStatusFailed, result.Status)
	assert.Contains(t, result.Error, "503")
}

func TestNotifyParamURLOverridesDefault(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewNotifyHandler(srv.Client(), "http://127.0.0.1:1/unreachable")
	result := h.Execute(context.Background(), map[string]any{"message": "hi", "url": srv.URL}, nil)
	assert.Equal(t, model.ActionStatusSuccess, result.Status)
	assert.True(t, hit)
}

func TestNotifyValidateParams(t *testing.T) {
	h := NewNotifyHandler(nil, "http://example.com/hook")

	assert.NoError(t, h.ValidateParams(map[string]any{"message": "hi"}))
	assert.Error(t, h.ValidateParams(map[string]any{}))
	assert.Error(t, h.ValidateParams(map[string]any{"message": 5}))
	assert.Error(t, h.ValidateParams(map[string]any{"message": "hi", "url": 5}))

	bare := NewNotifyHandler(nil, "")
	assert.Error(t, bare.ValidateParams(map[string]any{"message": "hi"}))
	assert.NoError(t, bare.ValidateParams(map[string]any{"message": "hi", "url": "http://x"}))
}
