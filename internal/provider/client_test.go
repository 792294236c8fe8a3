package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", 5*time.Second, 100)
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want TaskStatus
	}{
		{
			name: "processing with progress",
			body: `{"status":"processing","progress":40}`,
			want: TaskStatus{State: StateInProgress, Progress: 40},
		},
		{
			name: "completed prefers permanent url",
			body: `{"status":"completed","progress":100,"output":{"url":"https://signed.example/a?sig=x","permanent_url":"https://cdn.example/a.png"}}`,
			want: TaskStatus{State: StateCompleted, Progress: 100, ResultURL: "https://cdn.example/a.png"},
		},
		{
			name: "completed falls back to signed url",
			body: `{"status":"succeeded","output":{"url":"https://signed.example/a?sig=x"}}`,
			want: TaskStatus{State: StateCompleted, ResultURL: "https://signed.example/a?sig=x"},
		},
		{
			name: "failed with provider error",
			body: `{"status":"failed","error":"quota exceeded"}`,
			want: TaskStatus{State: StateFailed, Err: "quota exceeded"},
		},
		{
			name: "failed without message gets a default",
			body: `{"status":"error"}`,
			want: TaskStatus{State: StateFailed, Err: "generation failed"},
		},
		{
			name: "unknown status maps to failed",
			body: `{"status":"warming_up"}`,
			want: TaskStatus{State: StateFailed, Err: `unexpected provider status "warming_up"`},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
				require.Equal(t, "/v1/tasks/task_1", r.URL.Path)
				w.Write([]byte(tt.body))
			})
			got, err := c.Status(context.Background(), "task_1")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStatusHTTPError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	_, err := c.Status(context.Background(), "task_1")
	require.ErrorContains(t, err, "provider HTTP 429")
}

func TestStatusMalformedBody(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>"))
	})
	_, err := c.Status(context.Background(), "task_1")
	require.ErrorContains(t, err, "malformed provider response")
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/tasks", r.URL.Path)
		w.Write([]byte(`{"task_id":"task_9"}`))
	})
	id, err := c.Submit(context.Background(), SubmitRequest{Prompt: "a cat", ContentType: "image"})
	require.NoError(t, err)
	require.Equal(t, "task_9", id)
}

func TestSubmitMissingTaskID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err := c.Submit(context.Background(), SubmitRequest{Prompt: "a cat", ContentType: "image"})
	require.ErrorContains(t, err, "no task id")
}
