package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Task states after mapping the provider's status codes.
const (
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// TaskStatus is the provider's answer for one task, normalized.
type TaskStatus struct {
	State     string
	Progress  int
	ResultURL string
	Err       string
}

type SubmitRequest struct {
	Prompt      string `json:"prompt"`
	ContentType string `json:"content_type"`
}

// Client talks to the asynchronous generation provider. The provider offers
// no webhooks; Status is the only way to learn about task completion.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(baseURL, apiKey string, timeout time.Duration, statusPerSec float64) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if statusPerSec <= 0 {
		statusPerSec = 5
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(statusPerSec), 1),
	}
}

// Submit creates a generation task and returns the provider task id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("provider submit failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("provider HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("malformed provider response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("provider returned no task id")
	}
	return out.TaskID, nil
}

type statusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Output   struct {
		// URL is a signed, expiring link; PermanentURL survives longer and
		// is preferred when present.
		URL          string `json:"url"`
		PermanentURL string `json:"permanent_url"`
	} `json:"output"`
	Error string `json:"error"`
}

// Status polls one task. Unknown provider status codes map to failed so no
// entry is ever left silently stuck behind an unrecognized code.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return TaskStatus{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return TaskStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("provider status failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return TaskStatus{}, fmt.Errorf("provider HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var sr statusResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return TaskStatus{}, fmt.Errorf("malformed provider response: %w", err)
	}

	st := TaskStatus{Progress: sr.Progress}
	switch sr.Status {
	case "pending", "queued", "processing", "running", "in_progress":
		st.State = StateInProgress
	case "completed", "succeeded", "success":
		st.State = StateCompleted
		st.ResultURL = sr.Output.PermanentURL
		if st.ResultURL == "" {
			st.ResultURL = sr.Output.URL
		}
	case "failed", "error", "cancelled", "canceled":
		st.State = StateFailed
		st.Err = sr.Error
		if st.Err == "" {
			st.Err = "generation failed"
		}
	default:
		st.State = StateFailed
		st.Err = fmt.Sprintf("unexpected provider status %q", sr.Status)
	}
	return st, nil
}
