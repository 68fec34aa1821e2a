// Package client is a small Go SDK for the admission HTTP API: plain
// net/http JSON calls plus an SSE subscriber, replacing the teacher's
// oapi-codegen-generated client and gorilla/websocket hub (no OpenAPI
// codegen step exists in this project, and the event transport is SSE
// rather than WebSocket).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is a thin wrapper over the admission API's task CRUD surface.
type Client struct {
	baseURL string
	opts    *options
}

// New builds a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), opts: o}
}

// Task mirrors internal/task.Task's JSON shape closely enough for SDK
// consumers; kept independent so pkg/client never imports internal/.
type Task struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	State      string            `json:"state"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	Result     string            `json:"result,omitempty"`
}

// CreateTaskRequest is the admission payload for SubmitTask.
type CreateTaskRequest struct {
	Kind       string            `json:"kind"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmitTask creates a new task and returns its assigned id.
func (c *Client) SubmitTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var tk Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+id, nil, &tk); err != nil {
		return nil, err
	}
	return &tk, nil
}

// DeleteTask removes a task record.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+id, nil, nil)
}

// RetryTask manually re-admits a failed or dlq task to pending.
func (c *Client) RetryTask(ctx context.Context, id string, resetCount bool) (*Task, error) {
	body, err := json.Marshal(map[string]bool{"reset_count": resetCount})
	if err != nil {
		return nil, err
	}
	var tk Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+id+"/retry", body, &tk); err != nil {
		return nil, err
	}
	return &tk, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.opts.applyHeaders(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("client: %s %s: %d %s", method, path, resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("client: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
