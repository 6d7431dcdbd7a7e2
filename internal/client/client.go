// Package client provides the request/response client for the kvasir backend:
// initial snapshots, job triggers and prompt submission.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// ErrNotFound indicates the backend has no such resource.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server error: %s", e.Status)
	}
	return fmt.Sprintf("server error: %s - %s", e.Status, e.Body)
}

// Client talks to the kvasir REST API.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
}

// New creates a new API client.
// If endpoint is empty, uses KVASIR_API_URL env var or defaults to localhost:8000.
// Timeout can be configured via KVASIR_CLIENT_TIMEOUT env var (default 30s).
// Streaming channels do not go through this client.
func New(endpoint string, ts oauth2.TokenSource) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("KVASIR_API_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8000/api/v1"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("KVASIR_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		tokenSource: ts,
	}
}

// WithTimeout overrides the request timeout. Zero leaves it unchanged.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.httpClient.Timeout = d
	}
	return c
}

// Endpoint returns the API base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// do sends a JSON request and decodes the JSON response into result (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenSource != nil {
		tok, err := c.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// ListJobs returns every job of the given type.
func (c *Client) ListJobs(ctx context.Context, jobType models.JobType) ([]models.Job, error) {
	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs?type="+url.QueryEscape(string(jobType)), nil, &jobs); err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].Type == "" {
			jobs[i].Type = jobType
		}
	}
	return jobs, nil
}

// GetRun returns a single run.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Job, error) {
	var run models.Job
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRunMessages returns the messages of a run in server order.
func (c *Client) ListRunMessages(ctx context.Context, runID string) ([]models.RunMessage, error) {
	var msgs []models.RunMessage
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListChatMessages returns the messages of a conversation.
func (c *Client) ListChatMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListConversations returns the conversations of a project.
func (c *Client) ListConversations(ctx context.Context, projectID string) ([]models.Conversation, error) {
	path := "/conversations"
	if projectID != "" {
		path += "?project_id=" + url.QueryEscape(projectID)
	}
	var convs []models.Conversation
	if err := c.do(ctx, http.MethodGet, path, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// Seed fetches the initial snapshot for key and returns it as events to apply.
func (c *Client) Seed(ctx context.Context, key models.Key) ([]events.Event, error) {
	switch key.Kind {
	case models.KeyJobs:
		jobs, err := c.ListJobs(ctx, models.JobType(key.Scope))
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		return []events.Event{events.Snapshot{Key: key, Jobs: jobs}}, nil

	case models.KeyRun:
		run, err := c.GetRun(ctx, key.Scope)
		if err != nil {
			return nil, fmt.Errorf("get run: %w", err)
		}
		msgs, err := c.ListRunMessages(ctx, key.Scope)
		if err != nil {
			return nil, fmt.Errorf("list run messages: %w", err)
		}
		evs := make([]events.Event, 0, len(msgs)+1)
		evs = append(evs, events.Snapshot{Key: key, Jobs: []models.Job{*run}})
		for _, m := range msgs {
			if m.RunID == "" {
				m.RunID = key.Scope
			}
			evs = append(evs, events.RunMessage{Message: m})
		}
		return evs, nil

	case models.KeyConversation:
		msgs, err := c.ListChatMessages(ctx, key.Scope)
		if err != nil {
			return nil, fmt.Errorf("list chat messages: %w", err)
		}
		evs := make([]events.Event, 0, len(msgs))
		for _, m := range msgs {
			if m.ConversationID == "" {
				m.ConversationID = key.Scope
			}
			evs = append(evs, events.ChatMessage{Key: key, Message: m})
		}
		return evs, nil
	}
	return nil, fmt.Errorf("seed %s: unsupported key", key)
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

// JobRequest triggers a job. Fields holds the type-specific payload and is
// flattened next to "type" on the wire.
type JobRequest struct {
	Type   models.JobType
	Fields map[string]any
}

// MarshalJSON encodes {type, ...fields}.
func (r JobRequest) MarshalJSON() ([]byte, error) {
	payload := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		payload[k] = v
	}
	payload["type"] = r.Type
	return json.Marshal(payload)
}

// TriggerJob submits a job and returns the server's record of it.
func (c *Client) TriggerJob(ctx context.Context, req JobRequest) (*models.Job, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("trigger job: unknown job type %q", req.Type)
	}
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, fmt.Errorf("trigger job: response without id")
	}
	if job.Type == "" {
		job.Type = req.Type
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	return &job, nil
}

// PromptRequest submits a prompt to a conversation or a run.
type PromptRequest struct {
	MessageID      string                 `json:"messageId"`
	ConversationID string                 `json:"conversationId,omitempty"`
	RunID          string                 `json:"runId,omitempty"`
	Content        string                 `json:"content"`
	Context        models.ContextSnapshot `json:"context"`
}

// PromptResponse is the backend acknowledgement of a prompt.
type PromptResponse struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	RunID          string `json:"runId,omitempty"`
}

// SubmitPrompt posts a prompt. The assistant reply arrives on the push channel.
func (c *Client) SubmitPrompt(ctx context.Context, req PromptRequest) (*PromptResponse, error) {
	if req.ConversationID == "" && req.RunID == "" {
		return nil, fmt.Errorf("submit prompt: conversation or run id required")
	}
	var resp PromptResponse
	if err := c.do(ctx, http.MethodPost, "/prompts", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
