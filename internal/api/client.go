package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for 404 replies.
var ErrNotFound = errors.New("not found")

// Error is a non-2xx reply from the daemon.
type Error struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

// Unwrap maps 404 onto ErrNotFound.
func (e *Error) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client calls the daemon's HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a client for the daemon listening on bind, which may be
// a host:port or a full URL.
func NewClient(bind, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var resp DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs pages through jobs newest first.
func (c *Client) ListJobs(ctx context.Context, offset, limit int) (*JobListResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp JobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CountJobs returns the number of live jobs.
func (c *Client) CountJobs(ctx context.Context) (int64, error) {
	var resp JobCountResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetJob returns one job or ErrNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// KillJob marks a job killed.
func (c *Client) KillJob(ctx context.Context, id, reason string) (*Job, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/kill", KillRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp.Job, nil
}

// ClearJobs deletes jobs in the given statuses, or all jobs when none are
// given.
func (c *Client) ClearJobs(ctx context.Context, statuses ...string) (int64, error) {
	path := "/api/jobs"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		path += "?" + q.Encode()
	}
	var resp ClearResponse
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Enqueue dispatches a job through the daemon.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostWebhook delivers a raw transfer webhook body.
func (c *Client) PostWebhook(ctx context.Context, body []byte) (*WebhookResponse, error) {
	var resp WebhookResponse
	if err := c.do(ctx, http.MethodPost, "/webhooks/transfer", json.RawMessage(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var decoded ErrorResponse
		if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
			apiErr.Message = decoded.Error
			apiErr.RequestID = decoded.RequestID
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
