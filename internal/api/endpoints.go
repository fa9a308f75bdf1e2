package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Healthy reports whether the backend considers itself healthy.
func (h *HealthResponse) Healthy() bool {
	return h.Status == "healthy" || h.Status == "ok"
}

// PublishRequest is the body of POST /api/v1/events/publish.
type PublishRequest struct {
	Type     string         `json:"type"`
	Action   string         `json:"action"`
	Severity string         `json:"severity,omitempty"`
	Source   string         `json:"source,omitempty"`
	Topics   []string       `json:"topics,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// PublishResponse acknowledges a published event.
type PublishResponse struct {
	ID        string    `json:"id"`
	Delivered int       `json:"delivered"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog is one entry of GET /api/v1/audit/logs.
type AuditLog struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLogsResponse is a page of audit logs.
type AuditLogsResponse struct {
	Logs   []AuditLog `json:"logs"`
	Total  int        `json:"total"`
	Cursor string     `json:"cursor,omitempty"`
}

// Health fetches the backend health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.Get(ctx, "/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("get health: %w", err)
	}
	return &resp, nil
}

// PublishEvent asks the backend to broadcast an event on the stream.
func (c *Client) PublishEvent(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	var resp PublishResponse
	if err := c.Post(ctx, "/api/v1/events/publish", req, &resp); err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	return &resp, nil
}

// AuditLogs fetches one page of audit logs.
func (c *Client) AuditLogs(ctx context.Context, limit int, cursor string) (*AuditLogsResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var resp AuditLogsResponse
	if err := c.Get(ctx, "/api/v1/audit/logs", query, &resp); err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	return &resp, nil
}
