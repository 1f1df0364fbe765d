package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rickgao/crm-realtime/internal/connection"
	"github.com/rickgao/crm-realtime/internal/model"
	"github.com/rickgao/crm-realtime/internal/realtime"
)

// ConnectionsResponse from GET /api/realtime/connections
type ConnectionsResponse struct {
	Count       int               `json:"count"`
	Connections []connection.Info `json:"connections"`
}

// TriggerResponse from POST /api/realtime/stats/trigger
type TriggerResponse struct {
	Status   string    `json:"status"`
	LastSync time.Time `json:"lastSync"`
}

// EventResponse from POST /api/realtime/events/{name}
type EventResponse struct {
	Status string `json:"status"`
	Event  string `json:"event"`
}

// HealthResponse from GET /health
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]json.RawMessage `json:"components"`
}

// Status returns the connection and sync status.
func (c *Client) Status(ctx context.Context) (*realtime.Status, error) {
	var resp realtime.Status
	if err := c.get(ctx, "/api/realtime/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connections lists live connections.
func (c *Client) Connections(ctx context.Context) (*ConnectionsResponse, error) {
	var resp ConnectionsResponse
	if err := c.get(ctx, "/api/realtime/connections", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns the cached dashboard snapshot.
func (c *Client) Stats(ctx context.Context) (*model.DashboardStats, error) {
	var resp model.DashboardStats
	if err := c.get(ctx, "/api/realtime/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerStats asks the server to recompute and broadcast the snapshot now.
func (c *Client) TriggerStats(ctx context.Context) (*TriggerResponse, error) {
	var resp TriggerResponse
	if err := c.post(ctx, "/api/realtime/stats/trigger", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EmitEvent feeds a named domain event to the server.
func (c *Client) EmitEvent(ctx context.Context, name string, data json.RawMessage) (*EventResponse, error) {
	if name == "" {
		return nil, errors.New("event name is required")
	}
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	var resp EventResponse
	if err := c.post(ctx, "/api/realtime/events/"+url.PathEscape(name), data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the server's health report. Health is not retried: an
// unhealthy server answers 503, in which case the decoded report is returned
// together with the *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	body, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable &&
			json.Unmarshal(apiErr.Body, &resp) == nil && resp.Status != "" {
			return &resp, err
		}
		return nil, err
	}
	if err := decode(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
