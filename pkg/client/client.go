package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/castellan/castellan/pkg/manager"
	"github.com/castellan/castellan/pkg/types"
)

// Client wraps the Castellan HTTP API for CLI and library usage.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client for the master API at addr
// (host:port or a full http:// URL).
func NewClient(addr string) *Client {
	baseURL := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		baseURL = "http://" + addr
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: 10 * time.Second,
	}
}

// State fetches the full cluster view.
func (c *Client) State(ctx context.Context) (*manager.StateSnapshot, error) {
	var state manager.StateSnapshot
	if err := c.do(ctx, http.MethodGet, "/state", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ReconcileQuery identifies one task to reconcile.
type ReconcileQuery struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
}

// Reconcile asks the master for the authoritative state of the given
// tasks on behalf of a framework.
func (c *Client) Reconcile(ctx context.Context, frameworkID string, queries []ReconcileQuery) ([]types.TaskStatus, error) {
	req := map[string]any{
		"framework_id": frameworkID,
		"queries":      queries,
	}
	var resp struct {
		Statuses []types.TaskStatus `json:"statuses"`
	}
	if err := c.do(ctx, http.MethodPost, "/reconcile", req, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// RemoveAgent retires an unreachable agent for good. Frameworks see its
// tasks as lost and a returning agent with that ID is turned away.
func (c *Client) RemoveAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+agentID, nil, nil)
}

// Healthy reports whether the master answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/livez", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach master: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("master returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
