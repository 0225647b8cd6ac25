package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/veldra/calhub/internal/model"
)

// ErrNotRegistered reports a 404 from an agent-scoped endpoint: the server
// does not know this agent ID anymore. The runner re-registers and retries.
var ErrNotRegistered = errors.New("agent not registered on server")

// Client speaks the agent protocol. It deliberately mirrors the wire shapes
// rather than importing server internals, so the two sides can drift in
// implementation but not in JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type RegisterRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Environment  string   `json:"environment"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type HeartbeatRequest struct {
	Timestamp time.Time                `json:"timestamp"`
	Status    string                   `json:"status,omitempty"`
	Events    *[]model.NormalizedEvent `json:"events,omitempty"`
}

type HeartbeatResponse struct {
	Status         string                `json:"status"`
	Agent          *model.AgentRecord    `json:"agent"`
	PendingUpdates []model.PendingUpdate `json:"pending_updates"`
	Warnings       []string              `json:"warnings,omitempty"`
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*model.AgentRecord, error) {
	var agent model.AgentRecord
	if err := c.post(ctx, "/api/sync/agents/register", req, &agent); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &agent, nil
}

func (c *Client) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	path := "/api/sync/agents/" + agentID + "/heartbeat"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &resp, nil
}

func (c *Client) Ack(ctx context.Context, agentID, updateID string) error {
	path := "/api/sync/agents/" + agentID + "/updates/" + updateID + "/ack"
	if err := c.post(ctx, path, struct{}{}, nil); err != nil {
		return fmt.Errorf("ack update %s: %w", updateID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotRegistered
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
