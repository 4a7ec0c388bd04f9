// Package client is the typed HTTP client agents use to reach the
// orchestrator service. One method per endpoint; request and response
// bodies are the pkg/proto wire shapes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Client talks to one orchestrator service on behalf of one agent.
// Safe for concurrent use.
type Client struct {
	baseURL string
	agent   proto.AgentID
	logger  *logx.Logger
	client  *http.Client
}

// New creates a client for the service at baseURL. The HTTP timeout
// leaves headroom above the claim long-poll, which the service bounds
// by its worker poll timeout.
func New(baseURL string, agent proto.AgentID) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		agent:   agent,
		logger:  logx.NewLogger(string(agent) + "-client"),
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// doRequest performs one JSON request against the service.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("%s %s", method, path)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// statusError turns a non-2xx response into an error, preferring the
// service's JSON error body over the raw bytes.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var eb proto.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, eb.Error)
	}
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

// post sends body and expects a 200 ack.
func (c *Client) post(ctx context.Context, op, path string, body interface{}) error {
	resp, err := c.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// EnqueueSubtask submits one subtask for queueing and returns the id
// the service assigned (or kept, when the subtask carried one).
func (c *Client) EnqueueSubtask(ctx context.Context, sub proto.Subtask) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/subtask", proto.SubtaskEnvelope{Subtask: sub})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("enqueue subtask", resp)
	}

	var ack proto.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return ack.ID, nil
}

// ClaimTask asks for the next subtask addressed to role. The call may
// block on the service up to its worker poll timeout; a nil subtask
// with nil error means the queue stayed empty and the caller re-asks.
func (c *Client) ClaimTask(ctx context.Context, role proto.Role) (*proto.Subtask, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/task/"+role.String(), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("claim task", resp)
	}

	var body struct {
		Subtask *proto.Subtask `json:"subtask"`
		Message string         `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Subtask, nil
}

// SubmitReport delivers a finished subtask's report. The agent identity
// is stamped on when the caller left Worker empty.
func (c *Client) SubmitReport(ctx context.Context, rep proto.Report) error {
	if rep.Worker == "" {
		rep.Worker = c.agent.String()
	}
	return c.post(ctx, "submit report", "/report", rep)
}

// Heartbeat renews this agent's claim lease on subtaskID.
func (c *Client) Heartbeat(ctx context.Context, subtaskID string) error {
	return c.post(ctx, "heartbeat", "/heartbeat", proto.Heartbeat{Agent: c.agent, SubtaskID: subtaskID})
}

// Accept marks a subtask accepted. Idempotent on the service side.
func (c *Client) Accept(ctx context.Context, id string) error {
	return c.post(ctx, "accept", "/accept", proto.MarkRequest{ID: id})
}

// Reject sends a subtask back to its queue with refined instructions.
func (c *Client) Reject(ctx context.Context, id, refinedText string) error {
	return c.post(ctx, "reject", "/reject", proto.RejectRequest{ID: id, RefinedText: refinedText})
}

// MarkFailed transitions a subtask to failed with a reason.
func (c *Client) MarkFailed(ctx context.Context, id, reason string) error {
	return c.post(ctx, "mark failed", "/mark_failed", proto.MarkRequest{ID: id, Reason: reason})
}

// PostStructure replaces the service's structure snapshot.
func (c *Client) PostStructure(ctx context.Context, tree proto.Tree) error {
	return c.post(ctx, "post structure", "/structure", proto.StructurePost{Structure: tree})
}

// FetchStructure returns the service's current structure snapshot. An
// empty tree means no snapshot has been posted yet.
func (c *Client) FetchStructure(ctx context.Context) (proto.Tree, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/structure", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch structure", resp)
	}

	var body proto.StructurePost
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Structure, nil
}

// Subtasks returns the full ledger keyed by subtask id.
func (c *Client) Subtasks(ctx context.Context) (map[string]proto.Subtask, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/subtasks", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list subtasks", resp)
	}

	var body struct {
		Subtasks map[string]proto.Subtask `json:"subtasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Subtasks, nil
}

// ReportFor returns the most recent report submitted for id, or nil
// when none has arrived yet.
func (c *Client) ReportFor(ctx context.Context, id string) (*proto.Report, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/report/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch report", resp)
	}

	var body struct {
		Report *proto.Report `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Report, nil
}

// FileContent fetches one repository file as text. Binary files come
// back as the service's placeholder sentinel, not bytes.
func (c *Client) FileContent(ctx context.Context, path string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/file_content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("fetch file content", resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), nil
}

// StructurerReport records one Structurer progress line.
func (c *Client) StructurerReport(ctx context.Context, status, details string) error {
	return c.post(ctx, "structurer report", "/structurer_report", proto.StructurerReport{Status: status, Details: details})
}

// Health checks service liveness.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError("health check", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// WaitReady polls the health endpoint until the service answers or ctx
// expires. Agents call this on startup so the supervisor can launch
// them before the service binds.
func (c *Client) WaitReady(ctx context.Context) error {
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service at %s not ready: %w", c.baseURL, ctx.Err())
		case <-tick.C:
		}
	}
}
