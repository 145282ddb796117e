package bountylinesdk

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
)

// Client is a minimal Bountyline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string // legacy X-Actor-Id fallback for dev servers
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             string  `json:"id"`
	InstallationID string  `json:"installation_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	BountyAmount   string  `json:"bounty_amount"`
	Currency       string  `json:"currency"`
	CreatorID      string  `json:"creator_id"`
	ContributorID  *string `json:"contributor_id,omitempty"`
	Settled        bool    `json:"settled"`
}

// TaskOutcome is the three-way transition envelope. Status is "success" or
// "partial_success"; on partial success Warning names the secondary effect
// that failed.
type TaskOutcome struct {
	Status  string `json:"status"`
	Task    Task   `json:"task"`
	Warning string `json:"warning,omitempty"`
}

// Installation represents an onboarded organization.
type Installation struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status"`
	WalletAddress string `json:"wallet_address"`
}

// HealthSnapshot is the aggregated system health reading.
type HealthSnapshot struct {
	Overall      string                      `json:"overall"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    string                      `json:"checked_at"`
}

type DependencyStatus struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
	Breaker   string `json:"breaker"`
	Error     string `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask posts a bounty task.
func (c *Client) CreateTask(ctx context.Context, installationID, title, bountyAmount string) (TaskOutcome, error) {
	body := map[string]any{
		"installation_id": installationID,
		"title":           title,
		"bounty_amount":   bountyAmount,
	}
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// AssignContributor assigns a contributor to an open task.
func (c *Client) AssignContributor(ctx context.Context, taskID, contributorID string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "assign"), map[string]any{"contributor_id": contributorID}, &resp)
	return resp, err
}

// StartProgress moves an assigned task to in_progress.
func (c *Client) StartProgress(ctx context.Context, taskID string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "start"), nil, &resp)
	return resp, err
}

// MarkCompleted marks the task's work complete.
func (c *Client) MarkCompleted(ctx context.Context, taskID string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "complete"), nil, &resp)
	return resp, err
}

// Approve releases the bounty to the contributor.
func (c *Client) Approve(ctx context.Context, taskID string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "approve"), nil, &resp)
	return resp, err
}

// Dispute raises a dispute on a task.
func (c *Client) Dispute(ctx context.Context, taskID, reason string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "dispute"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResolveDispute executes a dispute resolution (admin token required).
// Amount is only consulted for partial_payment.
func (c *Client) ResolveDispute(ctx context.Context, taskID, kind, amount string) (TaskOutcome, error) {
	body := map[string]any{"kind": kind}
	if amount != "" {
		body["amount"] = amount
	}
	var resp TaskOutcome
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "resolve"), body, &resp)
	return resp, err
}

// DeleteTask removes an open task, refunding the escrow.
func (c *Client) DeleteTask(ctx context.Context, taskID string) (TaskOutcome, error) {
	var resp TaskOutcome
	err := c.do(ctx, http.MethodDelete, taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// CreateInstallation onboards an organization.
func (c *Client) CreateInstallation(ctx context.Context, id, walletAddress string) (Installation, error) {
	body := map[string]any{"id": id, "wallet_address": walletAddress}
	var resp Installation
	err := c.do(ctx, http.MethodPost, "v0/installations", body, &resp)
	return resp, err
}

// Health returns the cached health snapshot.
func (c *Client) Health(ctx context.Context) (HealthSnapshot, error) {
	var resp HealthSnapshot
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

func taskPath(id, action string) string {
	p := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
