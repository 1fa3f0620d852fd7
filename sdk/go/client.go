package dockyardsdk

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

// Client is a minimal Dockyard hub HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// Plan represents the API plan model.
type Plan struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	PlanType string `json:"plan_type"`
	State    string `json:"state"`
	OwnerID  string `json:"owner_id"`
}

// Container represents one plan execution.
type Container struct {
	ID              string  `json:"id"`
	PlanID          string  `json:"plan_id"`
	State           string  `json:"state"`
	CurrentNodeID   *string `json:"current_node_id,omitempty"`
	NextNodeID      *string `json:"next_node_id,omitempty"`
	CancelRequested bool    `json:"cancel_requested"`
}

// Terminal represents a registered terminal service.
type Terminal struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Endpoint string `json:"endpoint"`
}

// Event represents a log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	PlanID     string          `json:"plan_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventField is one key/value pair of an event report payload.
type EventField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// EventReport is an external notification delivered to /events.
type EventReport struct {
	EventNames        []string     `json:"event_names"`
	ExternalAccountID string       `json:"external_account_id,omitempty"`
	Manufacturer      string       `json:"manufacturer,omitempty"`
	Payload           []EventField `json:"payload,omitempty"`
}

// EventReportResult is the hub's answer to a posted report.
type EventReportResult struct {
	Matched    int         `json:"matched"`
	Containers []Container `json:"containers"`
}

// PollingData mirrors the polling wire contract.
type PollingData struct {
	JobID                    string `json:"job_id,omitempty"`
	ExternalAccountID        string `json:"external_account_id"`
	UserID                   string `json:"user_id,omitempty"`
	AuthToken                string `json:"auth_token,omitempty"`
	PollingIntervalInMinutes int    `json:"polling_interval_in_minutes"`
	RetryCounter             int    `json:"retry_counter"`
	Result                   bool   `json:"result"`
	TriggerImmediately       bool   `json:"trigger_immediately"`
	AdditionalConfiguration  string `json:"additional_configuration,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePlan creates an inactive plan.
func (c *Client) CreatePlan(ctx context.Context, name, planType string) (Plan, error) {
	body := map[string]any{
		"name":      name,
		"plan_type": planType,
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, "v0/plans", body, &resp)
	return resp, err
}

// ActivatePlan makes a plan eligible for event matching.
func (c *Client) ActivatePlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	endpoint := fmt.Sprintf("v0/plans/%s/activate", url.PathEscape(planID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RunPlan launches a container for a plan.
func (c *Client) RunPlan(ctx context.Context, planID string) (Container, error) {
	var resp Container
	endpoint := fmt.Sprintf("v0/plans/%s/run", url.PathEscape(planID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ContinueContainer resumes a suspended (or running) container.
func (c *Client) ContinueContainer(ctx context.Context, containerID string) (Container, error) {
	var resp Container
	endpoint := fmt.Sprintf("v0/containers/%s/continue", url.PathEscape(containerID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CancelContainer requests a stop at the next step boundary.
func (c *Client) CancelContainer(ctx context.Context, containerID string) (Container, error) {
	var resp Container
	endpoint := fmt.Sprintf("v0/containers/%s/cancel", url.PathEscape(containerID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ScheduleAlarm asks the hub to continue a container at startTime.
func (c *Client) ScheduleAlarm(ctx context.Context, containerID string, startTime time.Time) error {
	body := map[string]any{
		"container_id": containerID,
		"start_time":   startTime.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, http.MethodPost, "v0/alarms", body, nil)
}

// RegisterPolling creates or refreshes a recurring polling job.
func (c *Client) RegisterPolling(ctx context.Context, terminalToken string, data PollingData) error {
	endpoint := "v0/alarms/polling?terminalToken=" + url.QueryEscape(terminalToken)
	return c.do(ctx, http.MethodPost, endpoint, data, nil)
}

// PostEvent delivers an external event report for plan matching.
func (c *Client) PostEvent(ctx context.Context, report EventReport) (EventReportResult, error) {
	var resp EventReportResult
	err := c.do(ctx, http.MethodPost, "v0/events", report, &resp)
	return resp, err
}

// RegisterTerminal registers a terminal by endpoint discovery.
func (c *Client) RegisterTerminal(ctx context.Context, endpoint, secret string) (Terminal, error) {
	body := map[string]any{
		"endpoint": endpoint,
		"secret":   secret,
	}
	var resp struct {
		Terminal Terminal `json:"terminal"`
	}
	err := c.do(ctx, http.MethodPost, "v0/terminals", body, &resp)
	return resp.Terminal, err
}

// Plans lists plans, optionally filtered by state.
func (c *Client) Plans(ctx context.Context, state string) ([]Plan, error) {
	endpoint := "v0/plans"
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Plan
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Containers lists containers, optionally filtered by plan.
func (c *Client) Containers(ctx context.Context, planID string) ([]Container, error) {
	endpoint := "v0/containers"
	if planID != "" {
		endpoint += "?plan_id=" + url.QueryEscape(planID)
	}
	var resp []Container
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
