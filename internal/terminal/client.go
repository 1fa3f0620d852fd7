// Package terminal implements the HTTP contract the hub speaks with its
// plugin services: action dispatch, discovery, and polling notifications.
package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"dockyard/internal/domain"
)

// Action names become URL path segments, so anything outside word
// characters, dash, and underscore is flattened to an underscore.
var actionNamePattern = regexp.MustCompile(`[^-_\w\d]`)

// NormalizeActionName makes a template name safe to use in a dispatch URL.
func NormalizeActionName(name string) string {
	return actionNamePattern.ReplaceAllString(name, "_")
}

// ActionRequest is the body POSTed to a terminal's action endpoint.
type ActionRequest struct {
	ActivityID  string          `json:"activity_id"`
	ContainerID string          `json:"container_id,omitempty"`
	AuthToken   string          `json:"auth_token,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ActionResult is what a terminal answers. Legacy terminals may answer a
// bare JSON string instead; that is mapped to a Success verdict with the
// string as payload.
type ActionResult struct {
	Response     domain.ActivityResponse `json:"response"`
	ErrorMessage string                  `json:"error_message,omitempty"`
	TargetNodeID string                  `json:"target_node_id,omitempty"`
	TargetPlanID string                  `json:"target_plan_id,omitempty"`
	Payload      json.RawMessage         `json:"payload,omitempty"`
}

// Discovery is a terminal's answer to GET /discover.
type Discovery struct {
	Definition struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Endpoint string `json:"endpoint,omitempty"`
	} `json:"definition"`
	Activities []ActivityDescriptor `json:"activities"`
}

// ActivityDescriptor is one action type offered by a terminal.
type ActivityDescriptor struct {
	Name                string `json:"name"`
	Version             string `json:"version"`
	Category            string `json:"category,omitempty"`
	NeedsAuthentication bool   `json:"needs_authentication"`
}

// Client talks to terminals over HTTP. The zero value is not usable; build
// one with NewClient.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Dispatch runs one action on a terminal and decodes its verdict.
func (c *Client) Dispatch(ctx context.Context, t domain.Terminal, actionName string, req ActionRequest) (ActionResult, error) {
	endpoint := strings.TrimRight(t.Endpoint, "/") + "/actions/" + url.PathEscape(NormalizeActionName(actionName))
	body, err := json.Marshal(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("encode action request: %w", err)
	}
	data, err := c.post(ctx, endpoint, t.Secret, body)
	if err != nil {
		return ActionResult{}, err
	}
	return decodeActionResult(data)
}

// Poll sends a polling notification and returns the terminal's updated
// polling data. An *UnreachableError means the terminal did not answer.
func (c *Client) Poll(ctx context.Context, t domain.Terminal, data domain.PollingData) (domain.PollingData, error) {
	endpoint := strings.TrimRight(t.Endpoint, "/") + "/terminals/" + url.PathEscape(t.Name) + "/polling_notifications"
	body, err := json.Marshal(data)
	if err != nil {
		return domain.PollingData{}, fmt.Errorf("encode polling data: %w", err)
	}
	resp, err := c.post(ctx, endpoint, t.Secret, body)
	if err != nil {
		return domain.PollingData{}, err
	}
	var out domain.PollingData
	if err := json.Unmarshal(resp, &out); err != nil {
		return domain.PollingData{}, fmt.Errorf("decode polling response: %w", err)
	}
	return out, nil
}

// Discover asks a terminal what it is and which actions it offers.
func (c *Client) Discover(ctx context.Context, endpoint string) (Discovery, error) {
	u := strings.TrimRight(endpoint, "/") + "/discover"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Discovery{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Discovery{}, wrapTransport(endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Discovery{}, wrapTransport(endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Discovery{}, fmt.Errorf("discover %s: status %d: %s", endpoint, resp.StatusCode, trim(data))
	}
	var d Discovery
	if err := json.Unmarshal(data, &d); err != nil {
		return Discovery{}, fmt.Errorf("decode discovery: %w", err)
	}
	if d.Definition.Name == "" {
		return Discovery{}, fmt.Errorf("discover %s: response carries no terminal name", endpoint)
	}
	return d, nil
}

func (c *Client) post(ctx context.Context, endpoint, secret string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A terminal that answers with an error status counts as unreachable
		// too; only Timeout separates a dead endpoint from a rejecting one.
		return nil, &UnreachableError{
			Endpoint: endpoint,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, trim(data)),
		}
	}
	return data, nil
}

// decodeActionResult accepts either the structured verdict or a bare JSON
// string from older terminals, which counts as Success.
func decodeActionResult(data []byte) (ActionResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ActionResult{Response: domain.ResponseNull}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ActionResult{}, fmt.Errorf("decode action response: %w", err)
		}
		payload, _ := json.Marshal(s)
		return ActionResult{Response: domain.ResponseSuccess, Payload: payload}, nil
	}
	var res ActionResult
	if err := json.Unmarshal(trimmed, &res); err != nil {
		return ActionResult{}, fmt.Errorf("decode action response: %w", err)
	}
	if res.Response == "" {
		res.Response = domain.ResponseNull
	}
	return res, nil
}

func wrapTransport(endpoint string, err error) error {
	timeout := false
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		timeout = true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		timeout = true
	}
	return &UnreachableError{Endpoint: endpoint, Timeout: timeout, Err: err}
}

func trim(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
