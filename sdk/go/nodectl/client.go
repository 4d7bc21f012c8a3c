// Package nodectl is a small Go client for the node controller's local REST
// API. It mirrors the controller's own types so callers do not need to
// depend on daemon internals.
package nodectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the node controller REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PluginInstance is the runtime view of one supervised plugin process.
type PluginInstance struct {
	ID           string    `json:"id"`
	Plugin       string    `json:"plugin"`
	Version      string    `json:"version,omitempty"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Restarts     int       `json:"restarts"`
	LastExitCode int       `json:"last_exit_code"`
	LastSignal   string    `json:"last_signal,omitempty"`
	LastReason   string    `json:"last_reason,omitempty"`
}

// PluginHealth is the heartbeat view of one instance.
type PluginHealth struct {
	Instance      string    `json:"instance"`
	Plugin        string    `json:"plugin"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Misses        int       `json:"misses"`
}

// PluginStatus combines the catalog, supervisor, and health views of one
// plugin.
type PluginStatus struct {
	Name     string          `json:"name"`
	Enabled  bool            `json:"enabled"`
	Instance *PluginInstance `json:"instance,omitempty"`
	Health   *PluginHealth   `json:"health,omitempty"`
}

// NodeStatus is the aggregate node report returned by the status endpoint.
type NodeStatus struct {
	Condition     string            `json:"condition"`
	Plugins       []PluginStatus    `json:"plugins"`
	RelayPending  int               `json:"relay_pending"`
	RelayDegraded bool              `json:"relay_degraded"`
	RelayDrops    map[string]uint64 `json:"relay_drops,omitempty"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// CommandRequest is the payload for a plugin command.
type CommandRequest struct {
	Action       string `json:"action"`
	GraceSeconds int    `json:"grace_seconds,omitempty"`
}

// CommandAck is the controller's acknowledgement of a command.
type CommandAck struct {
	Plugin string `json:"plugin"`
	Action string `json:"action"`
	State  string `json:"state,omitempty"`
	Reason string `json:"reason"`
}

// Event is one journal entry surfaced by the events endpoint.
type Event struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Plugin   string    `json:"plugin,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Restarts int       `json:"restarts,omitempty"`
	At       time.Time `json:"at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("nodectl api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("nodectl api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the node controller API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Status fetches the aggregate node report.
func (c *Client) Status(ctx context.Context) (NodeStatus, error) {
	var status NodeStatus
	if err := c.get(ctx, "/api/v1/status", &status); err != nil {
		return NodeStatus{}, err
	}
	return status, nil
}

// SendCommand submits a lifecycle command for a plugin.
func (c *Client) SendCommand(ctx context.Context, plugin string, req CommandRequest) (CommandAck, error) {
	var ack CommandAck
	endpoint := fmt.Sprintf("/api/v1/plugins/%s/commands", url.PathEscape(plugin))
	if err := c.post(ctx, endpoint, req, &ack); err != nil {
		return CommandAck{}, err
	}
	return ack, nil
}

// Events fetches up to limit recent journal entries, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "/api/v1/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var events []Event
	if err := c.get(ctx, endpoint, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
