// Package callcontrol talks to the external telephony subsystem that owns
// carrier-side call legs. The signaling core only asks it to bridge a queue
// call to an extension, hang a leg up, or escalate a call nobody took.
package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Controller is the outbound call-control surface.
type Controller interface {
	Bridge(ctx context.Context, handle, extension string) error
	Hangup(ctx context.Context, handle string) error
	Escalate(ctx context.Context, handle, queueID string) error
}

// APIKeyHeader carries the shared key on every request in both directions.
const APIKeyHeader = "X-Call-Control-Key"

type bridgeRequest struct {
	Handle    string `json:"handle"`
	Extension string `json:"extension"`
}

type hangupRequest struct {
	Handle string `json:"handle"`
}

type escalateRequest struct {
	Handle  string `json:"handle"`
	QueueID string `json:"queue_id"`
}

// envelope is the call-control service response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the call-control service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a call-control client. baseURL is the service root, for
// example "https://telephony.internal".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Bridge connects the external leg identified by handle to extension.
func (c *Client) Bridge(ctx context.Context, handle, extension string) error {
	return c.post(ctx, "/v1/calls/bridge", bridgeRequest{Handle: handle, Extension: extension})
}

// Hangup releases the external leg.
func (c *Client) Hangup(ctx context.Context, handle string) error {
	return c.post(ctx, "/v1/calls/hangup", hangupRequest{Handle: handle})
}

// Escalate hands a queue call that no extension took back to the queue's
// overflow handling.
func (c *Client) Escalate(ctx context.Context, handle, queueID string) error {
	return c.post(ctx, "/v1/calls/escalate", escalateRequest{Handle: handle, QueueID: queueID})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callcontrol: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callcontrol: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callcontrol: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("callcontrol: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("callcontrol: %s failed (status %d): %s", path, resp.StatusCode, env.Error)
		}
		return fmt.Errorf("callcontrol: %s returned status %d", path, resp.StatusCode)
	}

	slog.Debug("call control request completed", "path", path, "status", resp.StatusCode)
	return nil
}

// Configured reports whether the client has somewhere to send requests.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Noop logs requests instead of sending them. It stands in when no
// call-control service is configured.
type Noop struct {
	Logger *slog.Logger
}

func (n Noop) log(msg string, args ...any) {
	if n.Logger != nil {
		n.Logger.Info(msg, args...)
	}
}

func (n Noop) Bridge(_ context.Context, handle, extension string) error {
	n.log("call control not configured, bridge skipped", "handle", handle, "extension", extension)
	return nil
}

func (n Noop) Hangup(_ context.Context, handle string) error {
	n.log("call control not configured, hangup skipped", "handle", handle)
	return nil
}

func (n Noop) Escalate(_ context.Context, handle, queueID string) error {
	n.log("call control not configured, escalate skipped", "handle", handle, "queue_id", queueID)
	return nil
}
