// Package client is a small Go SDK for talking to a running node's debug
// HTTP surface (status/export/import), the same three endpoints
// internal/api exposes.
//
// Big idea:
//
// Instead of writing raw HTTP requests everywhere,
// we wrap them inside a clean Go API.
//
// So instead of:
//
//	http.NewRequest(...)
//	json.Marshal(...)
//
// Users can simply call:
//
//	client.Status(ctx)
//	client.Export(ctx)
//
// This hides:
//   - HTTP details
//   - JSON encoding/decoding
//   - Error handling
//
// And exposes a clean Go interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to ONE node's debug HTTP surface.
//
// It is not itself a peer, and does not speak the signaling or sync
// protocols — it is purely an operator convenience for status/export/
// import, the same way a database's CLI client is not itself a replica.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client. timeout protects the caller from hanging
// forever — never call a network endpoint without one.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusResponse mirrors the JSON body GET /status returns.
type StatusResponse struct {
	NodeID      string   `json:"nodeId"`
	IsConnected bool     `json:"isConnected"`
	Peers       []string `json:"peers"`
	Version     string   `json:"version,omitempty"`
}

// Status retrieves the node's current identity, connectivity, and
// replication cursor.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result StatusResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Export downloads the node's current full SQL snapshot.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/export", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Import uploads data as the node's entire new SQL state.
//
// This is destructive on the receiving node: whatever it had is
// replaced outright, not merged.
func (c *Client) Import(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/import", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("import request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ─── Errors ───────────────────────────────────────────────────────────────────

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses into Go errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
