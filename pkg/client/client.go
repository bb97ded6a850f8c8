// Package client is the control API's counterpart: a thin REST client over
// a Unix domain socket, for unitctl and any other local caller. Adapted
// from the teacher's pkg/client, which wrapped a generated gRPC stub with
// connection setup plus one method per RPC — generalized here to one method
// per REST endpoint, with http.Client's Transport.DialContext pointed at
// the Unix socket instead of a TCP+TLS dial.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client talks to the control API over a Unix domain socket.
type Client struct {
	http *http.Client
}

// New returns a Client dialing socketPath for every request.
func New(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Unit mirrors the API's unit view.
type Unit struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	Description string `json:"description,omitempty"`
}

// JobResult mirrors the API's job-enqueue response.
type JobResult struct {
	UnitCount int      `json:"unit_count"`
	Units     []string `json:"units"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unitd"+path, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("client: %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("client: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListUnits returns every loaded unit.
func (c *Client) ListUnits(ctx context.Context) ([]Unit, error) {
	var out []Unit
	err := c.do(ctx, http.MethodGet, "/units", nil, &out)
	return out, err
}

// GetUnit returns one unit by name.
func (c *Client) GetUnit(ctx context.Context, name string) (Unit, error) {
	var out Unit
	err := c.do(ctx, http.MethodGet, "/units/"+name, nil, &out)
	return out, err
}

// Dependencies returns name's edges, keyed by relation.
func (c *Client) Dependencies(ctx context.Context, name string) (map[string][]string, error) {
	var out map[string][]string
	err := c.do(ctx, http.MethodGet, "/units/"+name+"/dependencies", nil, &out)
	return out, err
}

// StartUnit, StopUnit, ReloadUnit, RestartUnit enqueue the corresponding job.
func (c *Client) StartUnit(ctx context.Context, name, mode string) (JobResult, error) {
	return c.enqueueJob(ctx, name, "start", mode)
}

func (c *Client) StopUnit(ctx context.Context, name, mode string) (JobResult, error) {
	return c.enqueueJob(ctx, name, "stop", mode)
}

func (c *Client) ReloadUnit(ctx context.Context, name, mode string) (JobResult, error) {
	return c.enqueueJob(ctx, name, "reload", mode)
}

func (c *Client) RestartUnit(ctx context.Context, name, mode string) (JobResult, error) {
	return c.enqueueJob(ctx, name, "restart", mode)
}

func (c *Client) enqueueJob(ctx context.Context, name, jobType, mode string) (JobResult, error) {
	var out JobResult
	body := map[string]string{"type": jobType, "mode": mode}
	err := c.do(ctx, http.MethodPost, "/units/"+name+"/jobs", body, &out)
	return out, err
}

// Healthy reports whether the daemon answers /health.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/health", nil, nil) == nil
}
