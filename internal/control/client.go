package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/samber/oops"
)

// ErrSocketNotFound is returned when no harness is listening for a component.
var ErrSocketNotFound = errors.New("socket not found")

// Client talks to a control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the given component's socket.
func NewClient(component string) (*Client, error) {
	path, err := SocketPath(component)
	if err != nil {
		return nil, err
	}
	return NewClientForPath(path), nil
}

// NewClientForPath returns a client for an explicit socket path.
func NewClientForPath(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 2 * time.Second,
		},
	}
}

// Health queries /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status queries /status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Shutdown posts /shutdown.
func (c *Client) Shutdown(ctx context.Context) (*ShutdownResponse, error) {
	var resp ShutdownResponse
	if err := c.do(ctx, http.MethodPost, "/shutdown", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	errb := oops.In("control").With("socket", c.socketPath).With("path", path)

	if _, err := os.Stat(c.socketPath); os.IsNotExist(err) {
		return errb.Code("CONTROL_SOCKET_NOT_FOUND").Wrap(ErrSocketNotFound)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, http.NoBody)
	if err != nil {
		return errb.Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errb.Wrapf(err, "failed to connect")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errb.With("status", resp.StatusCode).Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errb.Wrapf(err, "failed to decode response")
	}
	return nil
}
