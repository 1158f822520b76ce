package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/logging"
)

// Remote call budgets. Execute gets a wider budget because it covers a full
// tool invocation on the peer; membership calls are cheap.
const (
	DefaultExecuteTimeout = 35 * time.Second
	DefaultCallTimeout    = 10 * time.Second
)

// Client performs outbound mesh calls. Every request carries a freshly
// signed token; timeouts cancel the underlying request, not just the wait.
// Safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	auth           *Authenticator
	nodeID         string
	executeTimeout time.Duration
	callTimeout    time.Duration
	logger         logging.Logger
}

// ClientOptions holds overrides for NewClient.
type ClientOptions struct {
	// HTTPClient defaults to a plain client; per-call contexts carry the
	// timeouts.
	HTTPClient *http.Client
	// ExecuteTimeout replaces DefaultExecuteTimeout.
	ExecuteTimeout time.Duration
	// CallTimeout replaces DefaultCallTimeout for join/heartbeat/leave.
	CallTimeout time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewClient creates a mesh client signing as nodeID.
func NewClient(auth *Authenticator, nodeID string, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		HTTPClient:     &http.Client{},
		ExecuteTimeout: DefaultExecuteTimeout,
		CallTimeout:    DefaultCallTimeout,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Client{
		httpClient:     opts.HTTPClient,
		auth:           auth,
		nodeID:         nodeID,
		executeTimeout: opts.ExecuteTimeout,
		callTimeout:    opts.CallTimeout,
		logger:         opts.Logger,
	}
}

// Join announces self to the peer at baseURL and returns its peer table.
func (c *Client) Join(ctx context.Context, baseURL string, self NodeInfo) (JoinResponse, error) {
	var resp JoinResponse
	err := c.post(ctx, baseURL, "/mesh/join", JoinRequest{Node: self}, &resp, c.callTimeout)
	return resp, err
}

// Heartbeat pushes load to the peer at baseURL.
func (c *Client) Heartbeat(ctx context.Context, baseURL string, load NodeLoad) error {
	var resp AckResponse
	return c.post(ctx, baseURL, "/mesh/heartbeat", HeartbeatRequest{NodeID: c.nodeID, Load: load}, &resp, c.callTimeout)
}

// Execute runs one tool call on the peer at baseURL.
func (c *Client) Execute(ctx context.Context, baseURL string, req ExecuteRequest) (core.ToolResult, error) {
	var resp ExecuteResponse
	if err := c.post(ctx, baseURL, "/mesh/execute", req, &resp, c.executeTimeout); err != nil {
		return core.ToolResult{}, err
	}
	return resp.Result, nil
}

// Leave notifies the peer at baseURL that this node is departing.
func (c *Client) Leave(ctx context.Context, baseURL string) error {
	var resp AckResponse
	return c.post(ctx, baseURL, "/mesh/leave", LeaveRequest{NodeID: c.nodeID}, &resp, c.callTimeout)
}

func (c *Client) post(ctx context.Context, baseURL, path string, in, out any, timeout time.Duration) error {
	body, err := json.Marshal(in)
	if err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "encode mesh request")
	}
	token, err := c.auth.Sign(c.nodeID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimSuffix(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "build mesh request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "mesh call %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return core.NewError(core.ErrCodeAuth, "mesh call %s rejected with status %d", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return core.NewError(core.ErrCodeExecution, "mesh call %s failed with status %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "decode mesh response for %s", path)
	}
	return nil
}
