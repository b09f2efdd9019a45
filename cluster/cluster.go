// Package cluster implements rlm.ClusterClient over the cluster control
// plane's HTTP/JSON API: device discovery via GET /state, remote REPL
// submission via POST /api/repl/execute, OpenAI-compatible chat via
// POST /v1/chat/completions, and liveness via GET /ping/<device_id>.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nevindra/rlmengine"
	"github.com/nevindra/rlmengine/provider/openaicompat"
)

// Client talks to one cluster control plane. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger

	// Chat providers are per-model; built lazily and reused.
	mu        sync.Mutex
	providers map[string]*openaicompat.Provider
}

// compile-time check
var _ rlm.ClusterClient = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer token sent on chat-completion requests.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client (10s connect, 120s
// request, pooled connections).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a structured logger. Default: silent.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithPoolMaxIdlePerHost tunes connection pooling. n must be >= 1; lower
// values are clamped because disabling pooling thrashes the control plane.
func WithPoolMaxIdlePerHost(n int) ClientOption {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		if t, ok := c.http.Transport.(*http.Transport); ok {
			t.MaxIdleConnsPerHost = n
		}
	}
}

// New creates a Client for the control plane at baseURL
// (e.g. "http://localhost:8008").
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
		providers: make(map[string]*openaicompat.Provider),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// stateResponse is the GET /state payload.
type stateResponse struct {
	Devices []rlm.Device `json:"devices"`
}

// Devices returns the devices the cluster currently announces.
func (c *Client) Devices(ctx context.Context) ([]rlm.Device, error) {
	var state stateResponse
	if err := c.getJSON(ctx, "/state", &state); err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("cluster: state fetched", "devices", len(state.Devices))
	}
	return state.Devices, nil
}

// modelInfo is one entry of the GET /models payload.
type modelInfo struct {
	Name      string   `json:"name"`
	DeviceIDs []string `json:"device_ids"`
}

// Models returns the names of the models the cluster exposes.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var models []modelInfo
	if err := c.getJSON(ctx, "/models", &models); err != nil {
		return nil, err
	}
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names, nil
}

// replSubmission is the POST /api/repl/execute body.
type replSubmission struct {
	DeviceID string          `json:"device_id"`
	Request  rlm.REPLRequest `json:"request"`
}

// ExecuteREPL submits a code-block execution to a remote device.
func (c *Client) ExecuteREPL(ctx context.Context, deviceID string, req rlm.REPLRequest) (rlm.REPLResponse, error) {
	payload, err := json.Marshal(replSubmission{DeviceID: deviceID, Request: req})
	if err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("cluster: marshal repl request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/repl/execute", bytes.NewReader(payload))
	if err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("cluster: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("cluster: repl execute: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return rlm.REPLResponse{}, &rlm.ErrHTTP{Status: httpResp.StatusCode, Body: string(body)}
	}

	var resp rlm.REPLResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return rlm.REPLResponse{}, fmt.Errorf("cluster: decode repl response: %w", err)
	}
	return resp, nil
}

// Chat sends one chat-completion request. The cluster's completions
// endpoint is OpenAI-compatible and routes by model; deviceID is advisory
// and forwarded as a header so the control plane can honor placement.
func (c *Client) Chat(ctx context.Context, deviceID, model string, req rlm.ChatRequest) (rlm.ChatResponse, error) {
	p := c.providerFor(model)
	if deviceID != "" {
		ctx = withDeviceHint(ctx, deviceID)
	}
	return p.Chat(ctx, req)
}

// providerFor returns the cached chat provider for model.
func (c *Client) providerFor(model string) *openaicompat.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[model]; ok {
		return p
	}
	p := openaicompat.NewProvider(c.apiKey, model, c.baseURL+"/v1",
		openaicompat.WithName("cluster"),
		openaicompat.WithHTTPClient(&http.Client{
			Timeout:   c.http.Timeout,
			Transport: &deviceHintTransport{inner: c.http.Transport},
		}),
	)
	c.providers[model] = p
	return p
}

// Ping measures round-trip liveness of a device.
func (c *Client) Ping(ctx context.Context, deviceID string) (time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/ping/"+deviceID, nil)
	if err != nil {
		return 0, fmt.Errorf("cluster: build ping: %w", err)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("cluster: ping %s: %w", deviceID, err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return 0, &rlm.ErrHTTP{Status: httpResp.StatusCode, Body: "ping " + deviceID}
	}
	return time.Since(start), nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("cluster: build request: %w", err)
	}
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cluster: get %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return &rlm.ErrHTTP{Status: httpResp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("cluster: decode %s: %w", path, err)
	}
	return nil
}

// --- device placement hint ---

type deviceHintKey struct{}

func withDeviceHint(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceHintKey{}, deviceID)
}

// deviceHintTransport stamps the X-Device-ID header from the request
// context so chat completions carry the scheduler's placement decision.
type deviceHintTransport struct {
	inner http.RoundTripper
}

func (t *deviceHintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if id, ok := req.Context().Value(deviceHintKey{}).(string); ok && id != "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-Device-ID", id)
	}
	inner := t.inner
	if inner == nil {
		inner = http.DefaultTransport
	}
	return inner.RoundTrip(req)
}
