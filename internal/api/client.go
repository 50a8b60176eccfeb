// internal/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshspy/dashboard/internal/geo"
	"github.com/meshspy/dashboard/internal/node"
)

const (
	DefaultNodesPath           = "/nodes"
	DefaultRequestLocationPath = "/request-location"
	DefaultTimeout             = 10 * time.Second

	// maxBody caps how much of a response is read.
	maxBody = 8 << 20
)

// ErrFetchFailure wraps every transport or HTTP status failure.
var ErrFetchFailure = errors.New("fetch failure")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch error %d for %s", e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	return ErrFetchFailure
}

// Client handles communication with the MeshSpy backend.
type Client struct {
	baseURL             string
	nodesPath           string
	requestLocationPath string
	httpClient          *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithNodesPath sets the node listing path (/nodes or /api/nodes).
func WithNodesPath(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.nodesPath = p
		}
	}
}

// WithRequestLocationPath sets the position request path. A "{id}"
// placeholder is replaced with the escaped node id.
func WithRequestLocationPath(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.requestLocationPath = p
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a new API client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:             strings.TrimRight(baseURL, "/"),
		nodesPath:           DefaultNodesPath,
		requestLocationPath: DefaultRequestLocationPath,
		httpClient:          &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WebSocketURL maps the base URL onto ws/wss and appends path.
func (c *Client) WebSocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Health checks if the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchNodes returns the backend node mapping as records in backend order.
func (c *Client) FetchNodes(ctx context.Context) ([]node.RawRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, c.nodesPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	records, err := decodeNodeRecords(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrFetchFailure, c.nodesPath, err)
	}
	return records, nil
}

// decodeNodeRecords walks the top-level JSON value token by token so the key
// order of the backend object survives. A top-level array of records keyed
// by their "id" field is accepted too.
func decodeNodeRecords(r io.Reader) ([]node.RawRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil, fmt.Errorf("expected object or array, got %v", tok)
	}

	records := []node.RawRecord{}
	for dec.More() {
		var id string
		if delim == '{' {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			id, _ = keyTok.(string)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if delim == '[' {
			id = recordID(raw)
		}
		records = append(records, node.RawRecord{ID: id, Raw: raw})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return records, nil
}

func recordID(raw json.RawMessage) string {
	var v struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || len(v.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.ID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

// RequestLocation asks the backend to poll a node for its position.
func (c *Client) RequestLocation(ctx context.Context, nodeID string) error {
	path := strings.ReplaceAll(c.requestLocationPath, "{id}", url.PathEscape(nodeID))
	return c.post(ctx, path, map[string]string{"node_id": nodeID}, nil)
}

// SendCommand sends a free-form command to a node.
func (c *Client) SendCommand(ctx context.Context, nodeID, command string) error {
	return c.post(ctx, "/send-command", map[string]string{"node_id": nodeID, "command": command}, nil)
}

// BerryUpdate starts a software update on a Raspberry-hosted node.
func (c *Client) BerryUpdate(ctx context.Context, nodeID string) error {
	return c.post(ctx, berryPath(nodeID, "update"), nil, nil)
}

// BerryReboot reboots a Raspberry-hosted node.
func (c *Client) BerryReboot(ctx context.Context, nodeID string) error {
	return c.post(ctx, berryPath(nodeID, "reboot"), nil, nil)
}

// BerrySetPosition sets a manual position on a Raspberry-hosted node.
func (c *Client) BerrySetPosition(ctx context.Context, nodeID string, pos geo.LatLng) error {
	return c.post(ctx, berryPath(nodeID, "set-position"), pos, nil)
}

func berryPath(nodeID, action string) string {
	return "/berry/" + url.PathEscape(nodeID) + "/" + action
}

// WifiRequest is the body of a Wi-Fi configuration request.
type WifiRequest struct {
	SSID     string `json:"ssid" validate:"required"`
	Password string `json:"password" validate:"required"`
	MQTTHost string `json:"mqtt_host" validate:"required"`
	MQTTUser string `json:"mqtt_user" validate:"required"`
	MQTTPass string `json:"mqtt_pass" validate:"required"`
}

type wifiResponse struct {
	Content string `json:"content"`
	B64     string `json:"b64"`
}

// WifiConfig asks the backend to render a Wi-Fi configuration file and
// returns the decoded file content.
func (c *Client) WifiConfig(ctx context.Context, req WifiRequest) ([]byte, error) {
	var resp wifiResponse
	if err := c.post(ctx, "/wifi-config", req, &resp); err != nil {
		return nil, err
	}
	encoded := resp.Content
	if encoded == "" {
		encoded = resp.B64
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: wifi-config response has no content", ErrFetchFailure)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: wifi-config content: %v", ErrFetchFailure, err)
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, http.MethodPost, path, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrFetchFailure, path, err)
	}
	return nil
}

// do sends a request and maps transport errors and non-2xx statuses onto
// ErrFetchFailure. The caller closes the body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrFetchFailure, method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: target}
	}
	return resp, nil
}
