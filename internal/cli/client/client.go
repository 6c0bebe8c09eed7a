package client

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

	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
)

// Client wraps REST access to the fleetd API and its admin listener.
type Client struct {
	baseURL    *url.URL
	adminURL   *url.URL
	apiKey     string
	httpClient *http.Client

	// actionClient has no fixed timeout; RunAction is bounded by its ctx.
	actionClient *http.Client
}

// Options configures New.
type Options struct {
	AdminURL string
	APIKey   string
	Timeout  time.Duration
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:7780).
func New(rawURL string, opts Options) (*Client, error) {
	if rawURL == "" {
		rawURL = "http://127.0.0.1:7780"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	adminRaw := opts.AdminURL
	if adminRaw == "" {
		adminRaw = "http://127.0.0.1:7781"
	}
	admin, err := url.Parse(adminRaw)
	if err != nil {
		return nil, fmt.Errorf("client: parse admin url: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      parsed,
		adminURL:     admin,
		apiKey:       opts.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		actionClient: &http.Client{},
	}, nil
}

// Compute represents the API response for a host or VM.
type Compute struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Hostname       string             `json:"hostname"`
	ContainerID    string             `json:"container_id,omitempty"`
	Features       []string           `json:"features"`
	State          string             `json:"state"`
	EffectiveState string             `json:"effective_state"`
	Template       string             `json:"template,omitempty"`
	IPv4Address    string             `json:"ipv4_address,omitempty"`
	Nameservers    []string           `json:"nameservers,omitempty"`
	Autostart      bool               `json:"autostart"`
	Memory         float64            `json:"memory"`
	NumCores       int                `json:"num_cores"`
	SwapSize       float64            `json:"swap_size"`
	CPULimit       float64            `json:"cpu_limit"`
	CPUInfo        string             `json:"cpu_info,omitempty"`
	Kernel         string             `json:"kernel,omitempty"`
	Architecture   []string           `json:"architecture,omitempty"`
	Diskspace      map[string]float64 `json:"diskspace,omitempty"`
	Uptime         *float64           `json:"uptime,omitempty"`
	LastPing       bool               `json:"last_ping"`
	Suspicious     bool               `json:"suspicious"`
	Failure        bool               `json:"failure"`
}

// ComputePatch edits a compute. Nil fields are left alone.
type ComputePatch struct {
	State    *string  `json:"state,omitempty"`
	NumCores *int     `json:"num_cores,omitempty"`
	Memory   *float64 `json:"memory,omitempty"`
	SwapSize *float64 `json:"swap_size,omitempty"`
	CPULimit *float64 `json:"cpu_limit,omitempty"`
	Hostname *string  `json:"hostname,omitempty"`
}

// CreateVMRequest mirrors the VM creation form.
type CreateVMRequest struct {
	Hostname     string   `json:"hostname"`
	Template     string   `json:"template"`
	StartOnBoot  bool     `json:"start_on_boot"`
	IPv4Address  string   `json:"ipv4_address,omitempty"`
	DNS1         string   `json:"dns1,omitempty"`
	DNS2         string   `json:"dns2,omitempty"`
	RootPassword string   `json:"root_password,omitempty"`
	RootRepeat   string   `json:"root_password_repeat,omitempty"`
	Memory       float64  `json:"memory,omitempty"`
	NumCores     int      `json:"num_cores,omitempty"`
	SwapSize     float64  `json:"swap_size,omitempty"`
	CPULimit     float64  `json:"cpu_limit,omitempty"`
	Diskspace    *float64 `json:"diskspace,omitempty"`
}

// FormError is one entry of a rejected creation.
type FormError struct {
	ID  string `json:"id"`
	Msg string `json:"msg"`
}

// Range is a template bound with its default.
type Range struct {
	Min     float64 `json:"min"`
	Default float64 `json:"default"`
	Max     float64 `json:"max"`
}

// Template is one catalog entry of a host.
type Template struct {
	Name       string            `json:"name"`
	DomainType string            `json:"domain_type"`
	Cores      Range             `json:"cores"`
	Memory     Range             `json:"memory"`
	Swap       Range             `json:"swap"`
	Disk       Range             `json:"disk"`
	CPULimit   Range             `json:"cpu_limit"`
	Defaults   map[string]string `json:"defaults,omitempty"`
}

// ActionRequest carries the optional arguments of an action.
type ActionRequest struct {
	Target      string `json:"target,omitempty"`
	Destination string `json:"destination,omitempty"`
	Offline     bool   `json:"offline,omitempty"`
}

// DaemonStatus is one entry of the admin daemon listing.
type DaemonStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Paused    bool          `json:"paused"`
	Running   bool          `json:"running"`
	Cycles    int64         `json:"cycles"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
}

// ModelEvent is a model change streamed from the server.
type ModelEvent = events.ModelEvent

func (c *Client) ListComputes(ctx context.Context) ([]Compute, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodGet, "/api/v1/computes", nil)
	if err != nil {
		return nil, err
	}
	var out []Compute
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCompute(ctx context.Context, id string) (*Compute, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodGet, "/api/v1/computes/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out Compute
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PatchCompute(ctx context.Context, id string, patch ComputePatch) (*Compute, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodPatch, "/api/v1/computes/"+url.PathEscape(id), patch)
	if err != nil {
		return nil, err
	}
	var out Compute
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteCompute(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodDelete, "/api/v1/computes/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// CreateVM submits the creation form. A rejected form is returned as an
// error listing every field message.
func (c *Client) CreateVM(ctx context.Context, containerID string, payload CreateVMRequest) (*Compute, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodPost, "/api/v1/containers/"+url.PathEscape(containerID)+"/vms", payload)
	if err != nil {
		return nil, err
	}
	var env struct {
		Success bool        `json:"success"`
		Result  Compute     `json:"result"`
		Errors  []FormError `json:"errors"`
	}
	if err := c.do(req, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			if e.ID != "" {
				msgs = append(msgs, e.ID+": "+e.Msg)
			} else {
				msgs = append(msgs, e.Msg)
			}
		}
		return nil, fmt.Errorf("client: create vm rejected: %s", strings.Join(msgs, "; "))
	}
	return &env.Result, nil
}

// RunAction executes an action and returns its text output. The output is
// returned alongside the error when the action fails. Only ctx bounds the
// call, so long deploys and migrations are not cut short by the client's
// default timeout.
func (c *Client) RunAction(ctx context.Context, id, action string, payload ActionRequest) (string, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodPost, "/api/v1/computes/"+url.PathEscape(id)+"/actions/"+url.PathEscape(action), payload)
	if err != nil {
		return "", err
	}
	resp, err := c.actionClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("client: read output: %w", err)
	}
	if resp.StatusCode >= 300 {
		return string(body), fmt.Errorf("client: action %s failed: http %d", action, resp.StatusCode)
	}
	return string(body), nil
}

// ListTemplates returns the templates of a host, or of the host running a VM.
func (c *Client) ListTemplates(ctx context.Context, computeID string) ([]Template, error) {
	req, err := c.newRequest(ctx, c.baseURL, http.MethodGet, "/api/v1/computes/"+url.PathEscape(computeID)+"/templates", nil)
	if err != nil {
		return nil, err
	}
	var out []Template
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDaemons(ctx context.Context) ([]DaemonStatus, error) {
	req, err := c.newRequest(ctx, c.adminURL, http.MethodGet, "/daemons", nil)
	if err != nil {
		return nil, err
	}
	var out []DaemonStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetDaemonPaused pauses or resumes a daemon and returns its new status.
func (c *Client) SetDaemonPaused(ctx context.Context, name string, paused bool) (*DaemonStatus, error) {
	verb := "resume"
	if paused {
		verb = "pause"
	}
	req, err := c.newRequest(ctx, c.adminURL, http.MethodPost, "/daemons/"+url.PathEscape(name)+"/"+verb, nil)
	if err != nil {
		return nil, err
	}
	var out DaemonStatus
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchEvents streams model events and invokes handler for each until the
// context is cancelled or the server closes the connection.
func (c *Client) WatchEvents(ctx context.Context, handler func(ModelEvent)) error {
	wsURL := *c.baseURL.ResolveReference(&url.URL{Path: "/ws/v1/events"})
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Fleet-API-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: watch events http %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var evt ModelEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("client: event stream error: %w", err)
		}
		handler(evt)
	}
}

func (c *Client) newRequest(ctx context.Context, base *url.URL, method, path string, body any) (*http.Request, error) {
	resolved := base.ResolveReference(&url.URL{Path: path})
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Fleet-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
