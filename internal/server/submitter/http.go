package submitter

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
	"strconv"
	"strings"
	"time"
)

// HTTPSubmitter talks JSON over HTTP to the agent listening on every host.
type HTTPSubmitter struct {
	scheme     string
	port       int
	apiKey     string
	httpClient *http.Client
}

var _ Submitter = (*HTTPSubmitter)(nil)

// HTTPOptions configures NewHTTP.
type HTTPOptions struct {
	Scheme  string
	Port    int
	Timeout time.Duration
	APIKey  string
	Client  *http.Client
}

// NewHTTP creates an agent client.
func NewHTTP(opts HTTPOptions) (*HTTPSubmitter, error) {
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("submitter: unsupported scheme %q", opts.Scheme)
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("submitter: invalid agent port %d", opts.Port)
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSubmitter{
		scheme:     scheme,
		port:       opts.Port,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: client,
	}, nil
}

type opRequest struct {
	Backend string `json:"backend,omitempty"`
	Args    []any  `json:"args"`
}

type opResponse struct {
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Traceback string          `json:"traceback"`
}

// Submit posts the operation to the target host's agent.
func (s *HTTPSubmitter) Submit(ctx context.Context, target Target, op Operation, args ...any) (Result, error) {
	if strings.TrimSpace(target.Host) == "" {
		return nil, errors.New("submitter: target host is required")
	}
	if args == nil {
		args = []any{}
	}
	body, err := json.Marshal(opRequest{Backend: target.Backend, Args: args})
	if err != nil {
		return nil, fmt.Errorf("submitter: encode %s args: %w", op, err)
	}
	req, err := s.newRequest(ctx, target, op, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &RemoteError{Message: fmt.Sprintf("%s on %s: %v", op, target, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Message: fmt.Sprintf("%s on %s: read response: %v", op, target, err)}
	}

	var payload opResponse
	decodeErr := json.Unmarshal(raw, &payload)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := payload.Error
		if decodeErr != nil || msg == "" {
			msg = fmt.Sprintf("agent returned status %d", resp.StatusCode)
		}
		return nil, &RemoteError{Message: msg, Traceback: payload.Traceback}
	}
	if decodeErr != nil {
		return nil, &RemoteError{Message: fmt.Sprintf("%s on %s: malformed response: %v", op, target, decodeErr)}
	}
	if payload.Error != "" {
		return nil, &RemoteError{Message: payload.Error, Traceback: payload.Traceback}
	}
	if len(payload.Result) == 0 {
		return Result("null"), nil
	}
	return Result(payload.Result), nil
}

func (s *HTTPSubmitter) newRequest(ctx context.Context, target Target, op Operation, body io.Reader) (*http.Request, error) {
	endpoint := url.URL{
		Scheme: s.scheme,
		Host:   net.JoinHostPort(target.Host, strconv.Itoa(s.port)),
		Path:   "/v1/ops/" + string(op),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	return req, nil
}
