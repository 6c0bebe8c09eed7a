package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPSource queries a key-management endpoint that answers with a JSON
// key listing:
//
//	{"minions": ["node1"], "minions_pre": ["node2"], "minions_rejected": []}
//
// Accepted hosts are the "minions" entries.
type HTTPSource struct {
	url        string
	token      string
	registrar  Registrar
	httpClient *http.Client
}

// HTTPOptions configures an HTTPSource.
type HTTPOptions struct {
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

type minionListing struct {
	Accepted []string `json:"minions"`
	Pending  []string `json:"minions_pre"`
	Rejected []string `json:"minions_rejected"`
}

// NewHTTPSource returns a source polling url.
func NewHTTPSource(url string, registrar Registrar, opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPSource{url: url, token: opts.Token, registrar: registrar, httpClient: client}
}

var _ Source = (*HTTPSource)(nil)

func (s *HTTPSource) Name() string {
	return "http:" + s.url
}

func (s *HTTPSource) AcceptedHosts(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("X-Auth-Token", s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inventory responded %d: %s", resp.StatusCode, string(data))
	}

	var listing minionListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode inventory response: %w", err)
	}
	return normalize(listing.Accepted), nil
}

func (s *HTTPSource) ImportHosts(ctx context.Context, hosts []string) error {
	return importHosts(ctx, s.registrar, s.Name(), hosts)
}
