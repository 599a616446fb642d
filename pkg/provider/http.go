package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// BaseURL is queried with topic and facet as query parameters.
	BaseURL string
	// APIKey, when set, is sent in the header named by APIKeyHeader.
	APIKey       string
	APIKeyHeader string
	// MaxBodyBytes bounds how much of a response is read. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// HTTPFetcher fetches a provider's JSON response over HTTP.
type HTTPFetcher struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses http.DefaultClient.
func NewHTTPFetcher(cfg HTTPConfig, client *http.Client) (*HTTPFetcher, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid provider base url %q: %w", cfg.BaseURL, err)
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{cfg: cfg, client: client}, nil
}

// Fetch implements Fetcher. 5xx and 429 responses are ErrUnavailable, any
// other non-2xx response is ErrInvalidResponse.
func (h *HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	u, _ := url.Parse(h.cfg.BaseURL)
	q := u.Query()
	q.Set("topic", req.Topic)
	q.Set("facet", req.Facet)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInvalidResponse, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set(h.cfg.APIKeyHeader, h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return body, nil
}
