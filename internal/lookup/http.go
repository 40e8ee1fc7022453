package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RateLimiter throttles calls per key.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// HTTPCarrierConfig configures HTTPCarrier.
type HTTPCarrierConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPCarrier resolves carriers through a JSON lookup API:
// GET <endpoint>?phone=<number> -> {"provider": "..."}.
type HTTPCarrier struct {
	endpoint *url.URL
	apiKey   string
	client   *http.Client
	limiter  RateLimiter
}

type lookupResponse struct {
	Provider string `json:"provider"`
	Carrier  string `json:"carrier"`
}

// NewHTTPCarrier builds a carrier for cfg. limiter may be nil.
func NewHTTPCarrier(cfg HTTPCarrierConfig, limiter RateLimiter) (*HTTPCarrier, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("lookup endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse lookup endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCarrier{
		endpoint: u,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
	}, nil
}

// Lookup queries the API for phone.
func (c *HTTPCarrier) Lookup(ctx context.Context, phone string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.endpoint.Host); err != nil {
			return "", err
		}
	}
	u := *c.endpoint
	q := u.Query()
	q.Set("phone", phone)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("lookup status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: lookup status %d", ErrPermanent, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	provider := strings.TrimSpace(body.Provider)
	if provider == "" {
		provider = strings.TrimSpace(body.Carrier)
	}
	if provider == "" {
		return "", fmt.Errorf("%w: empty provider for %s", ErrPermanent, phone)
	}
	return provider, nil
}

// CloseIdleConnections releases pooled connections.
func (c *HTTPCarrier) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
