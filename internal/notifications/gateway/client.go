// Package gateway provides a rate-limited JSON client for HTTP delivery providers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 20.0
	maxErrorBody     = 1024
)

// Config holds provider client configuration.
type Config struct {
	Provider  string
	Token     string
	RateLimit float64 // requests per second
	Timeout   time.Duration
}

// Client posts JSON to a provider API and classifies failures.
type Client struct {
	provider   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new provider client.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}

	return &Client{
		provider:   config.Provider,
		token:      config.Token,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// WithHTTPClient replaces the underlying HTTP client, for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// PostJSON sends payload to url and decodes a successful response into out.
// Errors are *PermanentError, *RetryableError or *RateLimitError.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RetryableError{Provider: c.provider, Message: fmt.Sprintf("rate limit wait: %v", err)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Provider: c.provider, Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Provider: c.provider, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Provider: c.provider, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, out)
}

func (c *Client) handleResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return &PermanentError{Provider: c.provider, Code: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := string(raw)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Provider:   c.provider,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    msg,
		}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Provider: c.provider, Code: resp.StatusCode, Message: "invalid or expired credentials"}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return &RetryableError{Provider: c.provider, Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", msg)}
	default:
		return &PermanentError{Provider: c.provider, Code: resp.StatusCode, Message: fmt.Sprintf("rejected: %s", msg)}
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
