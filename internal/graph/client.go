// Package graph issues Microsoft Graph API requests through the shared
// rate limiter with retry, backoff, and token refresh handling.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/halcyon-labs/m365ctl/internal/logger"
	"github.com/halcyon-labs/m365ctl/internal/msauth"
	"github.com/halcyon-labs/m365ctl/internal/ratelimit"
)

// BaseURL is the Microsoft Graph API v1.0 base URL.
const BaseURL = "https://graph.microsoft.com/v1.0"

// TokenSource supplies access tokens for requests. Implemented by
// msauth.Authenticator.
type TokenSource interface {
	// Token returns a currently valid access token.
	Token(ctx context.Context) (string, error)
	// Refresh forces a token refresh, used after a 401.
	Refresh(ctx context.Context) (string, error)
}

// Options tune a Client. The zero value is production-ready.
type Options struct {
	// BaseURL overrides the Graph base URL (tests).
	BaseURL string
	// HTTPClient overrides the transport.
	HTTPClient *http.Client
	// MaxRetries bounds transient-failure retries per request.
	MaxRetries int
	// BackoffBase is the first exponential backoff step (tests shrink it).
	BackoffBase time.Duration
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// Client is a rate-limited, retry-aware Graph API client. Safe for
// concurrent use.
type Client struct {
	base        string
	httpc       *http.Client
	limiter     *ratelimit.Limiter
	tokens      TokenSource
	maxRetries  int
	backoffBase time.Duration
	log         *slog.Logger
}

// NewClient creates a Graph client over a token source and the shared
// rate limiter.
func NewClient(tokens TokenSource, limiter *ratelimit.Limiter, opts Options) *Client {
	c := &Client{
		base:        opts.BaseURL,
		httpc:       opts.HTTPClient,
		limiter:     limiter,
		tokens:      tokens,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		log:         opts.Logger,
	}
	if c.base == "" {
		c.base = BaseURL
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 60 * time.Second}
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.backoffBase <= 0 {
		c.backoffBase = 500 * time.Millisecond
	}
	if c.log == nil {
		c.log = logger.L()
	}
	return c
}

// Do performs one Graph request. Every call first acquires a token, then
// a rate limiter slot, then issues the HTTP call.
//
// Classification:
//   - 2xx: decoded body (nil for 202/204 — an async accept or empty
//     success, never treated as a fault and never retried)
//   - 401: exactly one retry after a forced token refresh
//   - 429/503: bounded retries honouring Retry-After, else exponential
//     backoff with jitter; exhaustion surfaces ErrThrottled
//   - other 4xx: *RequestError with the provider's code and message
//   - network failures: retried under the same backoff policy
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("graph: marshal request body: %w", err)
		}
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.limiter.Admit(ctx); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, method, path, token, payload)
		if err != nil {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("graph: %s %s: %w", method, path, err)
			}
			c.log.Debug("request failed, backing off",
				"method", method, "path", path, "attempt", attempt, "error", err)
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("graph: read response: %w", readErr)
			}
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
			return nil, nil

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, fmt.Errorf("%w: request rejected after refresh", msauth.ErrReauthRequired)
			}
			refreshed = true
			if _, err := c.tokens.Refresh(ctx); err != nil {
				return nil, err
			}
			continue

		case retryable(resp.StatusCode):
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("graph: %s %s: %w", method, path, ErrThrottled)
			}
			delay := retryAfter(resp.Header)
			if delay <= 0 {
				delay = c.backoff(attempt)
			}
			c.log.Debug("throttled by graph",
				"method", method, "path", path, "status", resp.StatusCode, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, newRequestError(resp.StatusCode, data)
		}
	}
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPatch, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) send(ctx context.Context, method, path, token string, payload []byte) (*http.Response, error) {
	url := c.base + "/" + strings.TrimPrefix(path, "/")

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpc.Do(req)
}

// backoff computes the exponential delay with up to 50% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << attempt
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// retryAfter parses the server's Retry-After hint, seconds form only;
// Graph does not use HTTP dates here.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
