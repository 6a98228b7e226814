// Package client talks to the remote analysis API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/kalambet/minewatch/internal/analysis"
)

// maxErrorBody bounds how much of a failed response is read for the message.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses other than 401.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the analysis API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// SessionRefresher renews credentials after the API rejects a request.
type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

// RefreshFunc adapts a function to SessionRefresher.
type RefreshFunc func(ctx context.Context) error

func (f RefreshFunc) Refresh(ctx context.Context) error { return f(ctx) }

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRefresher installs the hook called after a 401.
func WithRefresher(r SessionRefresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithHTTPClient replaces the underlying HTTP client. Its cookie jar is
// kept if set.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the logger used for refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client fetches analysis status and requests cancellation.
// It is safe for concurrent use.
type Client struct {
	baseURL string

	mu    sync.RWMutex
	token string

	refresher  SessionRefresher
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	return c, nil
}

// Token returns the bearer token currently sent.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token for subsequent requests. Refreshers
// call it after obtaining new credentials.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// FetchStatus returns the normalized status snapshot of job id.
func (c *Client) FetchStatus(ctx context.Context, id string) (analysis.Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/analysis/"+url.PathEscape(id), nil)
	if err != nil {
		return analysis.Snapshot{}, fmt.Errorf("fetching status of %s: %w", id, err)
	}
	defer resp.Body.Close()

	snap, err := analysis.DecodeSnapshot(resp.Body)
	if err != nil {
		return analysis.Snapshot{}, fmt.Errorf("decoding status of %s: %w", id, err)
	}
	return snap, nil
}

// StopAnalysis asks the API to stop job id. The response body is ignored.
func (c *Client) StopAnalysis(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/analysis/"+url.PathEscape(id)+"/stop", struct{}{})
	if err != nil {
		return fmt.Errorf("stopping %s: %w", id, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// do sends one request. A 2xx response is returned open; every other outcome
// is an error with the body already closed.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		if c.refresher != nil {
			if rerr := c.refresher.Refresh(ctx); rerr != nil {
				c.logger.Warn("session refresh failed", "error", rerr)
			}
		}
		return nil, analysis.ErrUnauthorized
	}

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(excerpt)}
}

// errorMessage extracts a human-readable message from an error body. JSON
// bodies with detail, error or message fields are unwrapped; anything else is
// returned trimmed and truncated.
func errorMessage(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			switch v := obj[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case map[string]any:
				if m, ok := v["message"].(string); ok && m != "" {
					return m
				}
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
