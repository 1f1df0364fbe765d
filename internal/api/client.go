package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/crm-realtime/internal/version"
)

// Client talks to one realtimed instance.
type Client struct {
	baseURL    string
	adminToken string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient returns a client for the server at baseURL. An empty adminToken
// sends no Authorization header, which a server without an admin token accepts.
func NewClient(baseURL, adminToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		adminToken:   adminToken,
		userAgent:    version.UserAgent(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetries sets how often retryable failures are repeated and the first
// backoff delay, which doubles per attempt.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger for retry and failure messages. A nil logger
// keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client, including its timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent overrides the User-Agent header sent with every request.
// The default identifies the build, as reported by the version package.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}
