package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/opsstream/internal/resilience"
)

// Client provides access to the operations REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	limiter *rate.Limiter
	exec    *resilience.Executor
	policy  *resilience.RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. Without WithExecutor the client
// gets a private executor with default breaker and retry settings.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.exec == nil {
		c.exec = resilience.NewExecutor(resilience.DefaultConfig(), c.logger)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit sets requests per second and burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithExecutor sets the executor that guards requests.
func WithExecutor(exec *resilience.Executor) ClientOption {
	return func(c *Client) {
		c.exec = exec
	}
}

// WithRetryPolicy overrides the executor's default retry policy for this client.
func WithRetryPolicy(p resilience.RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = &p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Executor returns the executor guarding this client's requests.
func (c *Client) Executor() *resilience.Executor {
	return c.exec
}
