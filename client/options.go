package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/fabric/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry retries calls answered by a node that is not the master, up to
// maxRetries times with exponential backoff from baseDelay. It is meant for
// a base URL load-balanced over every node.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retries = maxRetries
		c.backoff = backoff.DefaultStrategy(baseDelay)
	}
}

// WithPollInterval sets how often Wait polls a request.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.poll = d }
}
