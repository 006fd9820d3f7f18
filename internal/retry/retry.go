// Package retry implements exponential backoff with jitter for calls to
// rate-limited HTTP APIs.
package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 1 * time.Second
)

// APIError is implemented by errors that carry an HTTP status code.
type APIError interface {
	error
	StatusCode() int
}

// Option configures a retry loop.
type Option func(*config)

type config struct {
	maxRetries int
	baseWait   time.Duration
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseWait sets the backoff base wait.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.baseWait = d
		}
	}
}

// Do executes f with retry. Attempts after the first wait for an
// exponentially growing backoff plus up to 10% jitter. An APIError with a
// non-retryable status code aborts immediately.
func Do(ctx context.Context, f func() error, opts ...Option) error {
	cfg := &config{maxRetries: DefaultMaxRetries, baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(cfg)
	}

	var lastError error
	for attempt := 0; attempt < cfg.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(cfg.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := f(); err != nil {
			lastError = err
			if apiErr, ok := err.(APIError); ok && !ShouldRetry(apiErr.StatusCode()) {
				return err
			}
			continue
		}
		return nil
	}
	return lastError
}

// ShouldRetry reports whether the status code indicates a transient
// condition worth retrying.
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout // 504
}
