/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package httpclient provides an HTTP client for the quota API of a running quotaguard server.
package httpclient

import (
	"net/http"
	"time"

	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/retry"
)

// DefaultTimeout limits a whole request including retries.
const DefaultTimeout = 30 * time.Second

// Opts represents options for New.
type Opts struct {
	// UserAgent is set in requests that don't have the header.
	UserAgent string

	// Timeout of the whole request. DefaultTimeout is used if 0.
	Timeout time.Duration

	// MaxRetryAttempts is the number of retries after the first failed attempt.
	// DefaultMaxRetryAttempts is used if 0. Negative value disables retries.
	MaxRetryAttempts int

	// BackoffPolicy computes delays between attempts when the response has no Retry-After header.
	BackoffPolicy retry.Policy

	// Logger logs every request. Requests are not logged if nil.
	Logger log.FieldLogger

	// Delegate is the transport that sends requests. A clone of http.DefaultTransport is used if nil.
	Delegate http.RoundTripper
}

// New creates a client that sends requests with X-Request-ID and User-Agent headers,
// logs them and retries idempotent requests on temporary failures.
func New(opts Opts) *http.Client {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}
	if opts.Logger != nil {
		delegate = NewLoggingRoundTripper(delegate, opts.Logger)
	}
	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}
	if opts.MaxRetryAttempts >= 0 {
		delegate = NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{
			Logger:           opts.Logger,
			MaxRetryAttempts: opts.MaxRetryAttempts,
			BackoffPolicy:    opts.BackoffPolicy,
		})
	}
	// Outermost, so all attempts share the id.
	delegate = NewRequestIDRoundTripper(delegate)
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Transport: delegate, Timeout: timeout}
}
