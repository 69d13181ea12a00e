/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/retry"
)

// Default parameter values for RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts                  = 3
	DefaultExponentialBackoffInitialInterval = 200 * time.Millisecond
	DefaultExponentialBackoffMaxInterval     = 5 * time.Second
)

// RetryAttemptNumberHeader contains the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// DefaultBackoffPolicy is used when RetryableRoundTripperOpts.BackoffPolicy is nil.
var DefaultBackoffPolicy retry.Policy = retry.ExponentialBackoffPolicy{
	InitialInterval: DefaultExponentialBackoffInitialInterval,
	MaxInterval:     DefaultExponentialBackoffMaxInterval,
}

// RetryableRoundTripperOpts represents options for RetryableRoundTripper.
type RetryableRoundTripperOpts struct {
	Logger log.FieldLogger
	// MaxRetryAttempts is the number of retries after the first attempt. DefaultMaxRetryAttempts is used if 0.
	MaxRetryAttempts int
	// BackoffPolicy is used when the response has no Retry-After header. DefaultBackoffPolicy is used if nil.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripper retries idempotent requests (GET, HEAD, OPTIONS) that failed with a temporary network error,
// 429 or 5xx status. Requests with a body that can't be rewound are sent once.
type RetryableRoundTripper struct {
	Delegate         http.RoundTripper
	Logger           log.FieldLogger
	MaxRetryAttempts int
	BackoffPolicy    retry.Policy
}

// NewRetryableRoundTripperWithOpts creates a new RetryableRoundTripper.
func NewRetryableRoundTripperWithOpts(delegate http.RoundTripper, opts RetryableRoundTripperOpts) *RetryableRoundTripper {
	rt := &RetryableRoundTripper{
		Delegate:         delegate,
		Logger:           opts.Logger,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		BackoffPolicy:    opts.BackoffPolicy,
	}
	if rt.Logger == nil {
		rt.Logger = log.NewDisabledLogger()
	}
	if rt.MaxRetryAttempts <= 0 {
		rt.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if rt.BackoffPolicy == nil {
		rt.BackoffPolicy = DefaultBackoffPolicy
	}
	return rt
}

// RoundTrip implements http.RoundTripper.
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isIdempotent(req.Method) || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		return rt.Delegate.RoundTrip(req)
	}

	ctx := req.Context()
	bo := rt.BackoffPolicy.NewBackOff()
	attemptReq := req
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			attemptReq = req.Clone(ctx) // Per RoundTripper contract.
			attemptReq.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(attempt))
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attemptReq.Body = body
			}
		}

		resp, err := rt.Delegate.RoundTrip(attemptReq)
		if !needRetry(resp, err) {
			return resp, err
		}
		if attempt >= rt.MaxRetryAttempts {
			rt.Logger.Warn("max retry attempts exceeded",
				log.String("url", req.URL.String()), log.Int("attempts", attempt+1))
			return resp, err
		}

		waitTime, ok := retryAfter(resp)
		if !ok {
			if waitTime = bo.NextBackOff(); waitTime == backoff.Stop {
				return resp, err
			}
		}
		if resp != nil {
			drainBody(resp, rt.Logger)
		}
		rt.Logger.Warn("client http request will be retried",
			log.String("url", req.URL.String()), log.Int("attempt", attempt+1), log.Duration("retry_in", waitTime))

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func needRetry(resp *http.Response, err error) bool {
	if err != nil {
		return IsTemporaryError(err)
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}

// IsTemporaryError reports whether the transport error is worth retrying.
func IsTemporaryError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(val); err == nil {
		return time.Until(t), true
	}
	return 0, false
}

func drainBody(resp *http.Response, logger log.FieldLogger) {
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		logger.Warn("failed to discard response body between retry attempts", log.Error(err))
	}
	if err := resp.Body.Close(); err != nil {
		logger.Warn("failed to close response body between retry attempts", log.Error(err))
	}
}
