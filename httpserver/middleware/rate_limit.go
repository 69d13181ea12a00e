/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-quotaguard/internal/ratelimit"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/restapi"
)

// DefaultRateLimitMaxKeys is the number of keys tracked when RateLimitOpts.GetKey is set and MaxKeys is not.
const DefaultRateLimitMaxKeys = 10000

// RateLimitErrCode is the error code of the response sent to a rate limited request.
const RateLimitErrCode = "tooManyRequests"

// RateLimitLogFieldKey is the log field holding the rate limiting key.
const RateLimitLogFieldKey = "rate_limit_key"

// RateLimitAlg is a rate limiting algorithm.
type RateLimitAlg int

// Rate limiting algorithms.
const (
	RateLimitAlgLeakyBucket RateLimitAlg = iota
	RateLimitAlgSlidingWindow
)

// Rate is the maximum number of requests per duration.
type Rate = ratelimit.Rate

// RequestKeyFunc returns the key requests are limited by. Requests with bypass set are not limited.
type RequestKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitParams describes a rejected request.
type RateLimitParams struct {
	ErrDomain           string
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	RequestBacklogged   bool
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc returns the value of the Retry-After header.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc handles a rate limited request.
type RateLimitOnRejectFunc func(rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler)

// RateLimitOpts represents options for RateLimitWithOpts.
type RateLimitOpts struct {
	Alg      RateLimitAlg
	MaxBurst int
	// GetKey splits requests into independently limited groups. All requests share one limit if it is nil.
	GetKey  RequestKeyFunc
	MaxKeys int
	// ResponseStatusCode is 503 if not set.
	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc
	// DryRun only logs limited requests and serves them.
	DryRun         bool
	BacklogLimit   int
	BacklogTimeout time.Duration
	OnReject       RateLimitOnRejectFunc
}

type rateLimitHandler struct {
	next      http.Handler
	processor *ratelimit.RequestProcessor
	errDomain string
	opts      RateLimitOpts
}

// RateLimit is a middleware that limits the rate of requests with the leaky bucket algorithm.
func RateLimit(maxRate Rate, errDomain string) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(maxRate, errDomain, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// RateLimitWithOpts is a more configurable version of RateLimit middleware.
func RateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultRateLimitMaxKeys
		}
	}
	if opts.ResponseStatusCode == 0 {
		opts.ResponseStatusCode = http.StatusServiceUnavailable
	}
	if opts.OnReject == nil {
		opts.OnReject = DefaultRateLimitOnReject
		if opts.DryRun {
			opts.OnReject = DefaultRateLimitOnRejectInDryRun
		}
	}

	var limiter ratelimit.Limiter
	var err error
	switch opts.Alg {
	case RateLimitAlgLeakyBucket:
		limiter, err = ratelimit.NewLeakyBucketLimiter(maxRate, opts.MaxBurst, maxKeys)
	case RateLimitAlgSlidingWindow:
		limiter, err = ratelimit.NewSlidingWindowLimiter(maxRate, maxKeys)
	default:
		return nil, fmt.Errorf("unknown rate limit alg %d", opts.Alg)
	}
	if err != nil {
		return nil, err
	}

	backlog := ratelimit.BacklogParams{MaxKeys: maxKeys, Limit: opts.BacklogLimit, Timeout: opts.BacklogTimeout}
	if opts.DryRun {
		backlog.Limit = 0
	}
	processor, err := ratelimit.NewRequestProcessor(limiter, backlog)
	if err != nil {
		return nil, fmt.Errorf("new rate limit request processor: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{next: next, processor: processor, errDomain: errDomain, opts: opts}
	}, nil
}

// MustRateLimitWithOpts is like RateLimitWithOpts but panics on error.
func MustRateLimitWithOpts(maxRate Rate, errDomain string, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(maxRate, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	_ = h.processor.ProcessRequest(&rateLimitRequest{rw: rw, r: r, h: h})
}

type rateLimitRequest struct {
	rw http.ResponseWriter
	r  *http.Request
	h  *rateLimitHandler
}

func (rr *rateLimitRequest) GetContext() context.Context { return rr.r.Context() }

func (rr *rateLimitRequest) GetKey() (string, bool, error) {
	if rr.h.opts.GetKey == nil {
		return "", false, nil
	}
	return rr.h.opts.GetKey(rr.r)
}

func (rr *rateLimitRequest) Execute() error {
	rr.h.next.ServeHTTP(rr.rw, rr.r)
	return nil
}

func (rr *rateLimitRequest) OnReject(params ratelimit.Params) error {
	rr.h.opts.OnReject(rr.rw, rr.r, RateLimitParams{
		ErrDomain:           rr.h.errDomain,
		ResponseStatusCode:  rr.h.opts.ResponseStatusCode,
		GetRetryAfter:       rr.h.opts.GetRetryAfter,
		Key:                 params.Key,
		RequestBacklogged:   params.RequestBacklogged,
		EstimatedRetryAfter: params.EstimatedRetryAfter,
	}, rr.h.next)
	return nil
}

func (rr *rateLimitRequest) OnError(params ratelimit.Params, err error) error {
	logger := GetLoggerFromContext(rr.r.Context())
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rr.rw, rr.h.errDomain, logger)
	return nil
}

// GetRetryAfterEstimatedTime returns the time estimated by the rate limiting algorithm.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject responds with ResponseStatusCode and sets Retry-After in whole seconds.
func DefaultRateLimitOnReject(rw http.ResponseWriter, r *http.Request, params RateLimitParams, _ http.Handler) {
	logger := GetLoggerFromContext(r.Context())
	if logger != nil {
		logger = logger.With(log.String(RateLimitLogFieldKey, params.Key), log.String("user_agent", r.UserAgent()))
	}
	if params.GetRetryAfter != nil {
		retryAfter := params.GetRetryAfter(r, params.EstimatedRetryAfter)
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	apiErr := restapi.NewError(params.ErrDomain, RateLimitErrCode, "Too many requests.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnRejectInDryRun logs the limited request and serves it.
func DefaultRateLimitOnRejectInDryRun(rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler) {
	if logger := GetLoggerFromContext(r.Context()); logger != nil {
		logger.Warn("too many requests, serving will be continued because of dry run mode",
			log.String(RateLimitLogFieldKey, params.Key), log.String("user_agent", r.UserAgent()))
	}
	next.ServeHTTP(rw, r)
}
