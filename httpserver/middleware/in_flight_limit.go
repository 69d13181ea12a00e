/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-quotaguard/internal/inflightlimit"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/restapi"
)

// DefaultInFlightLimitMaxKeys is the number of keys tracked when InFlightLimitOpts.GetKey is set and MaxKeys is not.
const DefaultInFlightLimitMaxKeys = 10000

// InFlightLimitErrCode is the error code of the response sent to a request over the in-flight limit.
const InFlightLimitErrCode = "tooManyInFlightRequests"

// InFlightLimitLogFieldKey is the log field holding the in-flight limiting key.
const InFlightLimitLogFieldKey = "in_flight_limit_key"

// InFlightLimitOpts represents options for InFlightLimitWithOpts.
type InFlightLimitOpts struct {
	GetKey  RequestKeyFunc
	MaxKeys int
	// ResponseStatusCode is 503 if not set.
	ResponseStatusCode int
	// RetryAfter is sent in the Retry-After header when positive.
	RetryAfter     time.Duration
	DryRun         bool
	BacklogLimit   int
	BacklogTimeout time.Duration
}

type inFlightLimitHandler struct {
	next      http.Handler
	processor *inflightlimit.RequestProcessor
	errDomain string
	opts      InFlightLimitOpts
}

// InFlightLimitWithOpts is a middleware that limits the number of requests served concurrently.
func InFlightLimitWithOpts(limit int, errDomain string, opts InFlightLimitOpts) (func(next http.Handler) http.Handler, error) {
	maxKeys := 0
	if opts.GetKey != nil {
		maxKeys = opts.MaxKeys
		if maxKeys == 0 {
			maxKeys = DefaultInFlightLimitMaxKeys
		}
	}
	if opts.ResponseStatusCode == 0 {
		opts.ResponseStatusCode = http.StatusServiceUnavailable
	}
	processor, err := inflightlimit.NewRequestProcessor(limit, inflightlimit.BacklogParams{
		MaxKeys: maxKeys,
		Limit:   opts.BacklogLimit,
		Timeout: opts.BacklogTimeout,
	}, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("new in-flight limit request processor: %w", err)
	}
	return func(next http.Handler) http.Handler {
		return &inFlightLimitHandler{next: next, processor: processor, errDomain: errDomain, opts: opts}
	}, nil
}

// MustInFlightLimitWithOpts is like InFlightLimitWithOpts but panics on error.
func MustInFlightLimitWithOpts(limit int, errDomain string, opts InFlightLimitOpts) func(next http.Handler) http.Handler {
	mw, err := InFlightLimitWithOpts(limit, errDomain, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *inFlightLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	_ = h.processor.ProcessRequest(&inFlightLimitRequest{rw: rw, r: r, h: h})
}

type inFlightLimitRequest struct {
	rw http.ResponseWriter
	r  *http.Request
	h  *inFlightLimitHandler
}

func (ir *inFlightLimitRequest) GetContext() context.Context { return ir.r.Context() }

func (ir *inFlightLimitRequest) GetKey() (string, bool, error) {
	if ir.h.opts.GetKey == nil {
		return "", false, nil
	}
	return ir.h.opts.GetKey(ir.r)
}

func (ir *inFlightLimitRequest) Execute() error {
	ir.h.next.ServeHTTP(ir.rw, ir.r)
	return nil
}

func (ir *inFlightLimitRequest) OnReject(params inflightlimit.Params) error {
	logger := GetLoggerFromContext(ir.r.Context())
	if ir.h.opts.DryRun {
		if logger != nil {
			logger.Warn("too many in-flight requests, serving will be continued because of dry run mode",
				log.String(InFlightLimitLogFieldKey, params.Key), log.String("user_agent", ir.r.UserAgent()))
		}
		ir.h.next.ServeHTTP(ir.rw, ir.r)
		return nil
	}
	if logger != nil {
		logger = logger.With(log.String(InFlightLimitLogFieldKey, params.Key),
			log.Bool("request_backlogged", params.RequestBacklogged))
	}
	if ir.h.opts.RetryAfter > 0 {
		ir.rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ir.h.opts.RetryAfter.Seconds()))))
	}
	apiErr := restapi.NewError(ir.h.errDomain, InFlightLimitErrCode, "Too many in-flight requests.")
	restapi.RespondError(ir.rw, ir.h.opts.ResponseStatusCode, apiErr, logger)
	return nil
}

func (ir *inFlightLimitRequest) OnError(params inflightlimit.Params, err error) error {
	logger := GetLoggerFromContext(ir.r.Context())
	if logger != nil {
		logger.Error(err.Error(), log.String(InFlightLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(ir.rw, ir.h.errDomain, logger)
	return nil
}

// GetRemoteAddrKey is a RequestKeyFunc limiting requests by the client host.
func GetRemoteAddrKey(r *http.Request) (key string, bypass bool, err error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, false, nil
	}
	return host, false, nil
}

// GetHeaderKey returns a RequestKeyFunc limiting requests by the header value.
// Requests without the header are not limited.
func GetHeaderKey(header string) RequestKeyFunc {
	return func(r *http.Request) (string, bool, error) {
		value := r.Header.Get(header)
		return value, value == "", nil
	}
}
