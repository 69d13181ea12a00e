/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-quotaguard/config"
	"github.com/acronis/go-quotaguard/httpserver/middleware"
)

const (
	cfgKeyThrottleRateLimit     = "throttle.rateLimit."
	cfgKeyThrottleInFlightLimit = "throttle.inFlightLimit."

	cfgKeyThrottleEnabled            = "enabled"
	cfgKeyThrottleAlg                = "alg"
	cfgKeyThrottleMaxRate            = "maxRate"
	cfgKeyThrottleMaxBurst           = "maxBurst"
	cfgKeyThrottleLimit              = "limit"
	cfgKeyThrottleKey                = "key"
	cfgKeyThrottleHeaderName         = "headerName"
	cfgKeyThrottleMaxKeys            = "maxKeys"
	cfgKeyThrottleBacklogLimit       = "backlogLimit"
	cfgKeyThrottleBacklogTimeout     = "backlogTimeout"
	cfgKeyThrottleResponseStatusCode = "responseStatusCode"
	cfgKeyThrottleRetryAfter         = "responseRetryAfter"
	cfgKeyThrottleDryRun             = "dryRun"
)

// Rate limiting algorithms accepted in configuration.
const (
	RateLimitAlgLeakyBucket   = "leaky_bucket"
	RateLimitAlgSlidingWindow = "sliding_window"
)

// Throttling key types accepted in configuration.
const (
	ThrottleKeyNone       = "none"
	ThrottleKeyRemoteAddr = "remote_addr"
	ThrottleKeyHeader     = "header"
)

const (
	defaultRateLimitMaxRate        = "10/s"
	defaultRateLimitMaxBurst       = 20
	defaultThrottleMaxKeys         = middleware.DefaultRateLimitMaxKeys
	defaultThrottleBacklogTimeout  = 5 * time.Second
	defaultThrottleResponseStatus  = http.StatusTooManyRequests
	defaultInFlightLimit           = 16
	defaultInFlightLimitRetryAfter = 5 * time.Second
)

// ThrottleConfig configures throttling of the versioned API routes.
// Usage summaries read many keys from the remote store, so the API is limited separately
// from /metrics and /healthz.
//
// Example:
//
//	server:
//	  throttle:
//	    rateLimit:
//	      enabled: true
//	      alg: sliding_window
//	      maxRate: 100/m
//	      key: remote_addr
//	    inFlightLimit:
//	      enabled: true
//	      limit: 8
//	      backlogLimit: 16
type ThrottleConfig struct {
	RateLimit     RateLimitConfig
	InFlightLimit InFlightLimitConfig
}

// ThrottleKeyConfig selects what requests are limited by.
type ThrottleKeyConfig struct {
	Type       string
	HeaderName string
}

// RateLimitConfig configures the rate limiting middleware.
type RateLimitConfig struct {
	Enabled            bool
	Alg                string
	MaxRate            RateLimitValue
	MaxBurst           int
	Key                ThrottleKeyConfig
	MaxKeys            int
	BacklogLimit       int
	BacklogTimeout     config.TimeDuration
	ResponseStatusCode int
	DryRun             bool
}

// InFlightLimitConfig configures the in-flight limiting middleware.
type InFlightLimitConfig struct {
	Enabled            bool
	Limit              int
	Key                ThrottleKeyConfig
	MaxKeys            int
	BacklogLimit       int
	BacklogTimeout     config.TimeDuration
	ResponseStatusCode int
	ResponseRetryAfter config.TimeDuration
	DryRun             bool
}

// RateLimitValue is a rate in the "N/(s|m|h)" form.
type RateLimitValue struct {
	Count    int
	Duration time.Duration
}

// String returns the rate in the "N/(s|m|h)" form.
func (rl RateLimitValue) String() string {
	unit := rl.Duration.String()
	switch rl.Duration {
	case time.Second:
		unit = "s"
	case time.Minute:
		unit = "m"
	case time.Hour:
		unit = "h"
	}
	return fmt.Sprintf("%d/%s", rl.Count, unit)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rl *RateLimitValue) UnmarshalText(text []byte) error {
	rate := strings.TrimSpace(string(text))
	formatErr := fmt.Errorf("incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	countStr, unit, found := strings.Cut(rate, "/")
	if !found {
		return formatErr
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return formatErr
	}
	var dur time.Duration
	switch strings.ToLower(unit) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return formatErr
	}
	*rl = RateLimitValue{Count: count, Duration: dur}
	return nil
}

func (t *ThrottleConfig) setProviderDefaults(dp config.DataProvider) {
	for _, prefix := range []string{cfgKeyThrottleRateLimit, cfgKeyThrottleInFlightLimit} {
		dp.SetDefault(prefix+cfgKeyThrottleEnabled, false)
		dp.SetDefault(prefix+cfgKeyThrottleKey, ThrottleKeyRemoteAddr)
		dp.SetDefault(prefix+cfgKeyThrottleMaxKeys, defaultThrottleMaxKeys)
		dp.SetDefault(prefix+cfgKeyThrottleBacklogLimit, 0)
		dp.SetDefault(prefix+cfgKeyThrottleBacklogTimeout, defaultThrottleBacklogTimeout)
		dp.SetDefault(prefix+cfgKeyThrottleResponseStatusCode, defaultThrottleResponseStatus)
		dp.SetDefault(prefix+cfgKeyThrottleDryRun, false)
	}
	dp.SetDefault(cfgKeyThrottleRateLimit+cfgKeyThrottleAlg, RateLimitAlgLeakyBucket)
	dp.SetDefault(cfgKeyThrottleRateLimit+cfgKeyThrottleMaxRate, defaultRateLimitMaxRate)
	dp.SetDefault(cfgKeyThrottleRateLimit+cfgKeyThrottleMaxBurst, defaultRateLimitMaxBurst)
	dp.SetDefault(cfgKeyThrottleInFlightLimit+cfgKeyThrottleLimit, defaultInFlightLimit)
	dp.SetDefault(cfgKeyThrottleInFlightLimit+cfgKeyThrottleRetryAfter, defaultInFlightLimitRetryAfter)
}

// Set sets throttling configuration values from config.DataProvider.
func (t *ThrottleConfig) Set(dp config.DataProvider) error {
	if err := t.RateLimit.set(dp); err != nil {
		return err
	}
	return t.InFlightLimit.set(dp)
}

func (c *RateLimitConfig) set(dp config.DataProvider) error {
	const prefix = cfgKeyThrottleRateLimit
	var err error
	if c.Enabled, err = dp.GetBool(prefix + cfgKeyThrottleEnabled); err != nil {
		return err
	}
	if c.Alg, err = dp.GetStringFromSet(prefix+cfgKeyThrottleAlg,
		[]string{RateLimitAlgLeakyBucket, RateLimitAlgSlidingWindow}, true); err != nil {
		return err
	}
	rate, err := dp.GetString(prefix + cfgKeyThrottleMaxRate)
	if err != nil {
		return err
	}
	if err = c.MaxRate.UnmarshalText([]byte(rate)); err != nil {
		return dp.WrapKeyErr(prefix+cfgKeyThrottleMaxRate, err)
	}
	if c.MaxBurst, err = getNonNegativeInt(dp, prefix+cfgKeyThrottleMaxBurst); err != nil {
		return err
	}
	common, err := setCommonThrottleParams(dp, prefix)
	if err != nil {
		return err
	}
	c.Key, c.MaxKeys, c.BacklogLimit = common.key, common.maxKeys, common.backlogLimit
	c.BacklogTimeout, c.ResponseStatusCode, c.DryRun = common.backlogTimeout, common.statusCode, common.dryRun
	return nil
}

func (c *InFlightLimitConfig) set(dp config.DataProvider) error {
	const prefix = cfgKeyThrottleInFlightLimit
	var err error
	if c.Enabled, err = dp.GetBool(prefix + cfgKeyThrottleEnabled); err != nil {
		return err
	}
	if c.Limit, err = dp.GetInt(prefix + cfgKeyThrottleLimit); err != nil {
		return err
	}
	if c.Limit <= 0 {
		return dp.WrapKeyErr(prefix+cfgKeyThrottleLimit, fmt.Errorf("must be positive"))
	}
	retryAfter, err := dp.GetDuration(prefix + cfgKeyThrottleRetryAfter)
	if err != nil {
		return err
	}
	if retryAfter < 0 {
		return dp.WrapKeyErr(prefix+cfgKeyThrottleRetryAfter, fmt.Errorf("cannot be negative"))
	}
	c.ResponseRetryAfter = config.TimeDuration(retryAfter)
	common, err := setCommonThrottleParams(dp, prefix)
	if err != nil {
		return err
	}
	c.Key, c.MaxKeys, c.BacklogLimit = common.key, common.maxKeys, common.backlogLimit
	c.BacklogTimeout, c.ResponseStatusCode, c.DryRun = common.backlogTimeout, common.statusCode, common.dryRun
	return nil
}

type commonThrottleParams struct {
	key            ThrottleKeyConfig
	maxKeys        int
	backlogLimit   int
	backlogTimeout config.TimeDuration
	statusCode     int
	dryRun         bool
}

func setCommonThrottleParams(dp config.DataProvider, prefix string) (commonThrottleParams, error) {
	var p commonThrottleParams
	var err error
	if p.key.Type, err = dp.GetStringFromSet(prefix+cfgKeyThrottleKey,
		[]string{ThrottleKeyNone, ThrottleKeyRemoteAddr, ThrottleKeyHeader}, true); err != nil {
		return p, err
	}
	if p.key.HeaderName, err = dp.GetString(prefix + cfgKeyThrottleHeaderName); err != nil {
		return p, err
	}
	if p.key.Type == ThrottleKeyHeader && p.key.HeaderName == "" {
		return p, dp.WrapKeyErr(prefix+cfgKeyThrottleHeaderName,
			fmt.Errorf("must be set for %q key", ThrottleKeyHeader))
	}
	if p.maxKeys, err = getNonNegativeInt(dp, prefix+cfgKeyThrottleMaxKeys); err != nil {
		return p, err
	}
	if p.backlogLimit, err = getNonNegativeInt(dp, prefix+cfgKeyThrottleBacklogLimit); err != nil {
		return p, err
	}
	timeout, err := dp.GetDuration(prefix + cfgKeyThrottleBacklogTimeout)
	if err != nil {
		return p, err
	}
	if timeout < 0 {
		return p, dp.WrapKeyErr(prefix+cfgKeyThrottleBacklogTimeout, fmt.Errorf("cannot be negative"))
	}
	p.backlogTimeout = config.TimeDuration(timeout)
	if p.statusCode, err = dp.GetInt(prefix + cfgKeyThrottleResponseStatusCode); err != nil {
		return p, err
	}
	if p.statusCode < 400 || p.statusCode > 599 {
		return p, dp.WrapKeyErr(prefix+cfgKeyThrottleResponseStatusCode,
			fmt.Errorf("must be a 4xx or 5xx status code, got %d", p.statusCode))
	}
	if p.dryRun, err = dp.GetBool(prefix + cfgKeyThrottleDryRun); err != nil {
		return p, err
	}
	return p, nil
}

func getNonNegativeInt(dp config.DataProvider, key string) (int, error) {
	val, err := dp.GetInt(key)
	if err != nil {
		return 0, err
	}
	if val < 0 {
		return 0, dp.WrapKeyErr(key, fmt.Errorf("cannot be negative"))
	}
	return val, nil
}

// Middlewares builds the enabled throttling middlewares. Rate limiting goes first,
// so rejected requests never occupy an in-flight slot.
func (t *ThrottleConfig) Middlewares(errDomain string) ([]func(http.Handler) http.Handler, error) {
	var mws []func(http.Handler) http.Handler
	if rl := t.RateLimit; rl.Enabled {
		alg := middleware.RateLimitAlgLeakyBucket
		if rl.Alg == RateLimitAlgSlidingWindow {
			alg = middleware.RateLimitAlgSlidingWindow
		}
		mw, err := middleware.RateLimitWithOpts(middleware.Rate{Count: rl.MaxRate.Count, Duration: rl.MaxRate.Duration},
			errDomain, middleware.RateLimitOpts{
				Alg:                alg,
				MaxBurst:           rl.MaxBurst,
				GetKey:             rl.Key.requestKeyFunc(),
				MaxKeys:            rl.MaxKeys,
				ResponseStatusCode: rl.ResponseStatusCode,
				GetRetryAfter:      middleware.GetRetryAfterEstimatedTime,
				DryRun:             rl.DryRun,
				BacklogLimit:       rl.BacklogLimit,
				BacklogTimeout:     time.Duration(rl.BacklogTimeout),
			})
		if err != nil {
			return nil, fmt.Errorf("new rate limit middleware: %w", err)
		}
		mws = append(mws, mw)
	}
	if il := t.InFlightLimit; il.Enabled {
		mw, err := middleware.InFlightLimitWithOpts(il.Limit, errDomain, middleware.InFlightLimitOpts{
			GetKey:             il.Key.requestKeyFunc(),
			MaxKeys:            il.MaxKeys,
			ResponseStatusCode: il.ResponseStatusCode,
			RetryAfter:         time.Duration(il.ResponseRetryAfter),
			DryRun:             il.DryRun,
			BacklogLimit:       il.BacklogLimit,
			BacklogTimeout:     time.Duration(il.BacklogTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("new in-flight limit middleware: %w", err)
		}
		mws = append(mws, mw)
	}
	return mws, nil
}

func (k ThrottleKeyConfig) requestKeyFunc() middleware.RequestKeyFunc {
	switch k.Type {
	case ThrottleKeyRemoteAddr:
		return middleware.GetRemoteAddrKey
	case ThrottleKeyHeader:
		return middleware.GetHeaderKey(k.HeaderName)
	default:
		return nil
	}
}
