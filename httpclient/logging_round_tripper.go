/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"time"

	"github.com/acronis/go-quotaguard/httpserver/middleware"
	"github.com/acronis/go-quotaguard/log"
)

// LoggingRoundTripper logs every outgoing request with its status and duration.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Logger   log.FieldLogger
}

// NewLoggingRoundTripper creates a new LoggingRoundTripper.
func NewLoggingRoundTripper(delegate http.RoundTripper, logger log.FieldLogger) *LoggingRoundTripper {
	return &LoggingRoundTripper{Delegate: delegate, Logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	fields := []log.Field{
		log.String("method", r.Method),
		log.String("url", r.URL.String()),
		log.String("request_id", r.Header.Get(middleware.HeaderRequestID)),
		log.DurationMs("duration_ms", elapsed),
	}
	if err != nil {
		rt.Logger.Error("client http request failed", append(fields, log.Error(err))...)
		return resp, err
	}
	fields = append(fields, log.Int("status", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		rt.Logger.Warn("client http request finished with error status", fields...)
		return resp, nil
	}
	rt.Logger.Debug("client http request finished", fields...)
	return resp, nil
}
