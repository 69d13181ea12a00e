/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequestMetricsHandler_ServeHTTP(t *testing.T) {
	collector := NewHTTPRequestMetricsCollector(HTTPRequestMetricsCollectorOpts{})
	getRoutePattern := func(r *http.Request) string {
		if r.URL.Path == "/api/quota/v1/usage" {
			return r.URL.Path
		}
		return ""
	}
	handler := HTTPRequestMetrics(collector, getRoutePattern, []string{"/metrics"})(&mockNextHandler{status: http.StatusCreated})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/quota/v1/usage", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/quota/v1/usage", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/unknown", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, 2, testutil.CollectAndCount(collector.Durations))
	require.Equal(t, 0.0, testutil.ToFloat64(collector.InFlight))
}
