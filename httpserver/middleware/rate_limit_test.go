/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/log/logtest"
	"github.com/acronis/go-quotaguard/testutil"
)

type countingHandler struct {
	served int
}

func (h *countingHandler) ServeHTTP(rw http.ResponseWriter, _ *http.Request) {
	h.served++
	rw.WriteHeader(http.StatusOK)
}

func sendRequest(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/quota/v1/usage", nil)
	req.RemoteAddr = remoteAddr
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func TestRateLimit(t *testing.T) {
	const errDomain = "QuotaGuard"

	t.Run("leaky bucket rejects with Retry-After", func(t *testing.T) {
		next := &countingHandler{}
		mw, err := RateLimit(Rate{Count: 1, Duration: time.Minute}, errDomain)
		require.NoError(t, err)
		handler := mw(next)

		require.Equal(t, http.StatusOK, sendRequest(handler, "10.0.0.1:1000").Code)
		resp := sendRequest(handler, "10.0.0.1:1001")
		testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, errDomain, RateLimitErrCode)
		require.Equal(t, "60", resp.Header().Get("Retry-After"))
		require.Equal(t, 1, next.served)
	})

	t.Run("sliding window by remote addr", func(t *testing.T) {
		next := &countingHandler{}
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Hour}, errDomain, RateLimitOpts{
			Alg:                RateLimitAlgSlidingWindow,
			GetKey:             GetRemoteAddrKey,
			ResponseStatusCode: http.StatusTooManyRequests,
		})(next)

		require.Equal(t, http.StatusOK, sendRequest(handler, "10.0.0.1:1000").Code)
		resp := sendRequest(handler, "10.0.0.1:1001")
		testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, errDomain, RateLimitErrCode)
		require.Empty(t, resp.Header().Get("Retry-After"))
		require.Equal(t, http.StatusOK, sendRequest(handler, "10.0.0.2:1000").Code)
		require.Equal(t, 2, next.served)
	})

	t.Run("dry run serves limited requests", func(t *testing.T) {
		next := &countingHandler{}
		logger := logtest.NewRecorder()
		handler := MustRateLimitWithOpts(Rate{Count: 1, Duration: time.Hour}, errDomain, RateLimitOpts{
			DryRun:       true,
			BacklogLimit: 10,
		})(next)

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(NewContextWithLogger(req.Context(), logger))
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			require.Equal(t, http.StatusOK, resp.Code)
		}
		require.Equal(t, 3, next.served)
		entry, found := logger.FindEntry("too many requests, serving will be continued because of dry run mode")
		require.True(t, found)
		require.Equal(t, log.LevelWarn, entry.Level)
	})

	t.Run("backlogged request is served", func(t *testing.T) {
		next := &countingHandler{}
		handler := MustRateLimitWithOpts(Rate{Count: 20, Duration: time.Second}, errDomain, RateLimitOpts{
			BacklogLimit:   1,
			BacklogTimeout: time.Second,
		})(next)

		require.Equal(t, http.StatusOK, sendRequest(handler, "10.0.0.1:1000").Code)
		require.Equal(t, http.StatusOK, sendRequest(handler, "10.0.0.1:1000").Code)
		require.Equal(t, 2, next.served)
	})

	t.Run("unknown alg", func(t *testing.T) {
		_, err := RateLimitWithOpts(Rate{Count: 1, Duration: time.Second}, errDomain, RateLimitOpts{Alg: RateLimitAlg(42)})
		require.Error(t, err)
	})
}

func TestGetHeaderKey(t *testing.T) {
	getKey := GetHeaderKey("X-Tenant-ID")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, bypass, err := getKey(req)
	require.NoError(t, err)
	require.True(t, bypass)

	req.Header.Set("X-Tenant-ID", "acme")
	key, bypass, err := getKey(req)
	require.NoError(t, err)
	require.False(t, bypass)
	require.Equal(t, "acme", key)
}
