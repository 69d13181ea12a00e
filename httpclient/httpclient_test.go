/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/httpserver/middleware"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/log/logtest"
	"github.com/acronis/go-quotaguard/retry"
)

func TestNew(t *testing.T) {
	var calls atomic.Int32
	var requestIDs [2]atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		requestIDs[n-1].Store(r.Header.Get(middleware.HeaderRequestID))
		rw.Header().Set("X-User-Agent", r.Header.Get("User-Agent"))
		if n == 1 {
			rw.WriteHeader(http.StatusBadGateway)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	logRecorder := logtest.NewRecorder()
	client := New(Opts{
		UserAgent:     "quotaguard-cli/1.0",
		BackoffPolicy: retry.ConstantBackoffPolicy{Interval: time.Millisecond},
		Logger:        logRecorder,
	})
	require.Equal(t, DefaultTimeout, client.Timeout)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "quotaguard-cli/1.0", resp.Header.Get("X-User-Agent"))
	require.Equal(t, int32(2), calls.Load())

	// Retries keep the same request id.
	require.NotEmpty(t, requestIDs[0].Load())
	require.Equal(t, requestIDs[0].Load(), requestIDs[1].Load())

	failed, found := logRecorder.FindEntry("client http request finished with error status")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, failed.Level)
	_, found = logRecorder.FindEntry("client http request will be retried")
	require.True(t, found)
	finished, found := logRecorder.FindEntry("client http request finished")
	require.True(t, found)
	status, found := finished.FindField("status")
	require.True(t, found)
	require.Equal(t, int64(http.StatusOK), status.Int)
}

func TestNew_RetriesDisabled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(Opts{MaxRetryAttempts: -1, Timeout: time.Second})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}
