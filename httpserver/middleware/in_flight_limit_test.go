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

	"github.com/acronis/go-quotaguard/testutil"
)

type parkedHandler struct {
	entered chan struct{}
	release chan struct{}
}

func (h *parkedHandler) ServeHTTP(rw http.ResponseWriter, _ *http.Request) {
	h.entered <- struct{}{}
	<-h.release
	rw.WriteHeader(http.StatusOK)
}

func TestInFlightLimit(t *testing.T) {
	const errDomain = "QuotaGuard"

	tests := []struct {
		name           string
		opts           InFlightLimitOpts
		wantCode       int
		wantRetryAfter string
	}{
		{
			name:     "rejected with default status",
			opts:     InFlightLimitOpts{},
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:           "rejected after backlog timeout",
			opts:           InFlightLimitOpts{BacklogLimit: 1, BacklogTimeout: 20 * time.Millisecond, RetryAfter: 1500 * time.Millisecond},
			wantCode:       http.StatusServiceUnavailable,
			wantRetryAfter: "2",
		},
		{
			name:     "custom status by remote addr",
			opts:     InFlightLimitOpts{GetKey: GetRemoteAddrKey, ResponseStatusCode: http.StatusTooManyRequests},
			wantCode: http.StatusTooManyRequests,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &parkedHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
			handler := MustInFlightLimitWithOpts(1, errDomain, tt.opts)(next)

			firstDone := make(chan *httptest.ResponseRecorder)
			go func() { firstDone <- sendRequest(handler, "10.0.0.1:1000") }()
			select {
			case <-next.entered:
			case <-time.After(time.Second):
				t.Fatal("first request was not served")
			}

			resp := sendRequest(handler, "10.0.0.1:1001")
			testutil.RequireErrorInRecorder(t, resp, tt.wantCode, errDomain, InFlightLimitErrCode)
			require.Equal(t, tt.wantRetryAfter, resp.Header().Get("Retry-After"))

			close(next.release)
			require.Equal(t, http.StatusOK, (<-firstDone).Code)
		})
	}

	t.Run("dry run serves requests over the limit", func(t *testing.T) {
		next := &parkedHandler{entered: make(chan struct{}, 2), release: make(chan struct{})}
		handler := MustInFlightLimitWithOpts(1, errDomain, InFlightLimitOpts{DryRun: true})(next)

		done := make(chan *httptest.ResponseRecorder, 2)
		for i := 0; i < 2; i++ {
			go func() { done <- sendRequest(handler, "10.0.0.1:1000") }()
		}
		for i := 0; i < 2; i++ {
			select {
			case <-next.entered:
			case <-time.After(time.Second):
				t.Fatal("request was not served")
			}
		}
		close(next.release)
		require.Equal(t, http.StatusOK, (<-done).Code)
		require.Equal(t, http.StatusOK, (<-done).Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		_, err := InFlightLimitWithOpts(0, errDomain, InFlightLimitOpts{})
		require.Error(t, err)
	})
}
