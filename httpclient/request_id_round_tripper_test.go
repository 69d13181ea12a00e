/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/httpserver/middleware"
)

func TestRequestIDRoundTripper_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("X-Got-Request-ID", r.Header.Get(middleware.HeaderRequestID))
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	client := &http.Client{Transport: NewRequestIDRoundTripper(http.DefaultTransport)}

	doRequest := func(ctx context.Context, header string) string {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, http.NoBody)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(middleware.HeaderRequestID, header)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		return resp.Header.Get("X-Got-Request-ID")
	}

	t.Run("from context", func(t *testing.T) {
		ctx := middleware.NewContextWithRequestID(context.Background(), "ctx-request-id")
		require.Equal(t, "ctx-request-id", doRequest(ctx, ""))
	})

	t.Run("header has priority", func(t *testing.T) {
		ctx := middleware.NewContextWithRequestID(context.Background(), "ctx-request-id")
		require.Equal(t, "header-request-id", doRequest(ctx, "header-request-id"))
	})

	t.Run("generated", func(t *testing.T) {
		id1 := doRequest(context.Background(), "")
		id2 := doRequest(context.Background(), "")
		require.NotEmpty(t, id1)
		require.NotEqual(t, id1, id2)
	})
}
