/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package usage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/guard"
	"github.com/acronis/go-quotaguard/httpclient"
	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/log/logtest"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/retry"
)

func startUsageServer(t *testing.T, store kvstore.Store) *httptest.Server {
	t.Helper()
	h := NewHandler(NewReporter(store, ReporterOpts{Now: nowFunc}), HandlerOpts{
		Limits:      quota.Limits{MaxConcurrentSessions: 2, TotalVolumeBytes: 500},
		ErrorDomain: "QuotaGuard",
	})
	router := chi.NewRouter()
	router.Route("/api/quota/v1", h.Routes)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(baseURL string) *Client {
	return NewClient(baseURL, httpclient.New(httpclient.Opts{
		MaxRetryAttempts: 2,
		BackoffPolicy:    retry.ConstantBackoffPolicy{Interval: time.Millisecond},
		Logger:           logtest.NewRecorder(),
	}))
}

func TestClient_Summary(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := kvstore.NewMemory()
		require.NoError(t, store.Put(ctx, guard.KeyUsageBytes, "120"))
		require.NoError(t, store.Put(ctx, guard.KeyActiveSessions, "1"))
		srv := startUsageServer(t, store)

		summary, err := newTestClient(srv.URL+"/").Summary(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, Stats{
			UsageBytes: 120, RemainingBytes: 380, RemainingDays: Unlimited, ActiveSessions: 1, MaxUsers: 2,
		}, summary.UsageStats)
		require.Len(t, summary.DailyUsage, 3)
		require.Equal(t, "2024-03-10", summary.DailyUsage[2].Date)
	})

	t.Run("default days", func(t *testing.T) {
		srv := startUsageServer(t, kvstore.NewMemory())
		summary, err := newTestClient(srv.URL).Summary(ctx, 0)
		require.NoError(t, err)
		require.Len(t, summary.DailyUsage, DefaultDailyUsageDays)
	})

	t.Run("invalid days", func(t *testing.T) {
		srv := startUsageServer(t, kvstore.NewMemory())
		_, err := newTestClient(srv.URL).Summary(ctx, MaxDailyUsageDays+1)
		var respErr *ResponseError
		require.True(t, errors.As(err, &respErr))
		require.Equal(t, http.StatusBadRequest, respErr.StatusCode)
		require.Equal(t, MessageInvalidDays, respErr.Message)
	})

	t.Run("store failure", func(t *testing.T) {
		srv := startUsageServer(t, &failingStore{Store: kvstore.NewMemory()})
		_, err := newTestClient(srv.URL).Summary(ctx, 0)
		var respErr *ResponseError
		require.True(t, errors.As(err, &respErr))
		require.Equal(t, http.StatusInternalServerError, respErr.StatusCode)
		require.Equal(t, MessageSummaryFailed, respErr.Message)
	})

	t.Run("not a quota server", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			_, _ = rw.Write([]byte("<html></html>"))
		}))
		defer srv.Close()
		_, err := newTestClient(srv.URL).Summary(ctx, 0)
		require.ErrorContains(t, err, "malformed response body")
	})
}
