/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package backend

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/config"
	"github.com/acronis/go-quotaguard/kvstore"
	"github.com/acronis/go-quotaguard/log/logtest"
)

func TestOpen_Memory(t *testing.T) {
	ctx := context.Background()
	metrics := kvstore.NewPrometheusMetrics()

	b, err := Open(ctx, defaultConfig(), Opts{MetricsCollector: metrics})
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	require.Equal(t, KindMemory, b.Kind)
	require.NoError(t, b.Ping(ctx))
	_, ok := b.Store.(kvstore.Incrementer)
	require.True(t, ok)

	require.NoError(t, b.Store.Put(ctx, "window_start", "1700000000000"))
	val, found, err := b.Store.Get(ctx, "window_start")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1700000000000", val)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues(kvstore.OpPut, "ok")))
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Kind = "mongo"
	_, err := Open(context.Background(), cfg, Opts{})
	require.ErrorContains(t, err, `unknown store backend "mongo"`)
}

func TestOpen_UnreachableBackend(t *testing.T) {
	cfg := defaultConfig()
	cfg.Kind = KindRedis
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	cfg.Retry = RetryConfig{
		InitialInterval: config.TimeDuration(10 * time.Millisecond),
		MaxInterval:     config.TimeDuration(20 * time.Millisecond),
		MaxAttempts:     2,
	}
	logRecorder := logtest.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := Open(ctx, cfg, Opts{Logger: logRecorder})
	require.ErrorContains(t, err, "wait for redis store")

	var retries int
	for _, e := range logRecorder.Entries() {
		if e.Text == "dependency is not ready, will retry" {
			retries++
		}
	}
	require.Equal(t, 2, retries)
	_, found := logRecorder.FindEntry("dependency is ready")
	require.False(t, found)
}

func TestOpen_CanceledContext(t *testing.T) {
	cfg := defaultConfig()
	cfg.Kind = KindRedis
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	cfg.Retry.MaxAttempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, cfg, Opts{})
	require.Error(t, err)
}
