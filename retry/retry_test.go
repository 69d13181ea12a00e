/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/log/logtest"
)

func TestDo(t *testing.T) {
	policy := ConstantBackoffPolicy{Interval: time.Millisecond, MaxAttempts: 3}

	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, nil, nil, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), policy, nil, nil, func(ctx context.Context) error {
			calls++
			return errors.New("down")
		})
		require.EqualError(t, err, "down")
		require.Equal(t, 4, calls)
	})

	t.Run("permanent error stops retries", func(t *testing.T) {
		permanent := errors.New("auth failed")
		calls := 0
		err := Do(context.Background(), policy, func(err error) bool { return !errors.Is(err, permanent) }, nil,
			func(ctx context.Context) error {
				calls++
				return permanent
			})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})
}

func TestWaitReady(t *testing.T) {
	logger := logtest.NewRecorder()
	calls := 0
	err := WaitReady(context.Background(),
		ExponentialBackoffPolicy{InitialInterval: time.Millisecond, MaxAttempts: 5}, logger, "redis",
		func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return errors.New("connection refused")
			}
			return nil
		})
	require.NoError(t, err)

	entry, found := logger.FindEntry("dependency is not ready, will retry")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
	_, found = logger.FindEntry("dependency is ready")
	require.True(t, found)
}
