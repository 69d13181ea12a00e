/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/log/logtest"
)

func TestPeriodicWorker(t *testing.T) {
	t.Run("errors don't stop the loop", func(t *testing.T) {
		logger := logtest.NewRecorder()
		var runs atomic.Int32
		worker := WorkerFunc(func(ctx context.Context) error {
			if runs.Add(1) == 3 {
				return ErrPeriodicWorkerStop
			}
			return errors.New("store is down")
		})
		pw := NewPeriodicWorker(worker, time.Millisecond, 0, logger)
		require.NoError(t, pw.Run(context.Background()))
		require.Equal(t, int32(3), runs.Load())

		_, found := logger.FindEntry("periodically running worker finished with error")
		require.True(t, found)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var runs atomic.Int32
		pw := NewPeriodicWorker(WorkerFunc(func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}), time.Hour, time.Hour, logtest.NewRecorder())
		require.NoError(t, pw.Run(ctx))
		require.Equal(t, int32(0), runs.Load())
	})
}

func TestWorkerUnit(t *testing.T) {
	t.Run("graceful stop waits for the worker", func(t *testing.T) {
		var finished atomic.Bool
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return nil
		}), WorkerUnitOpts{})

		fatalErr := make(chan error, 1)
		go unit.Start(fatalErr)
		require.Eventually(t, func() bool { return unit.started.Load() }, time.Second, time.Millisecond)
		require.NoError(t, unit.Stop(true))
		require.True(t, finished.Load())
		require.Len(t, fatalErr, 0)
	})

	t.Run("stop timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error {
			<-release
			return nil
		}), WorkerUnitOpts{GracefulStopTimeout: 10 * time.Millisecond})

		go unit.Start(make(chan error, 1))
		require.Eventually(t, func() bool { return unit.started.Load() }, time.Second, time.Millisecond)
		require.ErrorIs(t, unit.Stop(true), ErrWorkerUnitStopTimeoutExceeded)
	})

	t.Run("worker error is fatal", func(t *testing.T) {
		workerErr := errors.New("boom")
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error { return workerErr }), WorkerUnitOpts{})
		fatalErr := make(chan error, 1)
		unit.Start(fatalErr)
		require.ErrorIs(t, <-fatalErr, workerErr)
	})

	t.Run("stop without start", func(t *testing.T) {
		unit := NewWorkerUnit(WorkerFunc(func(ctx context.Context) error { return nil }), WorkerUnitOpts{})
		require.NoError(t, unit.Stop(true))
	})
}
