/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-quotaguard/log/logtest"
)

// blockingUnit runs until stopped.
type blockingUnit struct {
	stopCh   chan struct{}
	startErr error
	stopErr  error

	started      atomic.Int32
	stopped      atomic.Int32
	gracefully   atomic.Int32
	registered   atomic.Int32
	unregistered atomic.Int32
}

func newBlockingUnit() *blockingUnit {
	return &blockingUnit{stopCh: make(chan struct{}, 1)}
}

func (u *blockingUnit) Start(fatalErr chan<- error) {
	u.started.Add(1)
	if u.startErr != nil {
		fatalErr <- u.startErr
		return
	}
	<-u.stopCh
}

func (u *blockingUnit) Stop(gracefully bool) error {
	u.stopped.Add(1)
	if gracefully {
		u.gracefully.Add(1)
	}
	select {
	case u.stopCh <- struct{}{}:
	default:
	}
	return u.stopErr
}

func (u *blockingUnit) MustRegisterMetrics() { u.registered.Add(1) }
func (u *blockingUnit) UnregisterMetrics()   { u.unregistered.Add(1) }

func TestService_StopBySignal(t *testing.T) {
	unit := newBlockingUnit()
	svc := New(logtest.NewRecorder(), unit)

	done := make(chan error)
	go func() { done <- svc.Start(context.Background()) }()
	require.Eventually(t, func() bool { return unit.started.Load() == 1 }, time.Second, 10*time.Millisecond)

	svc.Signals <- syscall.SIGTERM
	require.NoError(t, <-done)
	require.Equal(t, int32(1), unit.gracefully.Load())
	require.Equal(t, int32(1), unit.registered.Load())
	require.Equal(t, int32(1), unit.unregistered.Load())
}

func TestService_StopByContext(t *testing.T) {
	unit := newBlockingUnit()
	unit.stopErr = errors.New("busy")
	svc := New(logtest.NewRecorder(), unit)
	svc.ShutdownSignals = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- svc.Start(ctx) }()
	cancel()
	require.ErrorContains(t, <-done, "busy")
}

func TestService_FatalError(t *testing.T) {
	unit := newBlockingUnit()
	unit.startErr = errors.New("address already in use")
	svc := New(logtest.NewRecorder(), unit)
	svc.ShutdownSignals = nil

	err := svc.Start(context.Background())
	require.ErrorIs(t, err, unit.startErr)
	require.Equal(t, int32(0), unit.stopped.Load())
}

func TestCompositeUnit(t *testing.T) {
	t.Run("stop all", func(t *testing.T) {
		u1, u2 := newBlockingUnit(), newBlockingUnit()
		cu := NewCompositeUnit(u1, u2)
		fatalErr := make(chan error, 1)
		done := make(chan struct{})
		go func() {
			cu.Start(fatalErr)
			close(done)
		}()
		require.Eventually(t, func() bool { return u1.started.Load() == 1 && u2.started.Load() == 1 },
			time.Second, 10*time.Millisecond)

		require.NoError(t, cu.Stop(true))
		<-done
		require.Len(t, fatalErr, 0)
		require.Equal(t, int32(1), u1.gracefully.Load())
		require.Equal(t, int32(1), u2.gracefully.Load())
	})

	t.Run("one unit fails", func(t *testing.T) {
		u1, u2 := newBlockingUnit(), newBlockingUnit()
		u1.startErr = errors.New("listen failed")
		u2.stopErr = errors.New("stop failed")
		cu := NewCompositeUnit(u1, u2)
		fatalErr := make(chan error, 1)
		cu.Start(fatalErr)

		err := <-fatalErr
		require.ErrorIs(t, err, u1.startErr)
		require.ErrorIs(t, err, u2.stopErr)
		require.Equal(t, int32(1), u2.stopped.Load())
		require.Equal(t, int32(0), u2.gracefully.Load())
	})

	t.Run("metrics", func(t *testing.T) {
		u1, u2 := newBlockingUnit(), newBlockingUnit()
		cu := NewCompositeUnit(u1, u2)
		cu.MustRegisterMetrics()
		cu.UnregisterMetrics()
		require.Equal(t, int32(1), u2.registered.Load())
		require.Equal(t, int32(1), u2.unregistered.Load())
	})
}
