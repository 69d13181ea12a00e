/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-quotaguard/guard"
	"github.com/acronis/go-quotaguard/log"
)

// guardCloseTimeout bounds the final flush of a session.
const guardCloseTimeout = 30 * time.Second

type session struct {
	client   net.Conn
	upstream net.Conn
}

func (s *session) breakConns() {
	_ = s.client.Close()
	_ = s.upstream.Close()
}

// meter serializes commits of both copying directions into the session's guard.
type meter struct {
	ctx   context.Context
	guard guard.Guard
	onAdd func(n int64)

	mu  sync.Mutex
	err error
}

func (m *meter) commit(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.onAdd(int64(n))
	if err := m.guard.Commit(m.ctx, int64(n)); err != nil {
		m.err = err
		return err
	}
	return nil
}

func (m *meter) firstErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// meteredReader commits every chunk read from the underlying connection.
// A failed commit still hands the chunk to the writer, so the overage is delivered.
type meteredReader struct {
	src   io.Reader
	meter *meter
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		if commitErr := r.meter.commit(n); commitErr != nil {
			return n, commitErr
		}
	}
	return n, err
}

func (r *Relay) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	logger := r.logger.With(log.String("remote_addr", conn.RemoteAddr().String()))

	g, err := r.opener.Open(r.ctx, r.limits, r.identity)
	if err != nil {
		r.failed.Inc()
		logger.Error("failed to open session", log.Error(err))
		return
	}
	if !g.Allowed() {
		r.denied.Inc()
		logger.Info("session denied", log.String("reason", g.Reason()))
		return
	}

	startedAt := time.Now()
	logger = logger.With(log.String("session_id", g.SessionID()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), guardCloseTimeout)
		defer cancel()
		if closeErr := g.Close(ctx); closeErr != nil {
			logger.Error("failed to close session", log.Error(closeErr))
		}
	}()

	upstream, err := r.dialer.DialContext(r.ctx, "tcp", r.upstream)
	if err != nil {
		r.failed.Inc()
		logger.Error("failed to dial upstream", log.Error(err))
		return
	}
	defer func() { _ = upstream.Close() }()

	s := &session{client: conn, upstream: upstream}
	r.trackSession(s, true)
	defer r.trackSession(s, false)
	r.active.Inc()
	defer r.active.Dec()
	logger.Info("session started")

	m := &meter{ctx: r.ctx, guard: g, onAdd: func(n int64) { r.relayedBytes.Add(n) }}
	// The first finished direction tears down both sides.
	var copying errgroup.Group
	copying.Go(func() error {
		defer s.breakConns()
		return r.pipe(upstream, conn, m)
	})
	copying.Go(func() error {
		defer s.breakConns()
		return r.pipe(conn, upstream, m)
	})
	_ = copying.Wait()

	fields := []log.Field{
		log.Int64("bytes", g.SessionBytes()),
		log.DurationMs("duration_ms", time.Since(startedAt)),
	}
	switch commitErr := m.firstErr(); {
	case errors.Is(commitErr, guard.ErrVolumeLimitReached):
		r.volumeExceeded.Inc()
		logger.Info("session terminated, volume limit reached", fields...)
	case commitErr != nil:
		logger.Error("session terminated, failed to account transferred bytes", append(fields, log.Error(commitErr))...)
	default:
		logger.Info("session finished", fields...)
	}
}

func (r *Relay) pipe(dst io.Writer, src io.Reader, m *meter) error {
	buf := make([]byte, r.bufferSize)
	_, err := io.CopyBuffer(dst, &meteredReader{src: src, meter: m}, buf)
	return err
}
