/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package relay provides a TCP relay that admits every accepted connection through a session guard,
// forwards it to the upstream and accounts the transferred bytes in both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/acronis/go-quotaguard/guard"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/netutil"
	"github.com/acronis/go-quotaguard/quota"
	"github.com/acronis/go-quotaguard/service"
)

// SessionOpener admits sessions. It's implemented by *guard.Opener.
type SessionOpener interface {
	Open(ctx context.Context, limits quota.Limits, id guard.Identity) (guard.Guard, error)
}

var _ SessionOpener = (*guard.Opener)(nil)

type upstreamDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Opts represents options for Relay.
type Opts struct {
	Limits   quota.Limits
	Identity guard.Identity
	Logger   log.FieldLogger
	// MetricsNamespace is prepended to the names of relay metrics.
	MetricsNamespace string
	// Listener is used instead of listening on Config.Address when set.
	Listener net.Listener
}

// Stats are counters of the relay since its start.
type Stats struct {
	Accepted       int64
	Denied         int64
	Failed         int64
	Active         int64
	RelayedBytes   int64
	VolumeExceeded int64
}

// Relay implements service.Unit and service.MetricsRegisterer.
type Relay struct {
	address         string
	upstream        string
	dialer          upstreamDialer
	bufferSize      int
	shutdownTimeout time.Duration
	acceptLimiter   *rate.Limiter
	opener          SessionOpener
	limits          quota.Limits
	identity        guard.Identity
	logger          log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// acceptCtx is canceled as soon as Stop is called, even a graceful one.
	acceptCtx     context.Context
	stopAccepting context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	sessions map[*session]struct{}
	// broken is set once Stop has broken the tracked sessions.
	broken bool

	port           atomic.Int32
	accepted       atomic.Int64
	denied         atomic.Int64
	failed         atomic.Int64
	active         atomic.Int64
	relayedBytes   atomic.Int64
	volumeExceeded atomic.Int64

	metrics []prometheus.Collector
}

var _ service.Unit = (*Relay)(nil)
var _ service.MetricsRegisterer = (*Relay)(nil)

// New creates a new Relay.
func New(cfg *Config, opener SessionOpener, opts Opts) *Relay { //nolint:gocritic // hugeParam
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		address:         cfg.Address,
		upstream:        cfg.Upstream,
		dialer:          netutil.NewDialer(time.Duration(cfg.DialTimeout), cfg.DNSServers),
		bufferSize:      int(cfg.BufferSize),
		shutdownTimeout: time.Duration(cfg.ShutdownTimeout),
		opener:          opener,
		limits:          opts.Limits,
		identity:        opts.Identity,
		logger:          opts.Logger.With(log.String("upstream", cfg.Upstream)),
		ctx:             ctx,
		cancel:          cancel,
		listener:        opts.Listener,
		sessions:        make(map[*session]struct{}),
	}
	if r.bufferSize <= 0 {
		r.bufferSize = DefaultBufferSize
	}
	r.acceptCtx, r.stopAccepting = context.WithCancel(ctx)
	if cfg.AcceptRate > 0 {
		r.acceptLimiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), max(cfg.AcceptBurst, 1))
	}
	r.metrics = r.newMetrics(opts.MetricsNamespace)
	return r
}

// Start accepts connections until the relay is stopped.
func (r *Relay) Start(fatalErr chan<- error) {
	logger := r.logger.With(log.String("address", r.address))
	logger.Info("starting relay...")

	listener, err := r.listen()
	if err != nil {
		logger.Error("relay listen error", log.Error(err))
		fatalErr <- err
		return
	}
	if listener == nil {
		return
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		r.port.Store(int32(tcpAddr.Port)) //nolint:gosec // port fits int32
	}

	for {
		// Connections over the accept rate wait in the listen backlog.
		if r.acceptLimiter != nil {
			if err = r.acceptLimiter.Wait(r.acceptCtx); err != nil {
				logger.Info("relay closed")
				return
			}
		}
		conn, err := listener.Accept()
		if err != nil {
			if r.isClosing() {
				logger.Info("relay closed")
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			logger.Error("relay accept error", log.Error(err))
			fatalErr <- err
			return
		}
		r.accepted.Inc()

		r.mu.Lock()
		if r.closing {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()

		go func() {
			defer r.wg.Done()
			r.serve(conn)
		}()
	}
}

// listen returns nil listener if the relay was stopped before it started.
func (r *Relay) listen() (net.Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, nil
	}
	if r.listener == nil {
		listener, err := net.Listen("tcp", r.address)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", r.address, err)
		}
		r.listener = listener
	}
	return r.listener, nil
}

func (r *Relay) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// Stop stops accepting connections. A graceful stop waits for active sessions
// up to the shutdown timeout and then breaks the rest.
func (r *Relay) Stop(gracefully bool) error {
	r.mu.Lock()
	r.closing = true
	listener := r.listener
	r.mu.Unlock()
	r.stopAccepting()

	var err error
	if listener != nil {
		if closeErr := listener.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = closeErr
		}
	}

	if gracefully {
		r.logger.Info("shutting down relay...", log.Int64("active_sessions", r.active.Load()))
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			r.logger.Info("relay shut down")
			return err
		case <-time.After(r.shutdownTimeout):
			r.logger.Warn("relay shutdown timeout exceeded, breaking active sessions")
		}
	}

	r.cancel()
	r.mu.Lock()
	r.broken = true
	for s := range r.sessions {
		s.breakConns()
	}
	r.mu.Unlock()
	r.wg.Wait()
	return err
}

// Port returns the port the relay listens on. It's 0 until the relay is started.
func (r *Relay) Port() int {
	return int(r.port.Load())
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Accepted:       r.accepted.Load(),
		Denied:         r.denied.Load(),
		Failed:         r.failed.Load(),
		Active:         r.active.Load(),
		RelayedBytes:   r.relayedBytes.Load(),
		VolumeExceeded: r.volumeExceeded.Load(),
	}
}

func (r *Relay) trackSession(s *session, add bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if add {
		// A session dialed while Stop was breaking the others would never be broken.
		if r.broken {
			s.breakConns()
		}
		r.sessions[s] = struct{}{}
		return
	}
	delete(r.sessions, s)
}

func (r *Relay) newMetrics(namespace string) []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	return []prometheus.Collector{
		counter("connections_accepted_total", "Number of accepted client connections.", &r.accepted),
		counter("sessions_denied_total", "Number of connections denied by the quota.", &r.denied),
		counter("sessions_failed_total", "Number of connections that failed before relaying.", &r.failed),
		counter("relayed_bytes_total", "Number of bytes relayed in both directions.", &r.relayedBytes),
		counter("volume_exceeded_total", "Number of sessions terminated by the volume limit.", &r.volumeExceeded),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "active_sessions",
			Help: "Number of sessions being relayed.",
		}, func() float64 { return float64(r.active.Load()) }),
	}
}

// MustRegisterMetrics implements service.MetricsRegisterer.
func (r *Relay) MustRegisterMetrics() {
	prometheus.MustRegister(r.metrics...)
}

// UnregisterMetrics implements service.MetricsRegisterer.
func (r *Relay) UnregisterMetrics() {
	for _, c := range r.metrics {
		prometheus.Unregister(c)
	}
}
