/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package profserver provides an HTTP server with pprof handlers under /debug/pprof/.
package profserver

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/acronis/go-quotaguard/httpserver/middleware"
	"github.com/acronis/go-quotaguard/log"
	"github.com/acronis/go-quotaguard/service"
)

const readHeaderTimeout = 5 * time.Second

// ProfServer is the profiling HTTP server. It implements service.Unit.
type ProfServer struct {
	httpServer     *http.Server
	logger         log.FieldLogger
	addr           atomic.String
	httpServerDone chan struct{}
}

var _ service.Unit = (*ProfServer)(nil)

// New creates a new profiling server.
func New(cfg *Config, logger log.FieldLogger) *ProfServer {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID(),
		middleware.LoggingWithOpts(logger, middleware.LoggingOpts{RequestStart: true}),
	)
	router.Mount("/debug", chimw.Profiler())

	return &ProfServer{
		httpServer:     &http.Server{Addr: cfg.Address, Handler: router, ReadHeaderTimeout: readHeaderTimeout},
		logger:         logger.With(log.String("address", cfg.Address)),
		httpServerDone: make(chan struct{}),
	}
}

// Start listens and serves in a blocking way. A listen or serve error is sent into fatalError.
func (s *ProfServer) Start(fatalError chan<- error) {
	defer close(s.httpServerDone)

	s.logger.Info("starting profiling HTTP server...")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.logger.Error("profiling HTTP server listen error", log.Error(err))
		fatalError <- err
		return
	}
	s.addr.Store(ln.Addr().String())

	if err = s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("profiling HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	s.logger.Info("profiling HTTP server closed")
}

// Stop closes the server. Profiling requests are never drained.
func (s *ProfServer) Stop(gracefully bool) error {
	s.logger.Info("closing profiling HTTP server...")
	if err := s.httpServer.Close(); err != nil {
		s.logger.Error("profiling HTTP server closing error", log.Error(err))
		return err
	}
	<-s.httpServerDone
	return nil
}

// URL returns the base URL of the server or an empty string if it's not listening yet.
func (s *ProfServer) URL() string {
	if addr := s.addr.Load(); addr != "" {
		return "http://" + addr
	}
	return ""
}
