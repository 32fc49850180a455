// Package server contains HTTP handlers and server bootstrap code for
// the spine coordination API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/garnizeh/spine/internal/auth"
	"github.com/garnizeh/spine/internal/config"
	"github.com/garnizeh/spine/internal/jobs"
	"github.com/garnizeh/spine/internal/metrics"
	"github.com/garnizeh/spine/internal/store"
)

// Server is the HTTP server for the coordination API.
type Server struct {
	cfg        *config.Config
	mgr        *jobs.Manager
	store      *store.Store
	tokens     *auth.TokenSet
	metrics    *metrics.Metrics
	log        *slog.Logger
	router     *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	conns      map[net.Conn]struct{}
}

// New constructs a Server instance. Routes must be registered with
// RegisterRoutes before calling Start.
func New(cfg *config.Config, mgr *jobs.Manager, st *store.Store, tokens *auth.TokenSet, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		store:   st,
		tokens:  tokens,
		metrics: m,
		log:     log,
		router:  http.NewServeMux(),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Handler returns the composed HTTP handler, including middleware when
// RegisterRoutes has been called.
func (s *Server) Handler() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	return s.router
}

// Start runs the HTTP server and blocks until context cancellation or
// server error.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	h := s.Handler()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Track connections so we can force-close them if graceful shutdown
	// exceeds the configured timeout.
	s.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch state {
		case http.StateNew, http.StateActive:
			s.conns[c] = struct{}{}
		case http.StateClosed, http.StateHijacked:
			delete(s.conns, c)
		case http.StateIdle:
			// keep in map until closed/hijacked
		}
	}

	// Create the listener first so the server is reliably bound before
	// Start returns control to the caller's goroutine.
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		timeout := 30 * time.Second
		if s.cfg != nil && s.cfg.ShutdownTimeout > 0 {
			timeout = s.cfg.ShutdownTimeout
		}
		s.log.Info("shutdown initiated", "timeout", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("shutdown timed out, force-closing active connections")
				s.mu.Lock()
				for c := range s.conns {
					_ = c.Close()
				}
				s.mu.Unlock()
			}
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.log.Info("shutdown complete")
		return fmt.Errorf("server shutdown: %w", ctx.Err())
	case err := <-errCh:
		return err
	}
}
