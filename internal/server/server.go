package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/sync/errgroup"

	"example.com/dirserve/internal/config"
	"example.com/dirserve/internal/logger"
	"example.com/dirserve/internal/util"
)

// Server owns the listening socket and the HTTP server lifecycle: serve
// until the context is cancelled, then shut down gracefully. SIGHUP reopens
// the log files.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	handler http.Handler

	mu       sync.RWMutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer wraps handler with request instrumentation and, if enabled,
// gzip compression.
func NewServer(cfg *config.Config, lg *logger.Logger, handler http.Handler) (*Server, error) {
	if cfg == nil || cfg.Server == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	if cfg.CompressionEnabled() {
		handler = gzhttp.GzipHandler(handler)
	}
	return &Server{
		cfg:     cfg,
		log:     lg,
		handler: Instrument(lg, handler),
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or "" before Start has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the configured address and serves until ctx is cancelled or
// the listener fails. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.ListenAddress()
	ln, err := util.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.log.Info("Server listening", logger.LogFields{
		"address":     ln.Addr().String(),
		"root":        s.cfg.Server.RootDirectory,
		"compression": s.cfg.CompressionEnabled(),
	})

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down", logger.LogFields{"timeout": s.cfg.ShutdownTimeout().String()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			httpSrv.Close()
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
					continue
				}
				s.log.Info("Reopened log files", nil)
			}
		}
	})

	err = g.Wait()
	s.log.Info("Server stopped", nil)
	return err
}
