// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is an HTTP server that shuts down gracefully when its context is
// canceled.
//
// All fields of Server can't be modified after ListenAndServe is called.
type Server struct {
	// Addr is a network address to listen on (in the form of "host:port").
	Addr string
	// Handler is the handler to serve.
	Handler http.Handler
	// Logger is used for server messages. If nil, slog.Default() is used.
	Logger *slog.Logger
	// ShutdownTimeout limits the graceful shutdown. Defaults to 30 seconds.
	ShutdownTimeout time.Duration

	// Ready, if set, is called once the server is listening. Used in tests.
	Ready func(addr string)
}

var (
	errNoAddr       = errors.New("web: Server.Addr is empty")
	errNilHandler   = errors.New("web: Server.Handler is nil")
	defaultShutdown = 30 * time.Second
)

// ListenAndServe listens on s.Addr and serves requests until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Addr == "" {
		return errNoAddr
	}
	if s.Handler == nil {
		return errNilHandler
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer l.Close()
	log.Info("listening", "addr", l.Addr().String())

	hs := &http.Server{
		Handler:           WithLogger(log)(s.Handler),
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelError),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.Ready != nil {
		s.Ready(l.Addr().String())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("gracefully shutting down")
		timeout := s.ShutdownTimeout
		if timeout == 0 {
			timeout = defaultShutdown
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}
