package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/rally/pkg/version"
)

const shutdownTimeout = 10 * time.Second

// Run serves HTTP and runs the sweeper until ctx is cancelled, then shuts
// down and closes the owned dependencies.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("server: close dependencies", "err", err)
		}
	}()

	if s.cfg.SeedFile != "" {
		if _, err := LoadSeedFile(ctx, s.cfg.SeedFile, s.deps.Store, s.cfg.QueueCapacity); err != nil {
			return err
		}
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}
	// Hijacked websocket streams outlive Shutdown unless their base context ends.
	baseCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStreams()
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	slog.Info("rally server running",
		"version", version.String(),
		"http", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled(),
		"sweep_interval", s.sweeper.Interval(),
	)

	if s.cfg.MetricsInterval > 0 {
		s.metrics.StartPeriodicLog(s.cfg.MetricsInterval, ctx.Done())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	if !s.cfg.TLS.Enabled() {
		return ln, nil
	}
	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}
