package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Start runs the HTTP server and blocks until an interrupt or terminate
// signal arrives, then shuts everything down with a timeout.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.E.Start(addr); err != nil && err != http.ErrServerClosed {
			s.E.Logger.Fatalf("shutting down the server: %v", err)
		}
	}()

	waitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Shutdown(ctx)
}

// Shutdown stops the broker first so every channel drains, then the HTTP
// server and the internal bus.
func (s *Server) Shutdown(ctx context.Context) {
	s.stopBroker()
	select {
	case <-s.brokerDone:
	case <-ctx.Done():
		slog.Warn("Broker did not stop in time")
	}

	if err := s.E.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := s.bus.Close(); err != nil {
		slog.Error("Could not close message bus", "error", err)
	}
	if s.otelCleanup != nil {
		s.otelCleanup()
	}
}

// waitForShutdown blocks until an interrupt or terminate signal is received.
func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}
