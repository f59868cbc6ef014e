// Package server wires the application together: configuration, logging,
// the persistent store, the shared broker and the HTTP surface exposing it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/afero"

	"github.com/nfrund/blenny/internal/backend"
	"github.com/nfrund/blenny/internal/broker"
	"github.com/nfrund/blenny/internal/config"
	"github.com/nfrund/blenny/internal/gateway"
	"github.com/nfrund/blenny/internal/kvstore"
	"github.com/nfrund/blenny/internal/logging"
	appmiddleware "github.com/nfrund/blenny/internal/middleware"
	"github.com/nfrund/blenny/internal/pubsub"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E      *echo.Echo
	Cfg    config.Provider
	Broker *broker.Broker

	bus         *pubsub.WatermillBridge
	gateway     *gateway.Gateway
	store       kvstore.Store
	stopBroker  context.CancelFunc
	brokerDone  chan struct{}
	otelCleanup func()
}

// New creates a new Server instance.
func New() (*Server, error) {
	// Load environment variables from .env file if it exists.
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet, so the standard logger is fine here.
		log.Println("No .env file found, relying on environment variables")
	}

	logging.New()
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	tracingCfg := pubsub.LoadTracingConfigFromEnv()
	tracer, otelCleanup, err := pubsub.SetupOTel(context.Background(), tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}

	var bus *pubsub.WatermillBridge
	if tracingCfg.Enabled {
		bus = pubsub.NewWatermillBridgeWithTracer(tracer)
	} else {
		bus = pubsub.NewWatermillBridge()
	}

	store := kvstore.NewFileStore(afero.NewOsFs(), cfg.GetDataDir())

	base := backend.Config{
		URL:       cfg.GetDBURL(),
		Namespace: cfg.GetDBNs(),
		Database:  cfg.GetDBDb(),
		Access:    cfg.GetDBAccess(),
	}
	// The backend client is created lazily by the first init request, so
	// the server comes up fine while the database is unreachable.
	b := broker.New(backend.NewFactory(store), base, bus, cfg.GetRequestTimeout())

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		if err := b.Run(brokerCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Broker stopped unexpectedly", "error", err)
		}
	}()

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(appmiddleware.Logger)

	s := &Server{
		E:           e,
		Cfg:         cfg,
		Broker:      b,
		bus:         bus,
		gateway:     gateway.New(b, cfg.GetRequestTimeout()),
		store:       store,
		stopBroker:  stopBroker,
		brokerDone:  brokerDone,
		otelCleanup: otelCleanup,
	}
	s.RegisterRoutes()
	return s, nil
}

// Store is a getter for the server's persistent store, useful for testing.
func (s *Server) Store() kvstore.Store {
	return s.store
}
