// Package gateway terminates channel connections over WebSocket. Each
// connection gets its own worker proxy wired to the shared broker; frames
// are JSON-encoded requests inbound and envelopes outbound.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/blenny/internal/broker"
	"github.com/nfrund/blenny/internal/middleware"
	"github.com/nfrund/blenny/internal/worker"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// Gateway upgrades HTTP requests into channel connections.
type Gateway struct {
	broker   *broker.Broker
	timeout  time.Duration
	validate *validator.Validate
}

// New builds a gateway over b. timeout is handed to each connection's
// worker proxy as its per-request expiry.
func New(b *broker.Broker, timeout time.Duration) *Gateway {
	return &Gateway{broker: b, timeout: timeout, validate: validator.New()}
}

// conduit adapts one broker port to the worker proxy's view of it.
type conduit struct {
	broker *broker.Broker
	port   *broker.Port
}

func (c *conduit) Submit(ctx context.Context, req broker.Request) error {
	return c.broker.Submit(ctx, c.port, req)
}

func (c *conduit) Receive() <-chan broker.Envelope { return c.port.Receive() }

// Handler upgrades the request and serves the connection until it drops.
func (g *Gateway) Handler(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "connection torn down")

	logger := middleware.FromContext(c.Request().Context())

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	port, err := g.broker.Connect(ctx)
	if err != nil {
		logger.Error("Could not connect channel to broker", "error", err)
		return nil
	}
	defer g.broker.Disconnect(context.Background(), port)

	proxy := worker.New(&conduit{broker: g.broker, port: port}, g.timeout)
	proxyDone := make(chan struct{})
	go func() {
		defer close(proxyDone)
		_ = proxy.Run(ctx)
	}()

	logger.Info("Channel connected", "port_id", port.ID)
	go g.writePump(ctx, logger, conn, proxy)
	err = g.readPump(ctx, logger, conn, proxy)
	logger.Info("Channel disconnected", "port_id", port.ID, "reason", err)

	cancel()
	<-proxyDone
	return nil
}

// readPump decodes inbound frames and hands them to the proxy. Returns
// when the connection drops or the proxy goes away.
func (g *Gateway) readPump(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, proxy *worker.Proxy) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var req broker.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		if err := g.validate.Struct(&req); err != nil {
			logger.Warn("Dropping invalid frame", "error", err)
			continue
		}
		if err := proxy.Submit(ctx, req); err != nil {
			return err
		}
	}
}

// writePump relays proxy output to the connection. One writer per
// connection keeps frame writes serialized.
func (g *Gateway) writePump(ctx context.Context, logger *slog.Logger, conn *websocket.Conn, proxy *worker.Proxy) {
	for env := range proxy.Messages() {
		data, err := json.Marshal(env)
		if err != nil {
			logger.Error("Could not encode envelope", "kind", env.Kind, "error", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			logger.Debug("Write failed, dropping connection", "error", err)
			return
		}
	}
}
