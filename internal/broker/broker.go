// Package broker hosts the shared connection broker: a single goroutine
// that owns one backend client, the subscription registry and the set of
// connected channels. Channels talk to it through Ports; slow backend
// calls run on their own goroutines and post continuations back to the
// loop, so the broker handles one message at a time without ever blocking
// on the network.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nfrund/blenny/internal/backend"
	"github.com/nfrund/blenny/internal/domain"
	"github.com/nfrund/blenny/internal/pubsub"
)

// sendBuffer is each port's mailbox depth. A port that falls this far
// behind is evicted rather than allowed to stall the loop.
const sendBuffer = 256

// closeTimeout bounds backend teardown during shutdown.
const closeTimeout = 5 * time.Second

// request pairs a submitted message with the port that sent it.
type request struct {
	port *Port
	req  Request
}

// subscription is one registered change feed.
type subscription struct {
	query  backend.FeedQuery
	cancel context.CancelFunc
}

// Broker is the shared connection broker. Construct with New, then run
// exactly one Run loop for its lifetime.
type Broker struct {
	factory  backend.Factory
	base     backend.Config
	bus      pubsub.Bus
	timeout  time.Duration
	validate *validator.Validate

	register      chan *Port
	unregister    chan *Port
	requests      chan request
	continuations chan func()
	done          chan struct{}

	// Loop-owned state. Only Run and the continuations it executes may
	// touch these fields.
	ports         map[*Port]struct{}
	client        backend.Client
	initializing  bool
	waitingInit   []request
	subs          map[string]*subscription
	detachSession func()
	runCtx        context.Context
}

// New builds a broker. The backend client is constructed lazily by factory
// on the first init request; base fills any fields init leaves empty.
// timeout bounds each backend operation, zero disables the bound.
func New(factory backend.Factory, base backend.Config, bus pubsub.Bus, timeout time.Duration) *Broker {
	return &Broker{
		factory:       factory,
		base:          base,
		bus:           bus,
		timeout:       timeout,
		validate:      validator.New(),
		register:      make(chan *Port),
		unregister:    make(chan *Port),
		requests:      make(chan request),
		continuations: make(chan func()),
		done:          make(chan struct{}),
		ports:         make(map[*Port]struct{}),
		subs:          make(map[string]*subscription),
	}
}

// Run executes the broker loop until ctx is canceled. It must be called
// exactly once.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)
	b.runCtx = ctx

	if err := b.bus.Subscribe(ctx, SessionChanged.Name(), b.onSessionMessage); err != nil {
		return fmt.Errorf("subscribe to session topic: %w", err)
	}
	if err := b.bus.Subscribe(ctx, FeedEvents.Name(), b.onFeedMessage); err != nil {
		return fmt.Errorf("subscribe to feed topic: %w", err)
	}

	slog.Info("Broker running")
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case p := <-b.register:
			b.ports[p] = struct{}{}
			slog.Debug("Channel connected", "port_id", p.ID, "total", len(b.ports))
			b.deliver(p, Broadcast(KindReady, nil))
		case p := <-b.unregister:
			if _, ok := b.ports[p]; ok {
				close(p.send)
				delete(b.ports, p)
				slog.Debug("Channel disconnected", "port_id", p.ID, "total", len(b.ports))
			}
		case r := <-b.requests:
			b.handle(r)
		case fn := <-b.continuations:
			fn()
		}
	}
}

// Connect registers a new channel and returns its port. The first envelope
// on the port is always the ready broadcast.
func (b *Broker) Connect(ctx context.Context) (*Port, error) {
	p := &Port{ID: uuid.NewString(), send: make(chan Envelope, sendBuffer)}
	select {
	case b.register <- p:
		return p, nil
	case <-b.done:
		return nil, domain.ErrChannelLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect removes a channel. Safe to call for ports the broker has
// already evicted.
func (b *Broker) Disconnect(ctx context.Context, p *Port) {
	select {
	case b.unregister <- p:
	case <-b.done:
	case <-ctx.Done():
	}
}

// Submit hands one request to the loop. The reply arrives on the port's
// Receive channel, correlated by the request id.
func (b *Broker) Submit(ctx context.Context, p *Port, req Request) error {
	select {
	case b.requests <- request{port: p, req: req}:
		return nil
	case <-b.done:
		return domain.ErrChannelLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle dispatches one request. Everything here runs on the loop
// goroutine; anything that could block leaves through a spawned goroutine
// and returns via post.
func (b *Broker) handle(r request) {
	switch r.req.Kind {
	case KindInit:
		b.handleInit(r)
	case KindGetSession:
		b.handleGetSession(r)
	case KindAuthenticate:
		b.handleAuthenticate(r)
	case KindSignOut:
		b.handleSignOut(r)
	case KindQuery:
		b.handleQuery(r)
	case KindCall:
		b.handleCall(r)
	case KindSubscribe:
		b.handleSubscribe(r)
	case KindUnsubscribe:
		b.handleUnsubscribe(r)
	default:
		slog.Warn("Unknown message type", "kind", r.req.Kind, "port_id", r.port.ID)
		b.deliver(r.port, failure(r.req.ID, r.req.Kind, domain.ErrUnknownOperation))
	}
}

func (b *Broker) handleInit(r request) {
	var cfg backend.Config
	if len(r.req.Data) > 0 {
		if err := json.Unmarshal(r.req.Data, &cfg); err != nil {
			b.deliver(r.port, failure(r.req.ID, KindInit, fmt.Errorf("malformed payload: %w", err)))
			return
		}
	}
	// An omitted field falls back to the server's own backend settings.
	cfg = cfg.Merge(b.base)
	if err := b.validate.Struct(cfg); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindInit, fmt.Errorf("invalid payload: %w", err)))
		return
	}
	if b.client != nil {
		b.deliver(r.port, reply(r.req.ID, KindInit, nil))
		return
	}

	b.waitingInit = append(b.waitingInit, r)
	if b.initializing {
		return
	}
	b.initializing = true

	ctx := b.runCtx
	go func() {
		client, err := b.factory(ctx, cfg)
		b.post(func() { b.finishInit(client, err) })
	}()
}

// finishInit resolves every init request that arrived while the backend
// connection was being established.
func (b *Broker) finishInit(client backend.Client, err error) {
	b.initializing = false
	waiting := b.waitingInit
	b.waitingInit = nil

	if err != nil {
		slog.Error("Backend initialization failed", "error", err)
		for _, r := range waiting {
			b.deliver(r.port, failure(r.req.ID, KindInit, err))
		}
		return
	}

	b.client = client
	b.detachSession = client.OnSessionChange(func(s *domain.Session) {
		if err := pubsub.Publish(b.runCtx, b.bus, SessionChanged, s); err != nil {
			slog.Error("Could not publish session change", "error", err)
		}
	})
	slog.Info("Backend initialized")
	for _, r := range waiting {
		b.deliver(r.port, reply(r.req.ID, KindInit, nil))
	}
}

func (b *Broker) handleGetSession(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	ctx, cancel := b.opCtx()
	go func() {
		defer cancel()
		s, err := client.Session(ctx)
		b.post(func() { b.respond(r, KindGetSession, s, err) })
	}()
}

func (b *Broker) handleAuthenticate(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	var creds domain.Credentials
	if err := b.decode(r.req.Data, &creds); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindAuthenticate, err))
		return
	}
	ctx, cancel := b.opCtx()
	go func() {
		defer cancel()
		// The session-changed broadcast is driven by the client's own
		// session listener, never from here.
		s, err := client.SignIn(ctx, creds)
		b.post(func() { b.respond(r, KindAuthenticate, s, err) })
	}()
}

func (b *Broker) handleSignOut(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	ctx, cancel := b.opCtx()
	go func() {
		defer cancel()
		err := client.SignOut(ctx)
		b.post(func() { b.respond(r, KindSignOut, nil, err) })
	}()
}

func (b *Broker) handleQuery(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	var q QueryPayload
	if err := b.decode(r.req.Data, &q); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindQuery, err))
		return
	}
	ctx, cancel := b.opCtx()
	go func() {
		defer cancel()
		rows, err := client.Select(ctx, q.Table, q.Filter, q.Limit)
		b.post(func() { b.respond(r, KindQuery, rows, err) })
	}()
}

func (b *Broker) handleCall(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	var c CallPayload
	if err := b.decode(r.req.Data, &c); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindCall, err))
		return
	}
	ctx, cancel := b.opCtx()
	go func() {
		defer cancel()
		result, err := client.RPC(ctx, c.Procedure, c.Args)
		b.post(func() { b.respond(r, KindCall, result, err) })
	}()
}

func (b *Broker) handleSubscribe(r request) {
	client, ok := b.requireClient(r)
	if !ok {
		return
	}
	var p SubscribePayload
	if err := b.decode(r.req.Data, &p); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindSubscribe, err))
		return
	}
	if _, exists := b.subs[p.Key]; exists {
		b.deliver(r.port, failure(r.req.ID, KindSubscribe, fmt.Errorf("subscription key already in use: %q", p.Key)))
		return
	}

	// Reserve the key before the feed is established, so a concurrent
	// subscribe on the same key fails instead of racing.
	ctx, cancel := context.WithCancel(b.runCtx)
	sub := &subscription{query: p.Query, cancel: cancel}
	b.subs[p.Key] = sub

	key := p.Key
	go func() {
		err := client.Feed(ctx, key, p.Query, func(ctx context.Context, ev backend.FeedEvent) {
			rt := RealtimeEvent{Key: key, Action: ev.Action, Data: ev.Data}
			if err := pubsub.PublishKeyed(ctx, b.bus, FeedEvents, key, rt); err != nil {
				slog.Error("Could not publish feed event", "key", key, "error", err)
			}
		})
		b.post(func() {
			if err != nil {
				cancel()
				if b.subs[key] == sub {
					delete(b.subs, key)
				}
				b.deliver(r.port, failure(r.req.ID, KindSubscribe, err))
				return
			}
			b.deliver(r.port, reply(r.req.ID, KindSubscribe, nil))
		})
	}()
}

func (b *Broker) handleUnsubscribe(r request) {
	var p UnsubscribePayload
	if err := b.decode(r.req.Data, &p); err != nil {
		b.deliver(r.port, failure(r.req.ID, KindUnsubscribe, err))
		return
	}
	if sub, ok := b.subs[p.Key]; ok {
		sub.cancel()
		delete(b.subs, p.Key)
		slog.Debug("Subscription released", "key", p.Key)
	}
	// Unsubscribing an unknown key is a success, not an error.
	b.deliver(r.port, reply(r.req.ID, KindUnsubscribe, nil))
}

// onSessionMessage fans a session change out to every connected channel.
// Runs on the bus handler goroutine, so delivery is posted to the loop.
func (b *Broker) onSessionMessage(ctx context.Context, msg pubsub.Message) error {
	var s *domain.Session
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		return fmt.Errorf("decode session change: %w", err)
	}
	b.post(func() { b.deliverAll(Broadcast(KindSessionChanged, s)) })
	return nil
}

// onFeedMessage fans one feed event out to every connected channel, unless
// its subscription was released while the event was in flight.
func (b *Broker) onFeedMessage(ctx context.Context, msg pubsub.Message) error {
	var ev RealtimeEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("decode feed event: %w", err)
	}
	b.post(func() {
		if _, ok := b.subs[ev.Key]; !ok {
			return
		}
		b.deliverAll(Broadcast(KindRealtime, ev))
	})
	return nil
}

// post schedules fn on the loop goroutine.
func (b *Broker) post(fn func()) {
	select {
	case b.continuations <- fn:
	case <-b.done:
	}
}

// respond translates an operation result into a reply envelope.
func (b *Broker) respond(r request, kind string, data any, err error) {
	if err != nil {
		b.deliver(r.port, failure(r.req.ID, kind, err))
		return
	}
	b.deliver(r.port, reply(r.req.ID, kind, data))
}

// requireClient fails the request with ErrNotInitialized when no backend
// client exists yet.
func (b *Broker) requireClient(r request) (backend.Client, bool) {
	if b.client == nil {
		b.deliver(r.port, failure(r.req.ID, r.req.Kind, domain.ErrNotInitialized))
		return nil, false
	}
	return b.client, true
}

// deliver sends one envelope without blocking the loop. A port whose
// mailbox is full is evicted. Ports already evicted are skipped, which
// lets late continuations resolve harmlessly.
func (b *Broker) deliver(p *Port, env Envelope) {
	if _, ok := b.ports[p]; !ok {
		return
	}
	select {
	case p.send <- env:
	default:
		slog.Warn("Channel too slow, disconnecting", "port_id", p.ID)
		close(p.send)
		delete(b.ports, p)
	}
}

func (b *Broker) deliverAll(env Envelope) {
	for p := range b.ports {
		b.deliver(p, env)
	}
}

// decode unmarshals and validates a request payload in place.
func (b *Broker) decode(data json.RawMessage, dst any) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, dst); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
	}
	if err := b.validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// opCtx derives a context for one backend operation.
func (b *Broker) opCtx() (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(b.runCtx, b.timeout)
	}
	return context.WithCancel(b.runCtx)
}

// shutdown releases every subscription, port and the backend client. Runs
// on the loop goroutine as its final act.
func (b *Broker) shutdown() {
	if b.detachSession != nil {
		b.detachSession()
		b.detachSession = nil
	}
	for key, sub := range b.subs {
		sub.cancel()
		delete(b.subs, key)
	}
	for p := range b.ports {
		close(p.send)
		delete(b.ports, p)
	}
	if b.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := b.client.Close(ctx); err != nil {
			slog.Error("Could not close backend client", "error", err)
		}
		b.client = nil
	}
	slog.Info("Broker stopped")
}
