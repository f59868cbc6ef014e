// Package worker implements the per-connection proxy between a foreground
// adapter and the shared broker. The proxy runs a single goroutine that
// queues broker-bound requests until the broker signals ready, rewrites
// correlation ids so concurrent requests never collide, answers local
// record and image operations itself, and reports every internal failure
// as an error broadcast instead of dying.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nfrund/blenny/internal/broker"
	"github.com/nfrund/blenny/internal/domain"
)

// Request kinds handled by the proxy itself. Anything else passes through
// to the shared broker unchanged.
const (
	KindFetchRecord  = "fetch-record"
	KindUpdateRecord = "update-record"
	KindProcessImage = "process-image"
	KindEncodeRecord = "encode-record"
	KindDecodeRecord = "decode-record"
)

// Success kinds, one per proxy request kind.
const (
	KindRecordFetched  = "record-fetched"
	KindRecordUpdated  = "record-updated"
	KindImageProcessed = "image-processed"
	KindRecordEncoded  = "record-encoded"
	KindRecordDecoded  = "record-decoded"
)

// outBuffer is the adapter-facing mailbox depth.
const outBuffer = 256

// DefaultTimeout bounds each broker-bound request. The broker side has no
// expiry of its own, so the proxy enforces one.
const DefaultTimeout = 15 * time.Second

var errRequestTimeout = errors.New("request timed out")

// Conduit is the proxy's link to the shared broker.
type Conduit interface {
	Submit(ctx context.Context, req broker.Request) error
	Receive() <-chan broker.Envelope
}

// ErrorInfo is the data of an error broadcast.
type ErrorInfo struct {
	Message string `json:"message"`
}

// pendingCall tracks one broker-bound request awaiting its response.
type pendingCall struct {
	adapterID string
	kind      string
	deadline  time.Time
	// complete, when set, consumes the response on the proxy goroutine
	// instead of forwarding it. Used by multi-step operations.
	complete func(broker.Envelope)
}

// Proxy is one connection's worker. Construct with New, run exactly one
// Run loop, submit with Submit and read results from Messages.
type Proxy struct {
	conduit  Conduit
	timeout  time.Duration
	validate *validator.Validate

	submissions chan broker.Request
	out         chan broker.Envelope
	done        chan struct{}

	// Loop-owned state.
	ready    bool
	lost     bool
	queue    []broker.Request
	inFlight map[string]*pendingCall
}

// New builds a proxy over conduit. timeout bounds each broker-bound
// request; zero disables expiry.
func New(conduit Conduit, timeout time.Duration) *Proxy {
	return &Proxy{
		conduit:     conduit,
		timeout:     timeout,
		validate:    validator.New(),
		submissions: make(chan broker.Request),
		out:         make(chan broker.Envelope, outBuffer),
		done:        make(chan struct{}),
		inFlight:    make(map[string]*pendingCall),
	}
}

// Messages exposes envelopes addressed to the adapter: replies, success
// events and forwarded broadcasts. Closed when Run returns.
func (w *Proxy) Messages() <-chan broker.Envelope { return w.out }

// Submit hands one adapter request to the proxy goroutine.
func (w *Proxy) Submit(ctx context.Context, req broker.Request) error {
	select {
	case w.submissions <- req:
		return nil
	case <-w.done:
		return domain.ErrChannelLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the proxy loop until ctx is canceled.
func (w *Proxy) Run(ctx context.Context) error {
	defer close(w.done)
	defer close(w.out)

	ticker := time.NewTicker(w.sweepInterval())
	defer ticker.Stop()

	in := w.conduit.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.submissions:
			w.handleRequest(ctx, req)
		case env, ok := <-in:
			if !ok {
				in = nil
				w.handleChannelLost(ctx)
				continue
			}
			w.handleEnvelope(ctx, env)
		case now := <-ticker.C:
			w.expire(ctx, now)
		}
	}
}

func (w *Proxy) sweepInterval() time.Duration {
	if w.timeout > 0 && w.timeout/4 < 500*time.Millisecond {
		return w.timeout / 4
	}
	return 500 * time.Millisecond
}

// handleRequest routes one adapter request. Local operations run
// immediately; broker-bound ones wait for the ready broadcast.
func (w *Proxy) handleRequest(ctx context.Context, req broker.Request) {
	defer w.trap(ctx)

	switch req.Kind {
	case KindEncodeRecord, KindDecodeRecord, KindProcessImage:
		w.handleLocal(ctx, req)
	default:
		if !w.ready {
			w.queue = append(w.queue, req)
			return
		}
		w.dispatchBrokerBound(ctx, req)
	}
}

func (w *Proxy) dispatchBrokerBound(ctx context.Context, req broker.Request) {
	switch req.Kind {
	case KindFetchRecord:
		w.handleFetchRecord(ctx, req)
	case KindUpdateRecord:
		w.handleUpdateRecord(ctx, req)
	default:
		w.forward(ctx, req, nil)
	}
}

// handleEnvelope routes one envelope arriving from the broker.
func (w *Proxy) handleEnvelope(ctx context.Context, env broker.Envelope) {
	defer w.trap(ctx)

	if env.ID == "" {
		if env.Kind == broker.KindReady && !w.ready {
			w.ready = true
			queued := w.queue
			w.queue = nil
			w.emit(ctx, env)
			slog.Debug("Broker ready, draining queue", "queued", len(queued))
			for _, req := range queued {
				w.dispatchBrokerBound(ctx, req)
			}
			return
		}
		// session-changed, realtime and error pass through unfiltered.
		w.emit(ctx, env)
		return
	}

	pending, ok := w.inFlight[env.ID]
	if !ok {
		slog.Debug("Dropping response with unknown id", "id", env.ID, "kind", env.Kind)
		return
	}
	delete(w.inFlight, env.ID)

	if pending.complete != nil {
		pending.complete(env)
		return
	}
	env.ID = pending.adapterID
	w.emit(ctx, env)
}

// forward sends req to the broker under a fresh correlation id. With a nil
// complete the response is relayed to the adapter under its original id.
func (w *Proxy) forward(ctx context.Context, req broker.Request, complete func(broker.Envelope)) {
	fail := func(err error) {
		env := broker.Failure(req.ID, req.Kind, err)
		if complete != nil {
			complete(env)
			return
		}
		w.emit(ctx, env)
	}

	if w.lost {
		fail(domain.ErrChannelLost)
		return
	}

	id := uuid.NewString()
	pending := &pendingCall{adapterID: req.ID, kind: req.Kind, complete: complete}
	if w.timeout > 0 {
		pending.deadline = time.Now().Add(w.timeout)
	}
	w.inFlight[id] = pending

	if err := w.conduit.Submit(ctx, broker.Request{ID: id, Kind: req.Kind, Data: req.Data}); err != nil {
		delete(w.inFlight, id)
		fail(err)
	}
}

// handleChannelLost fails everything in flight and tells the adapter. The
// proxy keeps serving local operations afterwards.
func (w *Proxy) handleChannelLost(ctx context.Context) {
	w.lost = true
	slog.Warn("Broker channel lost", "in_flight", len(w.inFlight))

	for id, pending := range w.inFlight {
		delete(w.inFlight, id)
		env := broker.Failure(id, pending.kind, domain.ErrChannelLost)
		if pending.complete != nil {
			pending.complete(env)
			continue
		}
		env.ID = pending.adapterID
		w.emit(ctx, env)
	}
	for _, req := range w.queue {
		w.emit(ctx, broker.Failure(req.ID, req.Kind, domain.ErrChannelLost))
	}
	w.queue = nil

	w.emit(ctx, broker.Broadcast(broker.KindError, ErrorInfo{Message: domain.ErrChannelLost.Error()}))
}

// expire fails in-flight requests past their deadline.
func (w *Proxy) expire(ctx context.Context, now time.Time) {
	if w.timeout <= 0 {
		return
	}
	for id, pending := range w.inFlight {
		if pending.deadline.IsZero() || now.Before(pending.deadline) {
			continue
		}
		delete(w.inFlight, id)
		slog.Warn("Request timed out", "kind", pending.kind, "id", id)
		env := broker.Failure(id, pending.kind, errRequestTimeout)
		if pending.complete != nil {
			pending.complete(env)
			continue
		}
		env.ID = pending.adapterID
		w.emit(ctx, env)
	}
}

// emit delivers one envelope to the adapter.
func (w *Proxy) emit(ctx context.Context, env broker.Envelope) {
	select {
	case w.out <- env:
	case <-ctx.Done():
	}
}

// trap converts a panic in one operation into an error broadcast, keeping
// the proxy alive.
func (w *Proxy) trap(ctx context.Context) {
	if r := recover(); r != nil {
		slog.Error("Worker operation panicked", "panic", r)
		w.emit(ctx, broker.Broadcast(broker.KindError, ErrorInfo{Message: fmt.Sprint(r)}))
	}
}
