package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/blenny/internal/backend"
	"github.com/nfrund/blenny/internal/domain"
	"github.com/nfrund/blenny/internal/pubsub"
)

// fakeClient is an in-memory backend.Client with scriptable results.
type fakeClient struct {
	mu        sync.Mutex
	session   *domain.Session
	listeners map[int]func(*domain.Session)
	nextID    int
	feeds     map[string]backend.FeedHandler

	rows         []map[string]any
	selectErr    error
	rpcResult    any
	rpcErr       error
	signInErr    error
	feedErr      error
	sessionDelay time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		listeners: make(map[int]func(*domain.Session)),
		feeds:     make(map[string]backend.FeedHandler),
	}
}

func (f *fakeClient) Session(ctx context.Context) (*domain.Session, error) {
	if f.sessionDelay > 0 {
		select {
		case <-time.After(f.sessionDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeClient) SignIn(ctx context.Context, creds domain.Credentials) (*domain.Session, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	s := &domain.Session{Token: "tok-" + creds.Email, UserID: "user:1", Email: creds.Email}
	f.setSession(s)
	return s, nil
}

func (f *fakeClient) SignOut(ctx context.Context) error {
	f.setSession(nil)
	return nil
}

func (f *fakeClient) Select(ctx context.Context, table string, filter map[string]any, limit int) ([]map[string]any, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	if f.rows == nil {
		return []map[string]any{}, nil
	}
	return f.rows, nil
}

func (f *fakeClient) RPC(ctx context.Context, name string, args map[string]any) (any, error) {
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	return f.rpcResult, nil
}

func (f *fakeClient) Feed(ctx context.Context, key string, q backend.FeedQuery, handler backend.FeedHandler) error {
	if f.feedErr != nil {
		return f.feedErr
	}
	f.mu.Lock()
	f.feeds[key] = handler
	f.mu.Unlock()
	return nil
}

// emit pushes one event into the feed registered under key.
func (f *fakeClient) emit(key string, ev backend.FeedEvent) bool {
	f.mu.Lock()
	handler, ok := f.feeds[key]
	f.mu.Unlock()
	if !ok {
		return false
	}
	handler(context.Background(), ev)
	return true
}

func (f *fakeClient) OnSessionChange(fn func(*domain.Session)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeClient) Close(ctx context.Context) error { return nil }

func (f *fakeClient) setSession(s *domain.Session) {
	f.mu.Lock()
	f.session = s
	fns := make([]func(*domain.Session), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

type harness struct {
	t            *testing.T
	broker       *Broker
	client       *fakeClient
	factoryCalls atomic.Int64
}

func newHarness(t *testing.T) *harness {
	return newHarnessTimeout(t, time.Second)
}

func newHarnessTimeout(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, client: newFakeClient()}
	factory := func(ctx context.Context, cfg backend.Config) (backend.Client, error) {
		h.factoryCalls.Add(1)
		return h.client, nil
	}
	h.broker = startBroker(t, factory, timeout)
	return h
}

func startBroker(t *testing.T, factory backend.Factory, timeout time.Duration) *Broker {
	t.Helper()
	bus := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bus.Close() })

	base := backend.Config{URL: "ws://localhost:8000/rpc", Namespace: "test", Database: "test", Access: "account"}
	b := New(factory, base, bus, timeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

// connect registers a port and consumes its ready broadcast.
func (h *harness) connect() *Port {
	h.t.Helper()
	p, err := h.broker.Connect(context.Background())
	require.NoError(h.t, err)
	env := h.recv(p)
	require.Equal(h.t, KindReady, env.Kind)
	return p
}

func (h *harness) submit(p *Port, id, kind string, payload any) {
	h.t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(h.t, err)
		data = raw
	}
	require.NoError(h.t, h.broker.Submit(context.Background(), p, Request{ID: id, Kind: kind, Data: data}))
}

func (h *harness) recv(p *Port) Envelope {
	h.t.Helper()
	select {
	case env, ok := <-p.Receive():
		require.True(h.t, ok, "port closed while waiting for envelope")
		return env
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

// recvKind skips envelopes until one of the wanted kind arrives. Replies
// and broadcasts interleave, so targeted assertions go through here.
func (h *harness) recvKind(p *Port, kind string) Envelope {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-p.Receive():
			require.True(h.t, ok, "port closed while waiting for %s", kind)
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s envelope", kind)
		}
	}
}

// drain collects everything delivered within d.
func (h *harness) drain(p *Port, d time.Duration) []Envelope {
	var out []Envelope
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-p.Receive():
			if !ok {
				return out
			}
			out = append(out, env)
		case <-timer.C:
			return out
		}
	}
}

func (h *harness) initBroker(p *Port) {
	h.t.Helper()
	h.submit(p, "init-1", KindInit, nil)
	env := h.recvKind(p, KindInit)
	require.True(h.t, env.OK, "init failed: %s", env.Error)
}

func countKind(envs []Envelope, kind string) int {
	n := 0
	for _, env := range envs {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func TestConnectDeliversReadyFirst(t *testing.T) {
	h := newHarness(t)

	p, err := h.broker.Connect(context.Background())
	require.NoError(t, err)

	env := h.recv(p)
	assert.Equal(t, KindReady, env.Kind)
	assert.True(t, env.OK)
	assert.Empty(t, env.ID)
}

func TestOperationsBeforeInitFail(t *testing.T) {
	h := newHarness(t)
	p := h.connect()

	for _, kind := range []string{KindGetSession, KindAuthenticate, KindSignOut, KindQuery, KindCall, KindSubscribe} {
		t.Run(kind, func(t *testing.T) {
			h.submit(p, "req-"+kind, kind, nil)
			env := h.recvKind(p, kind)
			assert.False(t, env.OK)
			assert.Equal(t, "req-"+kind, env.ID)
			assert.Equal(t, domain.ErrNotInitialized.Error(), env.Error)
		})
	}

	t.Run("unsubscribe still succeeds", func(t *testing.T) {
		h.submit(p, "req-unsub", KindUnsubscribe, UnsubscribePayload{Key: "never"})
		env := h.recvKind(p, KindUnsubscribe)
		assert.True(t, env.OK)
	})
}

func TestInitThenGetSessionReturnsNil(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "s1", KindGetSession, nil)
	env := h.recvKind(p, KindGetSession)
	require.True(t, env.OK)
	assert.Nil(t, env.Data)
}

func TestInitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "init-2", KindInit, nil)
	env := h.recvKind(p, KindInit)
	assert.True(t, env.OK)
	assert.EqualValues(t, 1, h.factoryCalls.Load())
}

func TestConcurrentInitsShareOneConnection(t *testing.T) {
	block := make(chan struct{})
	client := newFakeClient()
	factory := func(ctx context.Context, cfg backend.Config) (backend.Client, error) {
		<-block
		return client, nil
	}
	b := startBroker(t, factory, time.Second)
	h := &harness{t: t, broker: b, client: client}

	p1 := h.connect()
	p2 := h.connect()
	h.submit(p1, "a", KindInit, nil)
	h.submit(p2, "b", KindInit, nil)
	close(block)

	assert.True(t, h.recvKind(p1, KindInit).OK)
	assert.True(t, h.recvKind(p2, KindInit).OK)
}

func TestInitFailureIsRetryable(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	client := newFakeClient()
	factory := func(ctx context.Context, cfg backend.Config) (backend.Client, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return client, nil
	}
	b := startBroker(t, factory, time.Second)
	h := &harness{t: t, broker: b, client: client}
	p := h.connect()

	h.submit(p, "i1", KindInit, nil)
	env := h.recvKind(p, KindInit)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "connection refused")

	fail.Store(false)
	h.submit(p, "i2", KindInit, nil)
	assert.True(t, h.recvKind(p, KindInit).OK)
}

func TestAuthenticateBroadcastsToEveryChannelOnce(t *testing.T) {
	h := newHarness(t)
	pA := h.connect()
	pB := h.connect()
	h.initBroker(pA)

	h.submit(pA, "auth-1", KindAuthenticate, domain.Credentials{Email: "dora@example.com", Password: "secret"})

	envsA := h.drain(pA, 500*time.Millisecond)
	envsB := h.drain(pB, 500*time.Millisecond)

	// The requester gets its reply, every channel gets exactly one
	// session-changed broadcast, and nobody gets a second one.
	require.Equal(t, 1, countKind(envsA, KindAuthenticate))
	assert.Equal(t, 1, countKind(envsA, KindSessionChanged))
	assert.Equal(t, 1, countKind(envsB, KindSessionChanged))
	assert.Equal(t, 0, countKind(envsB, KindAuthenticate))

	for _, env := range envsA {
		if env.Kind != KindAuthenticate {
			continue
		}
		require.True(t, env.OK, "authenticate failed: %s", env.Error)
		assert.Equal(t, "auth-1", env.ID)
		sess, ok := env.Data.(*domain.Session)
		require.True(t, ok)
		assert.Equal(t, "dora@example.com", sess.Email)
	}
	for _, env := range envsB {
		if env.Kind != KindSessionChanged {
			continue
		}
		assert.True(t, env.OK)
		assert.Empty(t, env.ID)
	}
}

func TestAuthenticateRejectionLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)
	h.client.signInErr = &backend.RejectedError{Msg: "invalid credentials"}

	h.submit(p, "auth-bad", KindAuthenticate, domain.Credentials{Email: "dora@example.com", Password: "nope"})
	env := h.recvKind(p, KindAuthenticate)
	assert.False(t, env.OK)
	assert.Equal(t, "invalid credentials", env.Error)

	h.submit(p, "s1", KindGetSession, nil)
	got := h.recvKind(p, KindGetSession)
	require.True(t, got.OK)
	assert.Nil(t, got.Data)

	assert.Equal(t, 0, countKind(h.drain(p, 200*time.Millisecond), KindSessionChanged))
}

func TestSignOutBroadcastsNilSession(t *testing.T) {
	h := newHarness(t)
	pA := h.connect()
	pB := h.connect()
	h.initBroker(pA)

	h.submit(pA, "auth", KindAuthenticate, domain.Credentials{Email: "dora@example.com", Password: "secret"})
	require.True(t, h.recvKind(pA, KindAuthenticate).OK)
	h.recvKind(pB, KindSessionChanged)

	h.submit(pA, "out", KindSignOut, nil)
	assert.True(t, h.recvKind(pA, KindSignOut).OK)

	changed := h.recvKind(pB, KindSessionChanged)
	assert.Nil(t, changed.Data)
}

func TestQueryEmptyResultIsEmptySlice(t *testing.T) {
	h := newHarness(t)
	p := h.connect()

	h.submit(p, "q0", KindQuery, QueryPayload{Table: "profile"})
	env := h.recvKind(p, KindQuery)
	assert.False(t, env.OK)
	assert.Equal(t, domain.ErrNotInitialized.Error(), env.Error)

	h.initBroker(p)
	h.submit(p, "q1", KindQuery, QueryPayload{Table: "profile"})
	env = h.recvKind(p, KindQuery)
	require.True(t, env.OK)
	rows, ok := env.Data.([]map[string]any)
	require.True(t, ok)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestQueryReturnsRows(t *testing.T) {
	h := newHarness(t)
	h.client.rows = []map[string]any{
		{"id": "profile:1", "username": "dora"},
		{"id": "profile:2", "username": "boots"},
	}
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "q1", KindQuery, QueryPayload{Table: "profile", Limit: 10})
	env := h.recvKind(p, KindQuery)
	require.True(t, env.OK)
	rows, ok := env.Data.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, "dora", rows[0]["username"])
}

func TestQuerySurfacesRemoteRejection(t *testing.T) {
	h := newHarness(t)
	h.client.selectErr = &backend.RejectedError{Msg: "Access to table denied"}
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "q1", KindQuery, QueryPayload{Table: "secrets"})
	env := h.recvKind(p, KindQuery)
	assert.False(t, env.OK)
	assert.Equal(t, "Access to table denied", env.Error)
}

func TestCallReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.client.rpcResult = map[string]any{"updated": true}
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "c1", KindCall, CallPayload{Procedure: "update_profile", Args: map[string]any{"bio": "explorer"}})
	env := h.recvKind(p, KindCall)
	require.True(t, env.OK)
	assert.Equal(t, map[string]any{"updated": true}, env.Data)
}

func TestUnknownKindFails(t *testing.T) {
	h := newHarness(t)
	p := h.connect()

	h.submit(p, "x1", "mystery", nil)
	env := h.recvKind(p, "mystery")
	assert.False(t, env.OK)
	assert.Equal(t, "Unknown message type", env.Error)
	assert.Equal(t, "x1", env.ID)
}

func TestSubscribeFansOutToEveryChannel(t *testing.T) {
	h := newHarness(t)
	pA := h.connect()
	pB := h.connect()
	h.initBroker(pA)

	h.submit(pA, "sub-1", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	require.True(t, h.recvKind(pA, KindSubscribe).OK)

	require.True(t, h.client.emit("profiles", backend.FeedEvent{Action: "create", Data: map[string]any{"id": "profile:1"}}))

	for _, p := range []*Port{pA, pB} {
		env := h.recvKind(p, KindRealtime)
		require.True(t, env.OK)
		ev, ok := env.Data.(RealtimeEvent)
		require.True(t, ok)
		assert.Equal(t, "profiles", ev.Key)
		assert.Equal(t, "create", ev.Action)
	}
}

func TestSubscribeReplyGoesOnlyToRequester(t *testing.T) {
	h := newHarness(t)
	pA := h.connect()
	pB := h.connect()
	h.initBroker(pA)

	h.submit(pA, "sub-1", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	require.True(t, h.recvKind(pA, KindSubscribe).OK)

	for _, env := range h.drain(pB, 300*time.Millisecond) {
		assert.NotEqual(t, KindSubscribe, env.Kind, "reply leaked to another channel")
		assert.Empty(t, env.ID)
	}
}

func TestDuplicateSubscribeFails(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "sub-1", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	require.True(t, h.recvKind(p, KindSubscribe).OK)

	h.submit(p, "sub-2", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	env := h.recvKind(p, KindSubscribe)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "already in use")
}

func TestSubscribeFailureFreesTheKey(t *testing.T) {
	h := newHarness(t)
	h.client.feedErr = errors.New("unknown table")
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "sub-1", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "nope"}})
	env := h.recvKind(p, KindSubscribe)
	assert.False(t, env.OK)

	h.client.feedErr = nil
	h.submit(p, "sub-2", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	assert.True(t, h.recvKind(p, KindSubscribe).OK)
}

func TestUnsubscribeIsIdempotentAndStopsEvents(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "u0", KindUnsubscribe, UnsubscribePayload{Key: "never-subscribed"})
	assert.True(t, h.recvKind(p, KindUnsubscribe).OK)

	h.submit(p, "sub", KindSubscribe, SubscribePayload{Key: "profiles", Query: backend.FeedQuery{Table: "profile"}})
	require.True(t, h.recvKind(p, KindSubscribe).OK)

	h.submit(p, "u1", KindUnsubscribe, UnsubscribePayload{Key: "profiles"})
	assert.True(t, h.recvKind(p, KindUnsubscribe).OK)
	h.submit(p, "u2", KindUnsubscribe, UnsubscribePayload{Key: "profiles"})
	assert.True(t, h.recvKind(p, KindUnsubscribe).OK)

	// Events from a released feed are no longer fanned out.
	h.client.emit("profiles", backend.FeedEvent{Action: "update", Data: map[string]any{"id": "profile:1"}})
	assert.Equal(t, 0, countKind(h.drain(p, 300*time.Millisecond), KindRealtime))
}

func TestSlowChannelIsEvicted(t *testing.T) {
	h := newHarness(t)
	p := h.connect()
	h.initBroker(p)

	// Overflow the port's mailbox without reading it.
	for i := 0; i < sendBuffer+8; i++ {
		h.client.setSession(&domain.Session{Token: fmt.Sprintf("tok-%d", i)})
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := <-p.Receive(); !ok {
			return
		}
	}
	t.Fatal("slow port was never evicted")
}

func TestBackendOperationTimesOut(t *testing.T) {
	h := newHarnessTimeout(t, 50*time.Millisecond)
	h.client.sessionDelay = time.Second
	p := h.connect()
	h.initBroker(p)

	h.submit(p, "s1", KindGetSession, nil)
	env := h.recvKind(p, KindGetSession)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "context deadline exceeded")
}

func TestSubmitAfterShutdownReportsChannelLost(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bus.Close() })
	client := newFakeClient()
	factory := func(ctx context.Context, cfg backend.Config) (backend.Client, error) { return client, nil }
	b := New(factory, backend.Config{URL: "ws://localhost:8000/rpc", Namespace: "t", Database: "t"}, bus, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	p, err := b.Connect(context.Background())
	require.NoError(t, err)

	cancel()
	<-done

	err = b.Submit(context.Background(), p, Request{ID: "x", Kind: KindGetSession})
	assert.ErrorIs(t, err, domain.ErrChannelLost)

	_, err = b.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrChannelLost)
}
