package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/blenny/internal/broker"
)

// newTestServer builds a fully wired server against environment defaults.
// No database needs to be reachable, the backend connects lazily.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("SURREAL_URL", "ws://localhost:8000/rpc")
	t.Setenv("SURREAL_NS", "blenny")
	t.Setenv("SURREAL_DB", "main")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("PUBSUB_TRACING_ENABLED", "false")
	t.Setenv("LOG_FORMAT", "text")

	s, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func TestServerComesUpWithoutBackend(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.E.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestChannelRouteSpeaksTheProtocol(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.E)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// The first frame on any channel is the ready broadcast.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ready broker.Envelope
	require.NoError(t, json.Unmarshal(data, &ready))
	assert.Equal(t, broker.KindReady, ready.Kind)
	assert.True(t, ready.OK)

	// Unknown kinds are answered without touching the backend.
	req, err := json.Marshal(broker.Request{ID: "1", Kind: "mystery"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, req))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var reply broker.Envelope
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "mystery", reply.Kind)
	assert.False(t, reply.OK)
	assert.Equal(t, "Unknown message type", reply.Error)
}

func TestStoreIsRootedInDataDir(t *testing.T) {
	s := newTestServer(t)

	ctx := context.Background()
	require.NoError(t, s.Store().Set(ctx, "probe", "value"))
	got, ok, err := s.Store().Get(ctx, "probe")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", got)
}
