package broker

import (
	"encoding/json"

	"github.com/nfrund/blenny/internal/backend"
)

// Operation kinds a channel may submit. The names are part of the wire
// contract shared with every connected channel.
const (
	KindInit         = "init"
	KindGetSession   = "getSession"
	KindAuthenticate = "authenticate"
	KindSignOut      = "signOut"
	KindQuery        = "query"
	KindCall         = "call"
	KindSubscribe    = "subscribe"
	KindUnsubscribe  = "unsubscribe"
)

// Broadcast kinds the broker pushes without a correlating request.
const (
	KindReady          = "ready"
	KindSessionChanged = "session-changed"
	KindRealtime       = "realtime"
	KindError          = "error"
)

// Request is one message submitted by a channel. Data holds the
// kind-specific payload, still encoded.
type Request struct {
	ID   string          `json:"id,omitempty"`
	Kind string          `json:"kind" validate:"required"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is one message delivered to a channel: a reply when ID is set,
// a broadcast otherwise. Kind mirrors the request kind on replies.
type Envelope struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// QueryPayload selects rows from one table.
type QueryPayload struct {
	Table  string         `json:"table" validate:"required"`
	Filter map[string]any `json:"filter,omitempty"`
	Limit  int            `json:"limit,omitempty" validate:"gte=0"`
}

// CallPayload invokes a named remote procedure.
type CallPayload struct {
	Procedure string         `json:"procedure" validate:"required"`
	Args      map[string]any `json:"args,omitempty"`
}

// SubscribePayload opens a change feed under a caller-chosen key.
type SubscribePayload struct {
	Key   string            `json:"key" validate:"required"`
	Query backend.FeedQuery `json:"query"`
}

// UnsubscribePayload releases the feed registered under Key.
type UnsubscribePayload struct {
	Key string `json:"key" validate:"required"`
}

// RealtimeEvent is the data of a realtime broadcast: one change from the
// feed registered under Key.
type RealtimeEvent struct {
	Key    string `json:"key"`
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

func reply(id, kind string, data any) Envelope {
	return Envelope{ID: id, Kind: kind, OK: true, Data: data}
}

func failure(id, kind string, err error) Envelope {
	return Envelope{ID: id, Kind: kind, OK: false, Error: err.Error()}
}

// Broadcast builds an unsolicited envelope. Exported so the worker proxy
// and gateway can emit their own with the same shape.
func Broadcast(kind string, data any) Envelope {
	return Envelope{Kind: kind, OK: true, Data: data}
}

// Failure builds an error reply for the given request id and kind.
func Failure(id, kind string, err error) Envelope {
	return failure(id, kind, err)
}

// Reply builds a success reply for the given request id and kind.
func Reply(id, kind string, data any) Envelope {
	return reply(id, kind, data)
}
