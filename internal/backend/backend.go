// Package backend wraps the remote data service behind the small capability
// surface the broker owns: session lookup, credential exchange, tabular
// query, remote procedure call, and cancellable change feeds.
package backend

import (
	"context"

	"github.com/nfrund/blenny/internal/domain"
)

// Config identifies the remote endpoint a client connects to. It doubles as
// the payload of the broker's init operation, so fields carry both json and
// validation tags.
type Config struct {
	URL       string `json:"url" validate:"required,url"`
	Namespace string `json:"namespace" validate:"required"`
	Database  string `json:"database" validate:"required"`
	// Access names the record-access method used for credential exchange.
	Access string `json:"access,omitempty"`
}

// Merge fills any empty field from the fallback configuration.
func (c Config) Merge(fallback Config) Config {
	if c.URL == "" {
		c.URL = fallback.URL
	}
	if c.Namespace == "" {
		c.Namespace = fallback.Namespace
	}
	if c.Database == "" {
		c.Database = fallback.Database
	}
	if c.Access == "" {
		c.Access = fallback.Access
	}
	return c
}

// FeedQuery describes a change feed over one table.
type FeedQuery struct {
	Table string `json:"table" validate:"required"`
	// Where is an optional raw condition appended to the feed query; values
	// belong in Params, never inline.
	Where  string         `json:"where,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// FeedEvent is one change produced by a feed.
type FeedEvent struct {
	Action string `json:"action"` // create, update or delete
	Data   any    `json:"data"`
}

// FeedHandler consumes feed events. Handlers run on the feed's own
// goroutine in delivery order and must not block indefinitely.
type FeedHandler func(ctx context.Context, ev FeedEvent)

// Client is the opaque remote-backend capability. Exactly one Client is
// live per broker; all methods are safe for concurrent use.
type Client interface {
	// Session returns the current session snapshot, nil when signed out.
	Session(ctx context.Context) (*domain.Session, error)

	// SignIn exchanges credentials for a new session. A refusal by the
	// remote service is reported as an error matching
	// domain.ErrRemoteRejected and carrying the service's message.
	SignIn(ctx context.Context, creds domain.Credentials) (*domain.Session, error)

	// SignOut invalidates the current session locally and remotely.
	SignOut(ctx context.Context) error

	// Select reads rows from one table. A nil filter selects everything;
	// limit <= 0 means no limit. An empty result is a valid empty slice.
	Select(ctx context.Context, table string, filter map[string]any, limit int) ([]map[string]any, error)

	// RPC invokes a named remote procedure with the given arguments.
	RPC(ctx context.Context, name string, args map[string]any) (any, error)

	// Feed opens a change feed and returns once it is established. Events
	// are delivered to handler until ctx is canceled, which also releases
	// the remote feed.
	Feed(ctx context.Context, key string, q FeedQuery, handler FeedHandler) error

	// OnSessionChange registers a listener invoked with every session
	// replacement (nil on sign-out). The returned function removes it.
	OnSessionChange(fn func(*domain.Session)) func()

	Close(ctx context.Context) error
}

// Factory constructs a Client on demand. The broker holds a Factory rather
// than a Client so that no connection exists before init.
type Factory func(ctx context.Context, cfg Config) (Client, error)
