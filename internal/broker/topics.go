package broker

import (
	"github.com/nfrund/blenny/internal/domain"
	"github.com/nfrund/blenny/internal/pubsub"
)

// Internal bus topics. The broker is the only subscriber; publishers are
// the backend session listener and the per-subscription feed handlers.
var (
	// SessionChanged carries every session replacement, nil on sign-out.
	SessionChanged = pubsub.NewEvent[*domain.Session]("broker.session.changed")

	// FeedEvents carries one change per message, keyed by subscription key.
	FeedEvents = pubsub.NewEvent[RealtimeEvent]("broker.feed.event")
)
