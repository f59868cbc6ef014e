package domain

import "errors"

// Sentinel errors for the domain layer. These provide consistent, checkable
// errors for the failure modes every broker and worker operation can surface.
var (
	// ErrNotInitialized is returned when an operation requires a live
	// backend client and init has not completed.
	ErrNotInitialized = errors.New("broker not initialized")

	// ErrUnauthenticated is returned when an operation requires a Session
	// and none is present.
	ErrUnauthenticated = errors.New("no active session")

	// ErrRemoteRejected marks a refusal by the remote backend. Concrete
	// errors carry the backend's own message and match this sentinel via
	// errors.Is.
	ErrRemoteRejected = errors.New("remote backend rejected the operation")

	// ErrMalformedBuffer is returned when a binary record buffer fails its
	// structural checks during decode.
	ErrMalformedBuffer = errors.New("malformed record buffer")

	// ErrUnknownOperation is returned for an unrecognized request kind.
	// The string is part of the wire contract and must stay verbatim.
	ErrUnknownOperation = errors.New("Unknown message type")

	// ErrChannelLost signals that a channel was torn down. Best-effort
	// only; there is no recovery action attached to it.
	ErrChannelLost = errors.New("channel lost")
)
