package core

import "errors"

// Protocol error taxonomy. Every one of these is recovered locally; the
// broker never terminates because of a single bad client.
var (
	// ErrAlreadyRegistered: role re-assignment attempt, connection keeps
	// its original role.
	ErrAlreadyRegistered = errors.New("role already assigned")

	// ErrTargetNotFound: a select or targeted relay addressed an unknown
	// or disconnected connection.
	ErrTargetNotFound = errors.New("target not found")

	// ErrStaleConnection: operation against an already-removed
	// connection; ignored internally, never fatal.
	ErrStaleConnection = errors.New("stale connection")

	// ErrMalformedMessage: unparseable frame or missing required field.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrBackpressure: a peer's send buffer is full; that single relay
	// attempt is dropped.
	ErrBackpressure = errors.New("backpressure")
)
