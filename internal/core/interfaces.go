package core

import "time"

// Frame is one serialized wire message.
type Frame []byte

// SignalConnection abstracts the signaling transport to one remote
// process. Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues a frame without blocking; ErrBackpressure when the
	// peer's send buffer is full.
	TrySend(Frame) error
	Close()
	IsClosed() bool
}

// Clock supplies timestamps so registry and broker state is testable.
type Clock func() time.Time
