// Package transport defines the contract between a room and its live
// socket session. The room never inspects wire bytes; a transport client
// decodes the platform's framing and surfaces structured frames.
package transport

import "context"

// Frame is one decoded platform event.
type Frame struct {
	// Name is the platform's event name for the frame ("DANMU_MSG",
	// "EnterRoomAck", ...).
	Name string
	// Data is the decoded payload, platform-defined.
	Data any
	// Raw is the undecoded frame body, kept for archival subscribers.
	Raw []byte
}

// Handlers receive session events. All callbacks for one client fire from
// a single goroutine, in the order the transport produced them; reordering
// within a session would corrupt the room's message stream.
type Handlers struct {
	// OnOpen fires once the session handshake completed.
	OnOpen func()
	// OnClose fires when the session ends for any reason other than an
	// application-initiated Close.
	OnClose func(err error)
	// OnFrame fires per decoded frame.
	OnFrame func(f Frame)
}

// Client is one live session. A client is single-use: Open at most once,
// and after Close returns no handler fires again.
type Client interface {
	// Open establishes the session. It returns once the session is up;
	// frames are delivered in the background until Close or a transport
	// failure.
	Open(ctx context.Context) error
	// Close terminates the session. Idempotent.
	Close() error
}
