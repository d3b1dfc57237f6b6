// Package rpcerr defines the sentinel error kinds shared by the client and
// server halves of the runtime. Transport failures inside a read/write loop
// are never surfaced through these — they become state flags that cancel
// pending work (see the client and server session state machines); these
// sentinels cover setup-time and call-time failures only.
package rpcerr

import "errors"

var (
	// ErrHandshakeFailed is returned when the TLS or WebSocket upgrade is
	// rejected or times out.
	ErrHandshakeFailed = errors.New("gridrpc: handshake failed")

	// ErrNotConnected is returned when an operation is attempted without a
	// live session.
	ErrNotConnected = errors.New("gridrpc: not connected")

	// ErrQueueFull is returned when the response cache or the server's
	// pending-broadcast count has reached its configured bound. The call
	// aborts without touching the wire. A send refused by a full write
	// queue is reported as ErrTimedOut instead.
	ErrQueueFull = errors.New("gridrpc: queue full")

	// ErrTimedOut is returned when a send or response deadline expires,
	// and also when a queued send is refused or dropped before it reaches
	// the wire (write queue full, session closing, write error).
	ErrTimedOut = errors.New("gridrpc: timed out")

	// ErrRemoteClosed names the state reached once the peer has sent a
	// close frame. No call in this module returns it: operations on such a
	// session fail with ErrNotConnected.
	ErrRemoteClosed = errors.New("gridrpc: remote closed")

	// ErrInvalidHeader is returned when fewer than 16 bytes were available
	// where an IoHeader was expected.
	ErrInvalidHeader = errors.New("gridrpc: invalid header")

	// ErrHandlerExists is returned by Bind when the call id is already bound.
	ErrHandlerExists = errors.New("gridrpc: handler already bound")

	// ErrInvalidState is returned when an operation is invalid for the
	// current lifecycle state (e.g. ListenBroadcast while connected, Bind
	// while the server is running).
	ErrInvalidState = errors.New("gridrpc: invalid state")

	// ErrCallIDOutOfRange is returned when a call id is outside
	// [0, MaxCallID).
	ErrCallIDOutOfRange = errors.New("gridrpc: call id out of range")
)
