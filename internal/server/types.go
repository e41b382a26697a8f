// Package server defines the frame type, peer contracts and sentinel errors
// shared by the registry, the relay and the WebSocket transport.
package server

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed marks the normal end of a receive sequence: the
	// peer closed the socket, cleanly or abruptly.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrMessageTooLarge is returned by Receive when a frame exceeds the
	// configured read limit.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMalformedMessage is logged for inbound payloads that are not valid JSON.
	ErrMalformedMessage = errors.New("malformed JSON message")

	// ErrRelayClosed is returned by Serve once the relay is shutting down.
	ErrRelayClosed = errors.New("relay is shut down")
)

// Frame is a single WebSocket message. Type carries the opcode
// (websocket.TextMessage or websocket.BinaryMessage) so relayed frames keep
// the sender's framing.
type Frame struct {
	Type    int
	Payload []byte
}

// Peer is a registered connection as seen by the registry and the fan-out.
type Peer interface {
	ID() uuid.UUID
	Addr() string
	Send(ctx context.Context, frame Frame) error
	Close() error
}

// Conn is a Peer whose session is driven by the relay.
type Conn interface {
	Peer

	// Receive blocks for the next inbound frame. The sequence ends with an
	// error wrapping ErrConnectionClosed when the peer goes away.
	Receive(ctx context.Context) (Frame, error)
}

// isClosedConnError reports whether err only says the socket is already
// gone. Such errors are routine while a connection is being torn down.
func isClosedConnError(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	default:
		return false
	}
}
