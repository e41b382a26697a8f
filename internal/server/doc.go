// Package server implements the filter relay: a WebSocket endpoint that
// rebroadcasts every valid JSON message a client sends to all other
// connected clients.
//
// The implementation is organized into specialized files for configuration,
// the connection registry, the relay sessions, the WebSocket client adapter,
// routing and HTTP handlers.
package server
