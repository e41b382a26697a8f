// Package server adapts gorilla/websocket connections to the relay's Conn
// contract, handling keepalive, write serialization and read-error
// classification for each client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// Client is one accepted WebSocket connection.
type Client struct {
	conn           *websocket.Conn
	id             uuid.UUID
	addr           string
	logger         *slog.Logger
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewClient wraps conn, applies the read limit and keepalive settings from
// cfg and starts the ping loop when keepalive is enabled.
func NewClient(conn *websocket.Conn, addr string, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:           conn,
		id:             uuid.New(),
		addr:           addr,
		logger:         logger,
		maxMessageSize: cfg.MaxMessageSize,
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeTimeout:   cfg.WriteTimeout,
		done:           make(chan struct{}),
	}

	if conn != nil {
		// A zero limit leaves gorilla's reader unbounded.
		conn.SetReadLimit(cfg.MaxMessageSize)
		c.setupReadConnection()
		if c.pingInterval > 0 {
			go c.keepalive()
		}
	}
	return c
}

// ID returns the connection identity.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Addr returns the remote address the connection was accepted from.
func (c *Client) Addr() string {
	return c.addr
}

// setupReadConnection configures read deadlines and the pong handler. With
// keepalive disabled the connection has no read deadline at all.
func (c *Client) setupReadConnection() {
	if c.pingInterval <= 0 {
		return
	}

	window := c.pingInterval + c.pongTimeout
	if err := c.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		c.logger.Warn("error setting initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "addr", c.addr, "error", err)
		}
		return nil
	})
}

// keepalive pings the peer until the client is closed or a ping fails. A
// missing pong surfaces on the read side as a deadline error.
func (c *Client) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pongTimeout)
			if c.writeTimeout > 0 {
				deadline = time.Now().Add(c.writeTimeout)
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !isClosedConnError(err) {
					c.logger.Debug("error writing ping", "addr", c.addr, "error", err)
				}
				return
			}
		}
	}
}

// Receive reads the next frame. Cancellation of ctx (relay shutdown) and
// every peer-side close end the sequence with ErrConnectionClosed.
func (c *Client) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, classifyReadError(err, c.addr, c.maxMessageSize)
	}
	return Frame{Type: messageType, Payload: payload}, nil
}

// classifyReadError maps a gorilla read error onto the relay's sentinels.
func classifyReadError(err error, addr string, limit int64) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %s sent more than %d bytes", ErrMessageTooLarge, addr, limit)
	}

	// Any close frame, including error codes, ends the session normally.
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		isClosedConnError(err) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: keepalive timeout: %w", ErrConnectionClosed, err)
	}

	return fmt.Errorf("websocket read from %s: %w", addr, err)
}

// Send writes frame to the peer. Writes are serialized because a gorilla
// connection supports a single concurrent writer; the write deadline comes
// from ctx. A failed write leaves the gorilla connection unusable, so the
// client is closed and its own session ends on the next Receive.
func (c *Client) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("send to %s: %w", c.addr, ErrConnectionClosed)
	default:
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.closeAfterWriteError(err)
		return fmt.Errorf("set write deadline for %s: %w", c.addr, err)
	}

	messageType := frame.Type
	if messageType == 0 {
		messageType = websocket.TextMessage
	}
	if err := c.conn.WriteMessage(messageType, frame.Payload); err != nil {
		c.closeAfterWriteError(err)
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	return nil
}

func (c *Client) closeAfterWriteError(err error) {
	c.logger.Debug("closing client after failed write", "addr", c.addr, "error", err)
	if closeErr := c.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		c.logger.Debug("error closing client", "addr", c.addr, "error", closeErr)
	}
}

// Close sends a best-effort close frame and releases the socket. It is safe
// to call more than once and from any goroutine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil {
			if !isClosedConnError(err) {
				c.logger.Debug("error writing close message", "addr", c.addr, "error", err)
			}
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
