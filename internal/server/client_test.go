package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifyReadError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantClosed bool
		wantLimit  bool
	}{
		{"read limit", websocket.ErrReadLimit, false, true},
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, true, false},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true, false},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}, true, false},
		{"protocol error close", &websocket.CloseError{Code: websocket.CloseProtocolError}, true, false},
		{"EOF", io.EOF, true, false},
		{"closed listener", fmt.Errorf("read tcp: %w", net.ErrClosed), true, false},
		{"broken pipe", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.EPIPE)}, true, false},
		{"connection reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true, false},
		{"close sent", websocket.ErrCloseSent, true, false},
		{"keepalive timeout", &net.OpError{Op: "read", Err: timeoutError{}}, true, false},
		{"unexpected", errors.New("websocket: bad opcode 7"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyReadError(tt.err, "127.0.0.1:9999", 512)
			if closed := errors.Is(got, ErrConnectionClosed); closed != tt.wantClosed {
				t.Errorf("errors.Is(%v, ErrConnectionClosed) = %v, want %v", got, closed, tt.wantClosed)
			}
			if limit := errors.Is(got, ErrMessageTooLarge); limit != tt.wantLimit {
				t.Errorf("errors.Is(%v, ErrMessageTooLarge) = %v, want %v", got, limit, tt.wantLimit)
			}
			if !errors.Is(got, tt.err) && !tt.wantLimit {
				t.Errorf("classified error %v does not wrap %v", got, tt.err)
			}
		})
	}
}

// dialClientPair returns a server-side Client and the dialing test connection.
func dialClientPair(t *testing.T, cfg Config) (*Client, *websocket.Conn) {
	t.Helper()

	clients := make(chan *Client, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		clients <- NewClient(conn, r.RemoteAddr, cfg, slog.New(slog.DiscardHandler))
	}))
	t.Cleanup(ts.Close)

	peer, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case c := <-clients:
		t.Cleanup(func() { _ = c.Close() })
		return c, peer
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func TestClientSendAndReceive(t *testing.T) {
	cfg := *NewConfig()
	client, peer := dialClientPair(t, cfg)

	if err := peer.WriteMessage(websocket.BinaryMessage, []byte(`{"filter":"red"}`)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	frame, err := client.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() = %v", err)
	}
	if frame.Type != websocket.BinaryMessage || string(frame.Payload) != `{"filter":"red"}` {
		t.Errorf("Receive() = %d %q, want binary frame with the raw payload", frame.Type, frame.Payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Send(ctx, Frame{Payload: []byte(`{"filter":"blue"}`)}); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	messageType, payload, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if messageType != websocket.TextMessage || string(payload) != `{"filter":"blue"}` {
		t.Errorf("peer got %d %q, want text frame", messageType, payload)
	}
}

func TestClientReceiveAfterPeerClose(t *testing.T) {
	client, peer := dialClientPair(t, *NewConfig())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := peer.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Fatalf("peer close: %v", err)
	}

	_, err := client.Receive(context.Background())
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive() = %v, want ErrConnectionClosed", err)
	}
}

func TestClientReceiveReadLimit(t *testing.T) {
	cfg := *NewConfig()
	cfg.MaxMessageSize = 16
	client, peer := dialClientPair(t, cfg)

	if err := peer.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	_, err := client.Receive(context.Background())
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("Receive() = %v, want ErrMessageTooLarge", err)
	}
}

func TestClientReceiveCancelled(t *testing.T) {
	client, _ := dialClientPair(t, *NewConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Receive(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive() = %v, want ErrConnectionClosed", err)
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	client, peer := dialClientPair(t, *NewConfig())

	first := client.Close()
	second := client.Close()
	if second != first {
		t.Errorf("second Close() = %v, want %v", second, first)
	}

	if err := client.Send(context.Background(), Frame{Payload: []byte(`{}`)}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after Close = %v, want ErrConnectionClosed", err)
	}

	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := peer.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("peer read = %v, want normal closure", err)
	}
}

func TestClientFailedWriteClosesClient(t *testing.T) {
	client, _ := dialClientPair(t, *NewConfig())

	// Break the socket underneath gorilla so the next write fails.
	_ = client.conn.UnderlyingConn().Close()

	if err := client.Send(context.Background(), Frame{Payload: []byte(`{"filter":"lost"}`)}); err == nil {
		t.Fatal("Send() on a broken socket succeeded")
	}
	if err := client.Send(context.Background(), Frame{Payload: []byte(`{}`)}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after failed write = %v, want ErrConnectionClosed", err)
	}
	if _, err := client.Receive(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Receive() after failed write = %v, want ErrConnectionClosed", err)
	}
}

func TestClientKeepalive(t *testing.T) {
	cfg := *NewConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 100 * time.Millisecond
	_, peer := dialClientPair(t, cfg)

	pings := make(chan struct{}, 8)
	peer.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	// Control frames are only processed while the peer is reading.
	go func() {
		for {
			if _, _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping received")
	}
}

func TestClientKeepaliveTimeout(t *testing.T) {
	cfg := *NewConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 30 * time.Millisecond
	client, _ := dialClientPair(t, cfg)

	// The peer never reads, so it never answers pings.
	done := make(chan error, 1)
	go func() {
		_, err := client.Receive(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Receive() = %v, want ErrConnectionClosed after missed pongs", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive() did not time out without pongs")
	}
}
