// Package server drives per-connection relay sessions and fans valid JSON
// messages out to every other registered peer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Delivery is the outcome of one fan-out.
type Delivery struct {
	Recipients int
	Failed     map[uuid.UUID]error
}

// Delivered returns the number of recipients whose send completed.
func (d Delivery) Delivered() int {
	return d.Recipients - len(d.Failed)
}

// Err joins the per-recipient failures, or returns nil if every send succeeded.
func (d Delivery) Err() error {
	if len(d.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(d.Failed))
	for id, err := range d.Failed {
		errs = append(errs, fmt.Errorf("client %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Relay runs one session per accepted connection against a shared Registry.
type Relay struct {
	registry     *Registry
	logger       *slog.Logger
	writeTimeout time.Duration
	fanoutLimit  int

	ctx    context.Context
	cancel context.CancelFunc
	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithLogger sets the logger used for session and fan-out events.
func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithWriteTimeout bounds every individual send. Zero means no bound.
func WithWriteTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.writeTimeout = d
	}
}

// WithFanoutLimit caps the number of sends in flight for one broadcast.
// Zero means one goroutine per recipient.
func WithFanoutLimit(n int) RelayOption {
	return func(r *Relay) {
		r.fanoutLimit = n
	}
}

// NewRelay creates a Relay that registers sessions in registry.
func NewRelay(registry *Registry, opts ...RelayOption) *Relay {
	if registry == nil {
		registry = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		registry:     registry,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry this relay mutates.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Serve drives conn's session until its receive sequence ends. The
// connection is registered for exactly the lifetime of the call and is
// closed on return. A peer going away is a normal exit and yields nil.
func (r *Relay) Serve(conn Conn) (err error) {
	if conn == nil {
		return errors.New("relay: nil connection")
	}
	if !r.begin() {
		r.closePeer(conn)
		return ErrRelayClosed
	}
	defer r.wg.Done()

	r.registry.Register(conn)
	r.logger.Info("client connected",
		"client", conn.ID(), "addr", conn.Addr(), "clients", r.registry.Len())

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered from panic in session",
				"client", conn.ID(), "addr", conn.Addr(), "panic", rec)
			err = fmt.Errorf("session %s: panic: %v", conn.ID(), rec)
		}
		r.registry.Unregister(conn)
		r.closePeer(conn)
		r.logger.Info("client disconnected",
			"client", conn.ID(), "addr", conn.Addr(), "clients", r.registry.Len())
	}()

	// Shutdown may have taken its snapshot before this session registered.
	if r.ctx.Err() != nil {
		return nil
	}

	for {
		frame, readErr := conn.Receive(r.ctx)
		if readErr != nil {
			if errors.Is(readErr, ErrConnectionClosed) {
				r.logger.Debug("receive sequence ended", "client", conn.ID(), "reason", readErr)
				return nil
			}
			r.logger.Warn("receive failed", "client", conn.ID(), "addr", conn.Addr(), "error", readErr)
			return readErr
		}
		r.handleFrame(conn, frame)
	}
}

func (r *Relay) handleFrame(sender Conn, frame Frame) {
	r.logger.Debug("received message",
		"client", sender.ID(), "message", string(frame.Payload))

	if err := validateJSON(frame.Payload); err != nil {
		r.ignoreAndLog(sender, "discarding message", err)
		return
	}
	r.Broadcast(r.ctx, sender, frame)
}

// validateJSON parses payload and throws the result away; only the raw
// bytes are ever relayed.
func validateJSON(payload []byte) error {
	var discarded any
	if err := json.Unmarshal(payload, &discarded); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}

// Broadcast sends frame unchanged to every registered peer except sender.
// Sends are started concurrently and Broadcast returns once all of them have
// finished. A failing recipient is logged and reported in the Delivery; it
// does not affect the others or the registry.
func (r *Relay) Broadcast(ctx context.Context, sender Peer, frame Frame) Delivery {
	recipients := r.registry.Others(sender)
	if len(recipients) == 0 {
		return Delivery{}
	}

	from := "relay"
	if sender != nil {
		from = sender.ID().String()
	}
	r.logger.Debug("broadcasting message", "client", from, "recipients", len(recipients))

	errs := make([]error, len(recipients))
	var g errgroup.Group
	if r.fanoutLimit > 0 {
		g.SetLimit(r.fanoutLimit)
	}
	for i, peer := range recipients {
		g.Go(func() error {
			errs[i] = r.deliver(ctx, peer, frame)
			return nil
		})
	}
	_ = g.Wait()

	delivery := Delivery{Recipients: len(recipients)}
	for i, err := range errs {
		if err == nil {
			continue
		}
		if delivery.Failed == nil {
			delivery.Failed = make(map[uuid.UUID]error)
		}
		delivery.Failed[recipients[i].ID()] = err
		r.ignoreAndLog(recipients[i], "dropping message for unreachable client", err)
	}
	return delivery
}

func (r *Relay) deliver(ctx context.Context, peer Peer, frame Frame) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()

	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	return peer.Send(ctx, frame)
}

// ignoreAndLog is the relay's policy for recoverable per-message faults:
// the event is logged and otherwise dropped. Clients are never told.
func (r *Relay) ignoreAndLog(peer Peer, event string, err error) {
	r.logger.Warn(event,
		"policy", "ignore-and-log",
		"client", peer.ID(),
		"addr", peer.Addr(),
		"error", err)
}

func (r *Relay) begin() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Relay) closePeer(peer Peer) {
	if err := peer.Close(); err != nil && !isClosedConnError(err) {
		r.logger.Warn("error closing connection", "client", peer.ID(), "error", err)
	}
}

// Shutdown stops accepting sessions, closes every registered connection and
// waits for the running sessions to finish or for ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mutex.Lock()
	alreadyClosed := r.closed
	r.closed = true
	r.mutex.Unlock()

	if !alreadyClosed {
		r.logger.Info("shutting down all client connections")
		r.cancel()

		peers := r.registry.Snapshot()
		for _, peer := range peers {
			r.closePeer(peer)
		}
		r.logger.Info("closed client connections", "count", len(peers))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("relay shutdown completed")
		return nil
	case <-ctx.Done():
		r.logger.Warn("relay shutdown timed out, some sessions may still be running")
		return ctx.Err()
	}
}
