package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/socket/transport"
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// AnyHandler receives every event the client delivers, lifecycle events included.
type AnyHandler func(event Event, data json.RawMessage)

type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
	Mode() transport.Mode
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type anyEntry struct {
	id uint64
	fn AnyHandler
}

// Client is one authenticated connection to the event service. Handlers run on the receive
// goroutine, in registration order, one event at a time; they must not block.
type Client struct {
	mu     sync.RWMutex
	dialMu sync.Mutex

	id         string
	sid        string
	transports []Transport
	conn       Transport
	mode       transport.Mode
	token      func() string

	handlers    map[Event][]handlerEntry
	anyHandlers []anyEntry
	nextID      uint64

	connected  bool
	sendCh     chan []byte
	connCancel context.CancelFunc

	handshakeTimeout  time.Duration
	reconnectDelay    time.Duration
	reconnectAttempts int
	sendBuffer        int

	log zerolog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
}

type ClientOption func(*Client)

// WithFallbackTransports appends transports tried, in order, when the primary fails to connect.
func WithFallbackTransports(ts ...Transport) ClientOption {
	return func(c *Client) {
		c.transports = append(c.transports, ts...)
	}
}

// WithToken sets the bearer token source read at every handshake.
func WithToken(token func() string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// WithReconnectAttempts bounds native reconnection after a drop. 0 disables it, negative
// values retry until Close.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.reconnectAttempts = attempts
	}
}

// WithSendBuffer sets how many frames Emit may queue ahead of the transport. Past it Emit fails
// with ErrSendBufferFull.
func WithSendBuffer(n int) ClientOption {
	return func(c *Client) {
		c.sendBuffer = n
	}
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

func NewClient(primary Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		id:                generateID(),
		transports:        []Transport{primary},
		token:             func() string { return "" },
		handlers:          make(map[Event][]handlerEntry),
		handshakeTimeout:  10 * time.Second,
		reconnectDelay:    1 * time.Second,
		reconnectAttempts: 5,
		sendBuffer:        100,
		log:               debug.Logger("socket.client"),
		ctx:               ctx,
		cancelFunc:        cancel,
	}

	for _, opt := range opts {
		opt(client)
	}
	client.log = client.log.With().Str("client", client.id).Logger()

	return client
}

func (c *Client) ID() string {
	return c.id
}

// SID returns the session id the server assigned at the last handshake.
func (c *Client) SID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// Mode returns the transport mode of the last successful connection.
func (c *Client) Mode() transport.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Connect opens the first transport that completes the handshake and emits EventConnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.ctx.Err() != nil
	connected := c.connected
	c.mu.RUnlock()

	if closed {
		return ErrConnectionClosed
	}
	if connected {
		return nil
	}

	ack, err := c.open(ctx)
	if err != nil {
		return err
	}
	c.triggerEvent(EventConnect, mustRaw(ack))
	return nil
}

func (c *Client) open(ctx context.Context) (ConnectAck, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	var errs []error
	for _, t := range c.transports {
		ack, err := c.handshake(ctx, t)
		if err == nil {
			if err := c.activate(t, ack); err != nil {
				return ConnectAck{}, err
			}
			return ack, nil
		}
		c.log.Debug().Err(err).Str("mode", string(t.Mode())).Msg("transport failed")
		errs = append(errs, fmt.Errorf("%s: %w", t.Mode(), err))
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return ConnectAck{}, ErrNoTransport
	}
	return ConnectAck{}, errors.Join(errs...)
}

func (c *Client) handshake(ctx context.Context, t Transport) (ConnectAck, error) {
	var ack ConnectAck

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	if err := t.Connect(hctx); err != nil {
		return ack, err
	}

	frame, err := Encode(EventConnect, Handshake{Token: c.token()})
	if err != nil {
		t.Close()
		return ack, err
	}
	if err := t.Send(frame); err != nil {
		t.Close()
		return ack, err
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := t.Receive()
		ch <- result{data, err}
	}()

	select {
	case <-hctx.Done():
		t.Close()
		if ctx.Err() != nil {
			return ack, ctx.Err()
		}
		return ack, fmt.Errorf("handshake: %w", ErrTimeout)
	case r := <-ch:
		if r.err != nil {
			t.Close()
			return ack, r.err
		}
		msg, err := Decode(r.data)
		if err != nil {
			t.Close()
			return ack, err
		}
		switch msg.Event {
		case EventConnect:
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &ack); err != nil {
					t.Close()
					return ack, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
				}
			}
			return ack, nil
		case EventConnectError:
			var p ErrorPayload
			_ = json.Unmarshal(msg.Data, &p)
			t.Close()
			return ack, fmt.Errorf("%w: %s", ErrUnauthorized, p.Message)
		default:
			t.Close()
			return ack, fmt.Errorf("%w: %q before handshake ack", ErrInvalidMessage, msg.Event)
		}
	}
}

func (c *Client) activate(t Transport, ack ConnectAck) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		t.Close()
		return ErrConnectionClosed
	}

	connCtx, cancel := context.WithCancel(c.ctx)
	sendCh := make(chan []byte, c.sendBuffer)

	c.conn = t
	c.sid = ack.SID
	c.mode = t.Mode()
	c.connected = true
	c.connCancel = cancel
	c.sendCh = sendCh
	c.mu.Unlock()

	c.log.Info().Str("mode", string(t.Mode())).Str("sid", ack.SID).Msg("connected")

	go c.sendLoop(connCtx, t, sendCh)
	go c.receiveLoop(connCtx, t)
	return nil
}

func (c *Client) sendLoop(ctx context.Context, t Transport, sendCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendCh:
			if err := t.Send(data); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Debug().Err(err).Msg("send failed")
				c.handleDisconnect(t, ReasonTransportError)
				return
			}
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context, t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("receive failed")
			c.handleDisconnect(t, disconnectReason(err))
			return
		}

		msg, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			c.triggerEvent(EventError, mustRaw(ErrorPayload{Message: err.Error()}))
			continue
		}

		if msg.Event == EventDisconnect {
			c.handleDisconnect(t, ReasonServerDisconnect)
			return
		}

		c.triggerEvent(msg.Event, msg.Data)
	}
}

func disconnectReason(err error) string {
	if transport.IsCloseError(err) || errors.Is(err, transport.ErrSessionGone) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}

func (c *Client) handleDisconnect(t Transport, reason string) {
	c.mu.Lock()
	if !c.connected || c.conn != t {
		c.mu.Unlock()
		return
	}

	c.connected = false
	c.conn = nil
	c.connCancel()
	reconnect := c.reconnectAttempts != 0 && reason != ReasonServerDisconnect && c.ctx.Err() == nil
	c.mu.Unlock()

	t.Close()
	c.log.Info().Str("reason", reason).Bool("reconnect", reconnect).Msg("disconnected")
	c.triggerEvent(EventDisconnect, mustRaw(reason))

	if reconnect {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	attempts := 0

	for c.reconnectAttempts < 0 || attempts < c.reconnectAttempts {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}

		attempts++
		ack, err := c.open(c.ctx)
		if err == nil {
			c.log.Info().Int("attempt", attempts).Msg("reconnected")
			c.triggerEvent(EventConnect, mustRaw(ack))
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		c.log.Debug().Err(err).Int("attempt", attempts).Msg("reconnect failed")
		c.triggerEvent(EventConnectError, mustRaw(ErrorPayload{Message: err.Error()}))
	}

	c.log.Warn().Int("attempts", attempts).Msg("reconnect attempts exhausted")
}

// Emit queues an event for the active transport.
func (c *Client) Emit(event Event, data interface{}) error {
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// On registers handler for event and returns the function that removes exactly this
// registration. The returned function is idempotent.
func (c *Client) On(event Event, handler Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.removeHandler(event, id) })
	}
}

// OnAny registers handler for every delivered event.
func (c *Client) OnAny(handler AnyHandler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.anyHandlers = append(c.anyHandlers, anyEntry{id: id, fn: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			kept := make([]anyEntry, 0, len(c.anyHandlers))
			for _, h := range c.anyHandlers {
				if h.id != id {
					kept = append(kept, h)
				}
			}
			c.anyHandlers = kept
		})
	}
}

// Off drops every handler registered for event.
func (c *Client) Off(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.handlers, event)
}

// ListenerCount reports how many handlers are registered for event.
func (c *Client) ListenerCount(event Event) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[event])
}

func (c *Client) removeHandler(event Event, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.handlers[event]
	kept := make([]handlerEntry, 0, len(current))
	for _, h := range current {
		if h.id != id {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = kept
}

// triggerEvent runs handlers synchronously. Slices are replaced, never mutated, so the
// snapshot stays valid while handlers register or remove others.
func (c *Client) triggerEvent(event Event, data json.RawMessage) {
	c.mu.RLock()
	handlers := c.handlers[event]
	anyHandlers := c.anyHandlers
	c.mu.RUnlock()

	for _, h := range handlers {
		h.fn(data)
	}
	for _, h := range anyHandlers {
		h.fn(event, data)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Close tears the connection down for good and stops native reconnection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}

	c.cancelFunc()
	wasConnected := c.connected
	t := c.conn
	c.connected = false
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	if wasConnected {
		c.triggerEvent(EventDisconnect, mustRaw(ReasonClientDisconnect))
	}
	return err
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
