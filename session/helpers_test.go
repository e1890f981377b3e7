package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/socket"
	"github.com/kleeedolinux/livesession/socket/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "http://events.test"
	cfg.MinConnectInterval = 5 * time.Millisecond
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.JoinTimeout = 200 * time.Millisecond
	return cfg
}

type emitted struct {
	event socket.Event
	data  json.RawMessage
}

type handlerEntry struct {
	id uint64
	fn socket.Handler
}

type anyEntry struct {
	id uint64
	fn socket.AnyHandler
}

// fakeConn mimics socket.Client: Connect emits connect, Close emits a client disconnect.
type fakeConn struct {
	mu         sync.Mutex
	token      string
	connectErr error
	block      chan struct{}
	connected  bool
	closed     bool
	nextID     uint64
	handlers   map[socket.Event][]handlerEntry
	any        []anyEntry
	sent       []emitted
	onEmit     func(c *fakeConn, event socket.Event, data json.RawMessage)
}

func (c *fakeConn) Connect(ctx context.Context) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	if c.connectErr != nil {
		c.mu.Unlock()
		return c.connectErr
	}
	c.connected = true
	c.mu.Unlock()
	c.push(socket.EventConnect, socket.ConnectAck{SID: "sid"})
	return nil
}

func (c *fakeConn) Emit(event socket.Event, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return socket.ErrConnectionClosed
	}
	c.sent = append(c.sent, emitted{event, raw})
	hook := c.onEmit
	c.mu.Unlock()
	if hook != nil {
		hook(c, event, raw)
	}
	return nil
}

func (c *fakeConn) On(event socket.Event, fn socket.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[socket.Event][]handlerEntry)
	}
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id, fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := c.handlers[event][:0:0]
		for _, h := range c.handlers[event] {
			if h.id != id {
				kept = append(kept, h)
			}
		}
		c.handlers[event] = kept
	}
}

func (c *fakeConn) OnAny(fn socket.AnyHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.any = append(c.any, anyEntry{id, fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := c.any[:0:0]
		for _, h := range c.any {
			if h.id != id {
				kept = append(kept, h)
			}
		}
		c.any = kept
	}
}

func (c *fakeConn) Mode() transport.Mode { return transport.ModeWebSocket }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	c.closed = true
	c.mu.Unlock()
	if was {
		c.push(socket.EventDisconnect, socket.ReasonClientDisconnect)
	}
	return nil
}

// push delivers an inbound event the way the receive loop would.
func (c *fakeConn) push(event socket.Event, data interface{}) {
	raw, _ := json.Marshal(data)
	c.mu.Lock()
	handlers := append([]handlerEntry(nil), c.handlers[event]...)
	anys := append([]anyEntry(nil), c.any...)
	c.mu.Unlock()
	for _, h := range handlers {
		h.fn(raw)
	}
	for _, h := range anys {
		h.fn(event, raw)
	}
}

// drop simulates a lost transport.
func (c *fakeConn) drop(reason string) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.push(socket.EventDisconnect, reason)
}

// reconnected simulates native reconnection on the same handle.
func (c *fakeConn) reconnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.push(socket.EventConnect, socket.ConnectAck{SID: "sid2"})
}

func (c *fakeConn) sentEvents(event socket.Event) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, e := range c.sent {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

func (c *fakeConn) listeners(event socket.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// autoAck acknowledges every join request for the requested room.
func autoAck(c *fakeConn, event socket.Event, data json.RawMessage) {
	if event != EventJoinRoom {
		return
	}
	var req JoinRequest
	_ = json.Unmarshal(data, &req)
	go c.push(EventJoined, JoinAck{Room: req.Room, BookingID: req.BookingID})
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	setup func(n int, c *fakeConn)
}

func (d *fakeDialer) Dial(_ Config, token func() string) (Conn, error) {
	c := &fakeConn{token: token(), onEmit: autoAck}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	n := len(d.conns)
	setup := d.setup
	d.mu.Unlock()
	if setup != nil {
		setup(n, c)
	}
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type toast struct {
	message string
	kind    ToastKind
}

type toastSink struct {
	mu     sync.Mutex
	toasts []toast
}

func (s *toastSink) AddToast(message string, kind ToastKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toasts = append(s.toasts, toast{message, kind})
}

func (s *toastSink) all() []toast {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]toast(nil), s.toasts...)
}

func newTestSession(t *testing.T, cfg Config, d *fakeDialer, opts ...Option) (*Session, *toastSink) {
	t.Helper()
	debug.ConfigureTests()
	sink := &toastSink{}
	opts = append([]Option{WithDialer(d.Dial), WithNotifier(sink)}, opts...)
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, sink
}

// connected returns a Session already connected with token "tok".
func connected(t *testing.T, cfg Config) (*Session, *fakeDialer, *toastSink) {
	t.Helper()
	d := &fakeDialer{}
	s, sink := newTestSession(t, cfg, d)
	s.SetAuth(AuthState{Token: "tok", IsAuthenticated: true})
	if got := s.State(); got != Connected {
		t.Fatalf("state = %v, want connected", got)
	}
	return s, d, sink
}
