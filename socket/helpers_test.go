package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/socket/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func tokenAuth(valid string) Authenticator {
	return func(token string) error {
		if token != valid {
			return errors.New("invalid token")
		}
		return nil
	}
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	debug.ConfigureTests()
	srv := NewServer(opts...)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		hs.Close()
	})
	return srv, hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"
}

func pollingTransport(hs *httptest.Server) *transport.LongPollingTransport {
	return transport.NewLongPollingTransport(hs.URL+"/socket", transport.WithPollInterval(10*time.Millisecond))
}

// memTransport is an in-memory Transport that acknowledges handshakes itself.
type memTransport struct {
	mu         sync.Mutex
	connectErr error
	reject     string
	gate       chan struct{}
	connects   int
	inbound    chan []byte
	errs       chan error
	sent       []Message
}

func newMemTransport() *memTransport {
	return &memTransport{}
}

func (m *memTransport) Mode() transport.Mode { return transport.ModeWebSocket }

func (m *memTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.inbound = make(chan []byte, 16)
	m.errs = make(chan error, 1)
	return nil
}

func (m *memTransport) Send(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	// gate holds every frame but the handshake.
	if m.gate != nil && msg.Event != EventConnect {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if msg.Event == EventConnect {
		var reply []byte
		if m.reject != "" {
			reply, _ = Encode(EventConnectError, ErrorPayload{Message: m.reject})
		} else {
			reply, _ = Encode(EventConnect, ConnectAck{SID: "sid-mem"})
		}
		m.inbound <- reply
	}
	return nil
}

func (m *memTransport) Receive() ([]byte, error) {
	m.mu.Lock()
	inbound, errs := m.inbound, m.errs
	m.mu.Unlock()
	select {
	case data := <-inbound:
		return data, nil
	case err := <-errs:
		return nil, err
	}
}

func (m *memTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errs != nil {
		select {
		case m.errs <- errors.New("closed"):
		default:
		}
	}
	return nil
}

func (m *memTransport) push(t *testing.T, event Event, data interface{}) {
	t.Helper()
	frame, err := Encode(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound <- frame
}

func (m *memTransport) drop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs <- err
}

func (m *memTransport) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *memTransport) sentEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Event)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	data   []json.RawMessage
}

func (r *recorder) record(event Event, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.data = append(r.data, data)
}

func (r *recorder) count(event Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) last(event Event) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == event {
			return r.data[i]
		}
	}
	return nil
}
