package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
)

// WebSocketTransport is the client side of a websocket connection. Send and Receive may run on
// different goroutines; only one of each at a time.
type WebSocketTransport struct {
	url     string
	dialer  websocket.Dialer
	headers http.Header
	log     zerolog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.headers = headers
	}
}

// WithReadTimeout bounds the silence tolerated between frames. Server pings reset it.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithDialTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer.HandshakeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialer.EnableCompression = enabled
	}
}

func WithWebSocketLogger(l zerolog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.log = l
	}
}

func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:          url,
		dialer:       *websocket.DefaultDialer,
		headers:      make(http.Header),
		log:          debug.Logger("transport.ws"),
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
	}
	t.dialer.HandshakeTimeout = 10 * time.Second
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WebSocketTransport) Mode() Mode {
	return ModeWebSocket
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.log.Debug().Str("url", t.url).Msg("dialing")
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.log.Debug().Err(err).Msg("dial failed")
		return err
	}

	conn.SetPingHandler(t.pong(conn))
	t.conn = conn
	t.log.Debug().Msg("connected")
	return nil
}

// pong answers server pings and pushes the read deadline forward.
func (t *WebSocketTransport) pong(conn *websocket.Conn) func(string) error {
	return func(appData string) error {
		if t.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	}
}

func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errNotConnected
	}
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	t.log.Trace().Bytes("frame", frame).Msg("send")
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.log.Debug().Err(err).Msg("send failed")
		return err
	}
	return nil
}

func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil, errNotConnected
	}
	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, err
		}
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.log.Debug().Err(err).Msg("read failed")
		return nil, err
	}
	t.log.Trace().Bytes("frame", frame).Msg("recv")
	return frame, nil
}

// Close sends a normal close frame and drops the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.log.Debug().Err(err).Msg("close frame failed")
	}
	return conn.Close()
}

// IsCloseError reports whether err is the peer closing the socket rather than a network failure.
func IsCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
