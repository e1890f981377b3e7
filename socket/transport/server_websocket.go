package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
)

type WebSocketServerConfig struct {
	WriteTimeout time.Duration
	// ReadTimeout is the longest silence tolerated from the client; each pong extends it.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// BufferSize is the number of frames queued before a slow client is dropped.
	BufferSize int
	Log        *zerolog.Logger
}

func DefaultWebSocketServerConfig() WebSocketServerConfig {
	return WebSocketServerConfig{
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		BufferSize:   100,
	}
}

// WebSocketServerTransport owns one upgraded connection. A single writer goroutine sends queued
// frames and keepalive pings; Read is called from the socket's read loop.
type WebSocketServerTransport struct {
	id   string
	conn *websocket.Conn
	cfg  WebSocketServerConfig
	log  zerolog.Logger

	queue   chan []byte
	done    chan struct{}
	writer  sync.WaitGroup
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketServerTransport(id string, conn *websocket.Conn, cfg WebSocketServerConfig) *WebSocketServerTransport {
	log := debug.Logger("transport.ws-server")
	if cfg.Log != nil {
		log = *cfg.Log
	}
	t := &WebSocketServerTransport{
		id:    id,
		conn:  conn,
		cfg:   cfg,
		log:   log.With().Str("sid", id).Logger(),
		queue: make(chan []byte, max(cfg.BufferSize, 1)),
		done:  make(chan struct{}),
	}

	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	t.writer.Add(1)
	go t.writeLoop()
	return t
}

func (t *WebSocketServerTransport) ID() string { return t.id }

func (t *WebSocketServerTransport) Mode() Mode { return ModeWebSocket }

func (t *WebSocketServerTransport) writeLoop() {
	defer t.writer.Done()

	var keepalive <-chan time.Time
	if t.cfg.PingInterval > 0 {
		ticker := time.NewTicker(t.cfg.PingInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	for {
		select {
		case <-t.done:
			return
		case <-keepalive:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				t.log.Debug().Err(err).Msg("ping failed")
				go t.Close()
				return
			}
		case frame := <-t.queue:
			if err := t.writeFrame(frame, t.cfg.WriteTimeout); err != nil {
				t.log.Debug().Err(err).Msg("write failed")
				go t.Close()
				return
			}
		}
	}
}

func (t *WebSocketServerTransport) writeFrame(frame []byte, timeout time.Duration) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *WebSocketServerTransport) Read() ([]byte, error) {
	_, frame, err := t.conn.ReadMessage()
	if err != nil {
		t.log.Debug().Err(err).Msg("read failed")
		t.Close()
		return nil, err
	}
	if t.cfg.ReadTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	t.log.Trace().Bytes("frame", frame).Msg("recv")
	return frame, nil
}

// Write queues a frame. A client that lets the queue fill up is disconnected.
func (t *WebSocketServerTransport) Write(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.queue <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		t.log.Warn().Int("queued", len(t.queue)).Msg("send queue full; dropping client")
		go t.Close()
		return ErrTransportClosed
	}
}

// Close flushes queued frames, sends a close frame and tears down the socket.
func (t *WebSocketServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.writer.Wait()

	flush:
		for {
			select {
			case frame := <-t.queue:
				if err := t.writeFrame(frame, time.Second); err != nil {
					break flush
				}
			default:
				break flush
			}
		}

		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
