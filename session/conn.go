package session

import (
	"context"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/socket"
	"github.com/kleeedolinux/livesession/socket/transport"
)

// Conn is the transport handle the supervisor owns. *socket.Client implements it.
type Conn interface {
	Connect(ctx context.Context) error
	Emit(event socket.Event, data interface{}) error
	On(event socket.Event, handler socket.Handler) (off func())
	OnAny(handler socket.AnyHandler) (off func())
	Mode() transport.Mode
	Close() error
}

// Dialer builds a fresh, unconnected Conn. token is read at every handshake.
type Dialer func(cfg Config, token func() string) (Conn, error)

// DialSocket builds a socket client with one transport per configured mode.
func DialSocket(cfg Config, token func() string) (Conn, error) {
	var ts []socket.Transport
	for _, mode := range cfg.Transports {
		switch mode {
		case transport.ModeWebSocket:
			u, err := transport.WebSocketURL(cfg.URL)
			if err != nil {
				return nil, err
			}
			ts = append(ts, transport.NewWebSocketTransport(u,
				transport.WithReadTimeout(cfg.ReadTimeout),
				transport.WithWriteTimeout(cfg.WriteTimeout),
				transport.WithDialTimeout(cfg.HandshakeTimeout),
				transport.WithWebSocketLogger(debug.Logger("transport.ws").With().Str("url", u).Logger()),
			))
		case transport.ModePolling:
			u, err := transport.HTTPURL(cfg.URL)
			if err != nil {
				return nil, err
			}
			ts = append(ts, transport.NewLongPollingTransport(u,
				transport.WithPollInterval(cfg.PollInterval),
				transport.WithTimeout(cfg.WriteTimeout),
				transport.WithPollingLogger(debug.Logger("transport.polling").With().Str("url", u).Logger()),
			))
		}
	}
	if len(ts) == 0 {
		return nil, socket.ErrNoTransport
	}

	return socket.NewClient(ts[0],
		socket.WithFallbackTransports(ts[1:]...),
		socket.WithToken(token),
		socket.WithHandshakeTimeout(cfg.HandshakeTimeout),
		socket.WithReconnectAttempts(cfg.ReconnectAttempts),
		socket.WithReconnectDelay(cfg.ReconnectDelay),
		socket.WithClientLogger(debug.Logger("socket.client")),
	), nil
}
