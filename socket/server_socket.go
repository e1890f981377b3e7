package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/socket/transport"
)

// serverSocket is the server's view of one client. Until the authenticator approves its
// handshake it accepts nothing else.
type serverSocket struct {
	id      string
	conn    transport.ServerTransport
	server  *Server
	log     zerolog.Logger
	release func()

	mu       sync.RWMutex
	handlers map[Event][]func(data json.RawMessage)
	open     bool
	authed   bool

	closeOnce sync.Once
}

func newServerSocket(id string, conn transport.ServerTransport, srv *Server, release func()) *serverSocket {
	s := &serverSocket{
		id:       id,
		conn:     conn,
		server:   srv,
		log:      srv.log.With().Str("sid", id).Str("transport", string(conn.Mode())).Logger(),
		release:  release,
		handlers: make(map[Event][]func(data json.RawMessage)),
		open:     true,
	}
	s.log.Trace().Msg("socket accepted")
	return s
}

// run reads frames until the transport fails or the peer disconnects.
func (s *serverSocket) run() {
	deadline := time.AfterFunc(s.server.handshakeTimeout, func() {
		if !s.isAuthed() {
			s.log.Debug().Msg("handshake timed out")
			s.shutdown(nil)
		}
	})
	defer deadline.Stop()

	for {
		frame, err := s.conn.Read()
		if err != nil {
			s.log.Debug().Err(err).Msg("read ended")
			s.shutdown(err)
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			s.log.Debug().Err(err).Msg("undecodable frame")
			continue
		}

		switch {
		case !s.isAuthed():
			if !s.handshake(msg) {
				return
			}
			deadline.Stop()
		case msg.Event == EventDisconnect:
			s.shutdown(nil)
			return
		default:
			s.trigger(msg.Event, msg.Data)
			s.server.dispatch(s, msg.Event, msg.Data)
		}
	}
}

func (s *serverSocket) isAuthed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

func (s *serverSocket) handshake(msg Message) bool {
	if msg.Event != EventConnect {
		s.log.Debug().Str("event", string(msg.Event)).Msg("frame before handshake")
		s.reject("handshake required")
		return false
	}

	var hs Handshake
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &hs); err != nil {
			s.reject("malformed handshake")
			return false
		}
	}

	if err := s.server.authenticate(hs.Token); err != nil {
		s.log.Info().Err(err).Msg("handshake rejected")
		s.reject(err.Error())
		return false
	}

	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()

	if err := s.Send(EventConnect, ConnectAck{SID: s.id}); err != nil {
		s.shutdown(err)
		return false
	}
	s.server.register(s)
	return true
}

// reject answers a failed handshake with connect_error and closes without a disconnect event.
func (s *serverSocket) reject(reason string) {
	_ = s.Send(EventConnectError, ErrorPayload{Message: reason, Code: "unauthorized"})
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.closeTransport()
}

func (s *serverSocket) closeTransport() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		if s.release != nil {
			s.release()
		}
	})
}

func (s *serverSocket) ID() string {
	return s.id
}

func (s *serverSocket) Send(event Event, data interface{}) error {
	if !s.IsConnected() {
		return ErrConnectionClosed
	}
	frame, err := Encode(event, data)
	if err != nil {
		return err
	}
	return s.conn.Write(frame)
}

func (s *serverSocket) On(event Event, handler func(data json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *serverSocket) Off(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

func (s *serverSocket) trigger(event Event, data json.RawMessage) {
	s.mu.RLock()
	handlers := s.handlers[event]
	s.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
}

// Close disconnects the client from the server side. The client sees ReasonServerDisconnect.
func (s *serverSocket) Close() error {
	_ = s.Send(EventDisconnect, ReasonServerDisconnect)
	s.shutdown(nil)
	return nil
}

// shutdown closes the transport once. An authenticated socket also fires disconnect locally
// and on the server.
func (s *serverSocket) shutdown(cause error) {
	s.mu.Lock()
	wasOpen := s.open && s.authed
	s.open = false
	s.mu.Unlock()

	s.closeTransport()
	if !wasOpen {
		return
	}

	reason := ReasonClientDisconnect
	if cause != nil {
		reason = ReasonTransportClose
	}
	s.trigger(EventDisconnect, mustRaw(reason))
	s.server.unregister(s, reason)
}

func (s *serverSocket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}
