package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/socket/transport"
)

// Authenticator validates the bearer token a client presents in its handshake.
type Authenticator func(token string) error

// ServerHandler handles one event from an authenticated socket.
type ServerHandler func(s Socket, data json.RawMessage)

// Server accepts websocket and long-polling clients on one HTTP handler. Sockets become visible
// to handlers only after a successful handshake.
type Server struct {
	mu       sync.RWMutex
	sockets  map[string]Socket
	handlers map[Event][]ServerHandler
	sessions map[string]*LongPollingSession

	roomManager *RoomManager
	authFn      Authenticator
	log         zerolog.Logger
	slots       *semaphore.Weighted

	pingInterval     time.Duration
	pingTimeout      time.Duration
	handshakeTimeout time.Duration
	sweepInterval    time.Duration
	maxConnections   int64

	ctx    context.Context
	cancel context.CancelFunc
}

type ServerOption func(*Server)

func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// WithPingTimeout is how long past a missed pong a websocket peer is kept.
func WithPingTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = d
	}
}

// WithServerHandshakeTimeout closes sockets that have not authenticated in time.
func WithServerHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}

// WithSweepInterval sets how often idle polling sessions are expired.
func WithSweepInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.sweepInterval = d
	}
}

// WithMaxConnections caps open sockets, handshaking ones included. Zero means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = int64(n)
	}
}

func WithAuthenticator(fn Authenticator) ServerOption {
	return func(s *Server) {
		s.authFn = fn
	}
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

func NewServer(opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sockets:          make(map[string]Socket),
		handlers:         make(map[Event][]ServerHandler),
		sessions:         make(map[string]*LongPollingSession),
		roomManager:      NewRoomManager(),
		log:              debug.Logger("socket.server"),
		pingInterval:     25 * time.Second,
		pingTimeout:      20 * time.Second,
		handshakeTimeout: 10 * time.Second,
		sweepInterval:    30 * time.Second,
		maxConnections:   1000,
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.roomManager.log = s.log.With().Str("part", "rooms").Logger()
	if s.maxConnections > 0 {
		s.slots = semaphore.NewWeighted(s.maxConnections)
	}

	go s.sweep()
	return s
}

// acquire reserves a connection slot. The returned release is safe to call more than once.
func (s *Server) acquire() (release func(), ok bool) {
	if s.slots == nil {
		return func() {}, true
	}
	if !s.slots.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { s.slots.Release(1) }) }, true
}

func (s *Server) authenticate(token string) error {
	if s.authFn == nil {
		return nil
	}
	return s.authFn(token)
}

// ServeHTTP routes upgrade requests to the websocket transport and everything else to long
// polling.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.serveWebSocket(w, r)
		return
	}
	s.servePolling(w, r)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	release, ok := s.acquire()
	if !ok {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := generateID()
	cfg := transport.DefaultWebSocketServerConfig()
	cfg.PingInterval = s.pingInterval
	cfg.ReadTimeout = s.pingInterval + s.pingTimeout
	wsLog := s.log.With().Str("transport", "websocket").Logger()
	cfg.Log = &wsLog

	go newServerSocket(id, transport.NewWebSocketServerTransport(id, conn, cfg), s, release).run()
}

func (s *Server) HandleFunc(event Event, handler ServerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], handler)
}

func (s *Server) register(socket *serverSocket) {
	s.mu.Lock()
	s.sockets[socket.ID()] = socket
	s.mu.Unlock()

	s.log.Debug().Str("sid", socket.ID()).Msg("socket connected")
	s.dispatch(socket, EventConnect, nil)
}

func (s *Server) unregister(socket *serverSocket, reason string) {
	s.mu.Lock()
	delete(s.sockets, socket.ID())
	s.mu.Unlock()

	left := s.roomManager.LeaveAll(socket.ID())
	s.log.Debug().Str("sid", socket.ID()).Str("reason", reason).Strs("rooms", left).Msg("socket disconnected")
	s.dispatch(socket, EventDisconnect, mustRaw(reason))
}

func (s *Server) dispatch(socket Socket, event Event, data json.RawMessage) {
	s.mu.RLock()
	handlers := s.handlers[event]
	s.mu.RUnlock()

	for _, h := range handlers {
		h(socket, data)
	}
}

func (s *Server) snapshot() []Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Socket, 0, len(s.sockets))
	for _, socket := range s.sockets {
		out = append(out, socket)
	}
	return out
}

// Broadcast sends to every connected socket and returns the number of successful sends.
func (s *Server) Broadcast(event Event, data interface{}) int {
	return fanOut(s.snapshot(), event, data, s.log)
}

// BroadcastToRooms sends once to every socket in any of rooms. Missing rooms are skipped.
func (s *Server) BroadcastToRooms(rooms []string, event Event, data interface{}) int {
	return s.roomManager.BroadcastMany(rooms, event, data)
}

// BroadcastToRoom sends to every member of room and returns the number of successful sends.
func (s *Server) BroadcastToRoom(room string, event Event, data interface{}) int {
	return s.roomManager.Broadcast(room, event, data)
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// Shutdown disconnects every socket, drops every polling session and stops the sweeper. It returns early with the
// context's error if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	var g errgroup.Group
	g.SetLimit(broadcastWorkers)
	for _, socket := range s.snapshot() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := socket.Close(); err != nil {
				s.log.Warn().Err(err).Str("sid", socket.ID()).Msg("error closing socket")
			}
			return nil
		})
	}
	_ = g.Wait()

	// Polling sessions that never finished their handshake are not in the socket map.
	s.mu.Lock()
	pending := s.sessions
	s.sessions = make(map[string]*LongPollingSession)
	s.mu.Unlock()
	for _, sess := range pending {
		sess.Socket.shutdown(nil)
	}
	return ctx.Err()
}

// Join adds a connected socket to room. It reports false for unknown sockets.
func (s *Server) Join(socketID string, room string) bool {
	socket, ok := s.GetSocket(socketID)
	if !ok {
		return false
	}
	s.roomManager.Join(room, socket)
	return true
}

func (s *Server) Leave(socketID string, room string) {
	s.roomManager.Leave(room, socketID)
}

func (s *Server) LeaveAll(socketID string) []string {
	return s.roomManager.LeaveAll(socketID)
}

func (s *Server) RoomsOf(socketID string) []string {
	return s.roomManager.RoomsOf(socketID)
}

// In lists the sockets in room without creating it.
func (s *Server) In(room string) []Socket {
	return s.roomManager.Members(room)
}

// Rooms lists every non-empty room.
func (s *Server) Rooms() []string {
	return s.roomManager.Rooms()
}

func (s *Server) GetSocket(id string) (Socket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	socket, ok := s.sockets[id]
	return socket, ok
}

func generateID() string {
	return uuid.NewString()
}
