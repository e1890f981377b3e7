// Package eventsim is a development event service that speaks the dashboard's booking room
// protocol on top of socket.Server.
package eventsim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/session"
	"github.com/kleeedolinux/livesession/socket"
)

var errInvalidToken = errors.New("invalid token")

// Config selects who may connect and which bookings exist.
type Config struct {
	Tokens     []string
	Bookings   []string
	GlobalRoom string
}

// Service answers joins and leaves and publishes domain events to rooms.
type Service struct {
	srv        *socket.Server
	log        zerolog.Logger
	globalRoom string

	mu       sync.RWMutex
	tokens   map[string]struct{}
	bookings map[string]struct{}
}

// New builds a Service. opts are passed to the underlying socket.Server; the authenticator is
// always the Service's own.
func New(cfg Config, opts ...socket.ServerOption) *Service {
	s := &Service{
		log:        debug.Logger("eventsim"),
		globalRoom: cfg.GlobalRoom,
		tokens:     make(map[string]struct{}),
		bookings:   make(map[string]struct{}),
	}
	if s.globalRoom == "" {
		s.globalRoom = session.GlobalRoom
	}
	for _, tok := range cfg.Tokens {
		s.tokens[tok] = struct{}{}
	}
	for _, id := range cfg.Bookings {
		s.bookings[id] = struct{}{}
	}

	opts = append(opts, socket.WithAuthenticator(s.authenticate))
	s.srv = socket.NewServer(opts...)
	s.srv.HandleFunc(socket.EventConnect, func(sock socket.Socket, _ json.RawMessage) {
		s.log.Info().Str("sid", sock.ID()).Msg("client connected")
	})
	s.srv.HandleFunc(socket.EventDisconnect, func(sock socket.Socket, data json.RawMessage) {
		var reason string
		_ = json.Unmarshal(data, &reason)
		s.log.Info().Str("sid", sock.ID()).Str("reason", reason).Msg("client disconnected")
	})
	s.srv.HandleFunc(session.EventJoinRoom, s.handleJoin)
	s.srv.HandleFunc(session.EventLeaveRoom, s.handleLeave)
	return s
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.ServeHTTP(w, r)
}

// Server exposes the underlying socket server, e.g. for Shutdown.
func (s *Service) Server() *socket.Server {
	return s.srv
}

func (s *Service) authenticate(token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.tokens) == 0 {
		return nil
	}
	if _, ok := s.tokens[token]; !ok {
		return errInvalidToken
	}
	return nil
}

// AddBooking makes a booking room joinable.
func (s *Service) AddBooking(id string) {
	s.mu.Lock()
	s.bookings[id] = struct{}{}
	s.mu.Unlock()
}

// RemoveBooking makes the booking unknown; current members stay in the room.
func (s *Service) RemoveBooking(id string) {
	s.mu.Lock()
	delete(s.bookings, id)
	s.mu.Unlock()
}

// Bookings lists the known bookings, sorted.
func (s *Service) Bookings() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.bookings))
	for id := range s.bookings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) knownBooking(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bookings[id]
	return ok
}

func (s *Service) handleJoin(sock socket.Socket, data json.RawMessage) {
	var req session.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Room) == "" {
		s.reject(sock, "", "invalid join request")
		return
	}

	if id, ok := strings.CutPrefix(req.Room, session.BookingRoomPrefix); ok {
		if req.BookingID == nil || *req.BookingID != id {
			s.reject(sock, req.Room, "booking id does not match room")
			return
		}
		if !s.knownBooking(id) {
			s.reject(sock, req.Room, fmt.Sprintf("booking %s not found", id))
			return
		}
	}

	if !s.srv.Join(sock.ID(), req.Room) {
		return
	}
	s.log.Debug().Str("sid", sock.ID()).Str("room", req.Room).Msg("joined")
	if err := sock.Send(session.EventJoined, session.JoinAck{Room: req.Room, BookingID: req.BookingID}); err != nil {
		s.log.Debug().Err(err).Str("sid", sock.ID()).Msg("ack not sent")
	}
}

func (s *Service) reject(sock socket.Socket, room, message string) {
	s.log.Info().Str("sid", sock.ID()).Str("room", room).Msg(message)
	_ = sock.Send(session.EventBookingError, session.ServerError{Message: message, Room: room, Code: "join_failed"})
}

func (s *Service) handleLeave(sock socket.Socket, data json.RawMessage) {
	var req session.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		return
	}
	s.srv.Leave(sock.ID(), req.Room)
	s.log.Debug().Str("sid", sock.ID()).Str("room", req.Room).Msg("left")
}

// Publish sends event to the booking's room and the global room, once per socket. It returns
// the number of sockets reached.
func (s *Service) Publish(bookingID string, event socket.Event, payload interface{}) int {
	rooms := []string{s.globalRoom}
	if bookingID != "" {
		rooms = append([]string{session.BookingRoomPrefix + bookingID}, rooms...)
	}
	n := s.srv.BroadcastToRooms(rooms, event, payload)
	s.log.Trace().Str("event", string(event)).Str("booking", bookingID).Int("sockets", n).Msg("published")
	return n
}

func (s *Service) PublishBookingUpdate(u session.BookingUpdate) int {
	return s.Publish(u.BookingID, session.EventBookingUpdate, u)
}

// PublishTrip sends a trip lifecycle event; event must be one of the trip:* events.
func (s *Service) PublishTrip(event socket.Event, t session.TripEvent) int {
	return s.Publish(t.BookingID, event, t)
}

func (s *Service) PublishDriverLocation(l session.DriverLocation) int {
	return s.Publish(l.BookingID, session.EventDriverLocation, l)
}

func (s *Service) PublishPricing(p session.PricingUpdate) int {
	return s.Publish(p.BookingID, session.EventPricingUpdate, p)
}

func (s *Service) PublishETA(e session.ETAUpdate) int {
	return s.Publish(e.BookingID, session.EventETAUpdate, e)
}

// Notify sends a domain error to every socket in the global room.
func (s *Service) Notify(event socket.Event, message string) int {
	return s.srv.BroadcastToRoom(s.globalRoom, event, session.ServerError{Message: message})
}
