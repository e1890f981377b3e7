package session

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kleeedolinux/livesession/socket"
)

// Room protocol events.
const (
	EventJoinRoom     socket.Event = "booking:join_room"
	EventLeaveRoom    socket.Event = "leave_room"
	EventJoined       socket.Event = "booking:joined"
	EventBookingError socket.Event = "booking_error"
	EventAuthError    socket.Event = "auth_error"
)

// BookingRoomPrefix marks rooms scoped to a single booking.
const BookingRoomPrefix = "booking:"

// RoomState is the lifecycle of one membership.
type RoomState int

const (
	NotAttempted RoomState = iota
	Joining
	Joined
	Failed
)

func (s RoomState) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return "not_attempted"
	}
}

func (s RoomState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Membership is a snapshot of one room's subscription.
type Membership struct {
	Room         string    `json:"room"`
	State        RoomState `json:"state"`
	JoinDeadline time.Time `json:"joinDeadline,omitempty"`
}

// JoinRequest is the payload of join and leave requests.
type JoinRequest struct {
	Room      string  `json:"room"`
	BookingID *string `json:"bookingId"`
}

// NewJoinRequest derives the booking id from rooms named "booking:<id>".
func NewJoinRequest(room string) JoinRequest {
	req := JoinRequest{Room: room}
	if id, ok := strings.CutPrefix(room, BookingRoomPrefix); ok && id != "" {
		req.BookingID = &id
	}
	return req
}

// JoinAck is the payload of booking:joined.
type JoinAck struct {
	Room      string  `json:"room"`
	BookingID *string `json:"bookingId,omitempty"`
}

// Rooms issues join and leave requests over the supervisor's connection.
type Rooms struct {
	mu  sync.Mutex
	sup *Supervisor
	cfg Config
	now func() time.Time
	log zerolog.Logger

	members map[string]*Membership
	pending map[string]chan struct{}
	rejoin  map[string]struct{}
	// globalAttempted is the one-shot guard for the global room.
	globalAttempted bool
}

func newRooms(sup *Supervisor, cfg Config, now func() time.Time, log zerolog.Logger) *Rooms {
	return &Rooms{
		sup:     sup,
		cfg:     cfg,
		now:     now,
		log:     log,
		members: make(map[string]*Membership),
		pending: make(map[string]chan struct{}),
		rejoin:  make(map[string]struct{}),
	}
}

// Join subscribes to room and reports whether the server acknowledged it within JoinTimeout.
// It never sends while disconnected, never sends a second request for a room that is already
// joining, and tries the global room only once per session.
func (r *Rooms) Join(ctx context.Context, room string) bool {
	return r.join(ctx, room, false)
}

func (r *Rooms) join(ctx context.Context, room string, rejoin bool) bool {
	if room == "" {
		return false
	}
	conn := r.sup.active()
	if conn == nil {
		r.log.Debug().Str("room", room).Msg("join skipped: not connected")
		return false
	}

	r.mu.Lock()
	if m, ok := r.members[room]; ok {
		switch m.State {
		case Joined:
			r.mu.Unlock()
			return true
		case Joining:
			r.mu.Unlock()
			r.log.Debug().Str("room", room).Msg("join rejected: already joining")
			return false
		}
	}
	if room == r.cfg.GlobalRoom {
		if r.globalAttempted && !rejoin {
			r.mu.Unlock()
			r.log.Debug().Str("room", room).Msg("join skipped: global room already attempted")
			return false
		}
		r.globalAttempted = true
	}
	deadline := r.now().Add(r.cfg.JoinTimeout)
	r.members[room] = &Membership{Room: room, State: Joining, JoinDeadline: deadline}
	abort := make(chan struct{})
	r.pending[room] = abort
	r.mu.Unlock()

	result := make(chan bool, 1)
	resolve := func(ok bool) {
		select {
		case result <- ok:
		default:
		}
	}
	offAck := conn.On(EventJoined, func(data json.RawMessage) {
		if correlates(data, room) {
			resolve(true)
		}
	})
	offErr := conn.On(EventBookingError, func(data json.RawMessage) {
		if correlates(data, room) {
			resolve(false)
		}
	})
	defer offAck()
	defer offErr()

	if err := conn.Emit(EventJoinRoom, NewJoinRequest(room)); err != nil {
		r.log.Warn().Err(err).Str("room", room).Msg("join request not sent")
		return r.finish(room, abort, false)
	}

	timer := time.NewTimer(r.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case ok := <-result:
		if !ok {
			r.log.Warn().Str("room", room).Msg("join refused")
		}
		return r.finish(room, abort, ok)
	case <-timer.C:
		r.log.Warn().Str("room", room).Dur("timeout", r.cfg.JoinTimeout).Msg("join timed out")
		return r.finish(room, abort, false)
	case <-ctx.Done():
		return r.finish(room, abort, false)
	case <-abort:
		return false
	}
}

// finish records the outcome unless the attempt was aborted in the meantime.
func (r *Rooms) finish(room string, abort chan struct{}, ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending[room] != abort {
		return false
	}
	delete(r.pending, room)
	m := r.members[room]
	if ok {
		m.State = Joined
		r.log.Info().Str("room", room).Msg("joined room")
	} else {
		m.State = Failed
	}
	m.JoinDeadline = time.Time{}
	return ok
}

// correlates matches an ack or error to room. Payloads that carry no room name match any
// pending join.
func correlates(data json.RawMessage, room string) bool {
	var p struct {
		Room string `json:"room"`
	}
	if len(data) == 0 || json.Unmarshal(data, &p) != nil || p.Room == "" {
		return true
	}
	return p.Room == room
}

// Leave unsubscribes from room. It sends only when a transport exists and never waits.
func (r *Rooms) Leave(room string) {
	if room == "" {
		return
	}

	r.mu.Lock()
	delete(r.members, room)
	delete(r.rejoin, room)
	if abort, ok := r.pending[room]; ok {
		delete(r.pending, room)
		close(abort)
	}
	r.mu.Unlock()

	conn := r.sup.handle()
	if conn == nil {
		return
	}
	if err := conn.Emit(EventLeaveRoom, NewJoinRequest(room)); err != nil {
		r.log.Debug().Err(err).Str("room", room).Msg("leave request not sent")
	}
}

// Membership returns the current record for room, NotAttempted if there is none.
func (r *Rooms) Membership(room string) Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[room]; ok {
		return *m
	}
	return Membership{Room: room, State: NotAttempted}
}

// Memberships returns every record sorted by room name.
func (r *Rooms) Memberships() []Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Membership, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Reset aborts pending joins and forgets every membership and one-shot flag.
func (r *Rooms) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortPendingLocked()
	r.members = make(map[string]*Membership)
	r.rejoin = make(map[string]struct{})
	r.globalAttempted = false
}

func (r *Rooms) abortPendingLocked() {
	for room, abort := range r.pending {
		close(abort)
		delete(r.pending, room)
	}
}

// dropped remembers joined rooms for the next connection and abandons pending joins.
func (r *Rooms) dropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortPendingLocked()
	for room, m := range r.members {
		if m.State == Joined {
			r.rejoin[room] = struct{}{}
		}
		delete(r.members, room)
	}
}

// connected re-joins the rooms held before the last drop.
func (r *Rooms) connected() {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.rejoin))
	for room := range r.rejoin {
		rooms = append(rooms, room)
	}
	r.rejoin = make(map[string]struct{})
	r.mu.Unlock()

	for _, room := range rooms {
		go func(room string) {
			ctx, cancel := context.WithTimeout(r.sup.ctx, r.cfg.JoinTimeout)
			defer cancel()
			if !r.join(ctx, room, true) {
				r.log.Warn().Str("room", room).Msg("rejoin failed")
			}
		}(room)
	}
}
