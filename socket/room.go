package socket

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// broadcastWorkers bounds the sends in flight for one broadcast.
const broadcastWorkers = 10

// Room is the member list of one broadcast channel, in join order.
type Room struct {
	name    string
	members []Socket
}

func (r *Room) Name() string { return r.name }

func (r *Room) index(id string) int {
	for i, s := range r.members {
		if s.ID() == id {
			return i
		}
	}
	return -1
}

// RoomManager tracks room membership on the server. A room exists only while it has members.
type RoomManager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	bySocket map[string]map[string]struct{}
	log      zerolog.Logger
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:    make(map[string]*Room),
		bySocket: make(map[string]map[string]struct{}),
		log:      zerolog.Nop(),
	}
}

// Join adds s to room, creating the room on first use. Joining twice is a no-op.
func (rm *RoomManager) Join(room string, s Socket) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	r, ok := rm.rooms[room]
	if !ok {
		r = &Room{name: room}
		rm.rooms[room] = r
	}
	if r.index(s.ID()) >= 0 {
		return
	}
	// Copy on write so broadcasts can range over a snapshot without the lock.
	members := make([]Socket, len(r.members), len(r.members)+1)
	copy(members, r.members)
	r.members = append(members, s)

	joined, ok := rm.bySocket[s.ID()]
	if !ok {
		joined = make(map[string]struct{})
		rm.bySocket[s.ID()] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes the socket from room and drops the room once empty.
func (rm *RoomManager) Leave(room string, socketID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.leaveLocked(room, socketID)
}

func (rm *RoomManager) leaveLocked(room string, socketID string) {
	r, ok := rm.rooms[room]
	if !ok {
		return
	}
	i := r.index(socketID)
	if i < 0 {
		return
	}
	members := make([]Socket, 0, len(r.members)-1)
	members = append(members, r.members[:i]...)
	r.members = append(members, r.members[i+1:]...)
	if len(r.members) == 0 {
		delete(rm.rooms, room)
	}

	if joined, ok := rm.bySocket[socketID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(rm.bySocket, socketID)
		}
	}
}

// LeaveAll removes the socket from every room and returns the rooms it left.
func (rm *RoomManager) LeaveAll(socketID string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	left := sortedKeys(rm.bySocket[socketID])
	for _, room := range left {
		rm.leaveLocked(room, socketID)
	}
	return left
}

// RoomsOf returns the socket's rooms, sorted.
func (rm *RoomManager) RoomsOf(socketID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return sortedKeys(rm.bySocket[socketID])
}

func (rm *RoomManager) Has(room string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.rooms[room]
	return ok
}

func (rm *RoomManager) Contains(room string, socketID string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	r, ok := rm.rooms[room]
	return ok && r.index(socketID) >= 0
}

// Members returns the sockets in room in join order. It never creates the room.
func (rm *RoomManager) Members(room string) []Socket {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if r, ok := rm.rooms[room]; ok {
		return r.members
	}
	return nil
}

// Rooms lists every non-empty room, sorted.
func (rm *RoomManager) Rooms() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	names := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Broadcast sends to every member of room and returns the number of successful sends.
func (rm *RoomManager) Broadcast(room string, event Event, data interface{}) int {
	return rm.BroadcastMany([]string{room}, event, data)
}

// BroadcastMany sends once to every socket that is in at least one of rooms. It returns after
// every send has been handed to its socket, so consecutive broadcasts stay ordered per socket.
func (rm *RoomManager) BroadcastMany(rooms []string, event Event, data interface{}) int {
	seen := make(map[string]struct{})
	var targets []Socket
	for _, room := range rooms {
		for _, s := range rm.Members(room) {
			if _, dup := seen[s.ID()]; dup {
				continue
			}
			seen[s.ID()] = struct{}{}
			targets = append(targets, s)
		}
	}
	return fanOut(targets, event, data, rm.log)
}

// fanOut sends to every target with bounded concurrency and counts the successful sends.
func fanOut(targets []Socket, event Event, data interface{}, log zerolog.Logger) int {
	if len(targets) == 0 {
		return 0
	}

	var (
		mu        sync.Mutex
		delivered int
		g         errgroup.Group
	)
	g.SetLimit(broadcastWorkers)
	for _, s := range targets {
		g.Go(func() error {
			if err := s.Send(event, data); err != nil {
				log.Debug().Err(err).Str("sid", s.ID()).Str("event", string(event)).Msg("broadcast send failed")
				return nil
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
