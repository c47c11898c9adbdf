package realtime

import (
	"sync"

	"github.com/samber/lo"
)

// Rooms tracks which conversation each connection is in. A connection is in
// at most one room at a time.
type Rooms struct {
	mu      sync.RWMutex
	current map[string]string
	members map[string]map[string]struct{}
}

// NewRooms constructs an empty membership table.
func NewRooms() *Rooms {
	return &Rooms{
		current: make(map[string]string),
		members: make(map[string]map[string]struct{}),
	}
}

// Join moves the connection into room and returns the room it left, if any.
// The swap happens under one lock so the connection is never in two rooms.
func (r *Rooms) Join(connID, room string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.leaveLocked(connID)
	if room == "" {
		return previous
	}
	r.current[connID] = room
	if _, ok := r.members[room]; !ok {
		r.members[room] = make(map[string]struct{})
	}
	r.members[room][connID] = struct{}{}
	return previous
}

// Leave removes the connection from its room and returns that room.
func (r *Rooms) Leave(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID)
}

func (r *Rooms) leaveLocked(connID string) string {
	room, ok := r.current[connID]
	if !ok {
		return ""
	}
	delete(r.current, connID)
	if members := r.members[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.members, room)
		}
	}
	return room
}

// RoomOf returns the connection's current room.
func (r *Rooms) RoomOf(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[connID]
}

// Members returns a snapshot of the connection ids in room.
func (r *Rooms) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.members[room])
}
