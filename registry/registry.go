package registry

import "sync"

// Registry is the live presence index: room -> member sessions plus the
// inverse session -> room. It is the single source of truth for "who is
// online in this room"; persisted membership history never feeds it.
//
// Invariant: a session appears in at most one room's member set at any
// instant. Move performs the remove+add under one lock, so a concurrent
// reader never observes a session in zero or two rooms.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{}
	sessions map[string]string
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]struct{}),
		sessions: make(map[string]string),
	}
}

// Move places the session into room, removing it from any room it currently
// occupies. It returns the vacated room name ("" if the session was not in
// a room before). Rooms are created lazily and never destroyed, an empty
// room remains a valid join target.
func (r *Registry) Move(sessionId, room string) (prev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.sessions[sessionId]
	if prev == room {
		return prev
	}
	if prev != "" {
		delete(r.rooms[prev], sessionId)
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[sessionId] = struct{}{}
	r.sessions[sessionId] = room
	return prev
}

// Remove drops the session from the index, returning the room it was in.
func (r *Registry) Remove(sessionId string) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok = r.sessions[sessionId]
	if !ok {
		return "", false
	}
	delete(r.rooms[room], sessionId)
	delete(r.sessions, sessionId)
	return room, true
}

// MembersOf returns the session ids currently joined to room.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, 0, len(r.rooms[room]))
	for sessionId := range r.rooms[room] {
		members = append(members, sessionId)
	}
	return members
}

// RoomOf returns the room the session is currently joined to.
func (r *Registry) RoomOf(sessionId string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.sessions[sessionId]
	return room, ok
}

// Rooms returns the names of all rooms seen so far, including empty ones.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	return names
}
