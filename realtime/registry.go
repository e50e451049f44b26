// Package realtime implements the collaboration core: per-connection
// sessions, board rooms, mutation dispatch and broadcast fan-out.
package realtime

import "sync"

// Registry maps board ids to the set of sessions currently joined to them.
// It is the only state shared across session goroutines; every operation
// serializes on one mutex so concurrent joins and leaves to the same board
// cannot lose updates.
//
// Membership is process-local and rebuilt from scratch on restart. No
// board-level authorization happens here: any authenticated session may join
// any board id.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Session]struct{}
	joined map[*Session]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[*Session]struct{}),
		joined: make(map[*Session]map[string]struct{}),
	}
}

// Join adds the session to the board's room. Joining a room the session is
// already a member of is a no-op.
func (r *Registry) Join(boardID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[boardID]
	if !ok {
		room = make(map[*Session]struct{})
		r.rooms[boardID] = room
	}
	room[s] = struct{}{}

	boards, ok := r.joined[s]
	if !ok {
		boards = make(map[string]struct{})
		r.joined[s] = boards
	}
	boards[boardID] = struct{}{}
}

// Leave removes the session from the board's room. Leaving a room the
// session is not a member of is a no-op.
func (r *Registry) Leave(boardID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(boardID, s)
}

func (r *Registry) leaveLocked(boardID string, s *Session) {
	if room, ok := r.rooms[boardID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(r.rooms, boardID)
		}
	}
	if boards, ok := r.joined[s]; ok {
		delete(boards, boardID)
		if len(boards) == 0 {
			delete(r.joined, s)
		}
	}
}

// MembersOf returns a snapshot of the sessions joined to the board at the
// moment of the call.
func (r *Registry) MembersOf(boardID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[boardID]
	members := make([]*Session, 0, len(room))
	for s := range room {
		members = append(members, s)
	}
	return members
}

// EvictAll removes the session from every room it belongs to. Called exactly
// once per session, on disconnect.
func (r *Registry) EvictAll(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for boardID := range r.joined[s] {
		r.leaveLocked(boardID, s)
	}
	delete(r.joined, s)
}
