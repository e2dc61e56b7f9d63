package routing

import (
	"sort"
	"time"
)

// Snapshot is a read-only copy of the router state taken after each task.
type Snapshot struct {
	Calls    []Call        `json:"calls"`
	Rooms    []PrivateRoom `json:"rooms"`
	Sessions []string      `json:"session_guild_ids"`
	TakenAt  time.Time     `json:"taken_at"`
}

// Stats are the counts derived from a Snapshot.
type Stats struct {
	Waiting  int
	Claimed  int
	InRoom   int
	Rooms    int
	Sessions int
}

// Snapshot returns the state as of the last completed task. Safe for
// concurrent use.
func (r *Router) Snapshot() Snapshot {
	return *r.snapshot.Load()
}

// Stats returns call, room, and session counts. Safe for concurrent use.
func (r *Router) Stats() Stats {
	s := r.snapshot.Load()
	st := Stats{Rooms: len(s.Rooms), Sessions: len(s.Sessions)}
	for _, c := range s.Calls {
		switch c.State {
		case StateWaiting:
			st.Waiting++
		case StateClaimed:
			st.Claimed++
		case StateInRoom:
			st.InRoom++
		}
	}
	return st
}

func (r *Router) publishSnapshot() {
	s := &Snapshot{
		Calls:    make([]Call, 0, r.calls.Len()),
		Rooms:    make([]PrivateRoom, 0, r.rooms.Len()),
		Sessions: make([]string, 0, len(r.sessions)),
		TakenAt:  r.clock.Now(),
	}
	for _, c := range r.calls.Values() {
		s.Calls = append(s.Calls, *c)
	}
	for _, room := range r.rooms.Values() {
		s.Rooms = append(s.Rooms, *room)
	}
	for guildID := range r.sessions {
		s.Sessions = append(s.Sessions, guildID)
	}

	sort.Slice(s.Calls, func(i, j int) bool {
		if s.Calls[i].JoinedAt.Equal(s.Calls[j].JoinedAt) {
			return s.Calls[i].ClientID < s.Calls[j].ClientID
		}
		return s.Calls[i].JoinedAt.Before(s.Calls[j].JoinedAt)
	})
	sort.Slice(s.Rooms, func(i, j int) bool { return s.Rooms[i].RoomID < s.Rooms[j].RoomID })
	sort.Strings(s.Sessions)

	r.snapshot.Store(s)
}
