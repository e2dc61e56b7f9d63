package routing

import (
	"fmt"
	"time"
)

// CallState is the position of a Call in the routing state machine.
type CallState string

const (
	// StateWaiting: the client is in the waiting room and no administrator
	// has claimed the call yet.
	StateWaiting CallState = "waiting"

	// StateClaimed: an administrator claimed the call but no private room
	// is registered for it (provisioning in progress or failed).
	StateClaimed CallState = "claimed"

	// StateInRoom: a private room is registered for the call.
	StateInRoom CallState = "in_room"
)

// Call tracks one client from waiting-room entry until the call ends.
type Call struct {
	// ID names this call instance. A client that leaves and rejoins gets
	// a new ID, which lets deferred work for the old call detect that it
	// is stale.
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	ClientName     string     `json:"client_name"`
	GuildID        string     `json:"guild_id"`
	State          CallState  `json:"state"`
	JoinedAt       time.Time  `json:"joined_at"`
	AdminID        string     `json:"admin_id,omitempty"`
	AdminName      string     `json:"admin_name,omitempty"`
	PrivateRoomID  string     `json:"private_room_id,omitempty"`
	HoldAudioMuted bool       `json:"hold_audio_muted"`
	CallStartTime  *time.Time `json:"call_start_time,omitempty"`

	// holdDue is set once the hold delay has passed with the client still
	// in the waiting room.
	holdDue bool
}

// WaitDuration returns how long the client waited before a room was
// provisioned, or until end if it never was.
func (c *Call) WaitDuration(end time.Time) time.Duration {
	if c.CallStartTime != nil {
		return c.CallStartTime.Sub(c.JoinedAt)
	}
	return end.Sub(c.JoinedAt)
}

// PrivateRoom is an ephemeral voice room provisioned for one claimed call.
type PrivateRoom struct {
	RoomID    string    `json:"room_id"`
	GuildID   string    `json:"guild_id"`
	ClientID  string    `json:"client_id"`
	AdminID   string    `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`

	// PendingDeletion is set once a deletion has been scheduled so that
	// the departure of the second party does not schedule another.
	PendingDeletion bool `json:"pending_deletion"`
}

// CallRegistry holds the active calls keyed by client id. It is not safe
// for concurrent use; the Router's event loop is its only writer.
type CallRegistry struct {
	calls map[string]*Call
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{calls: make(map[string]*Call)}
}

// Get returns the call for a client.
func (r *CallRegistry) Get(clientID string) (*Call, bool) {
	c, ok := r.calls[clientID]
	return c, ok
}

// Put registers a call. A second call for the same client is rejected
// with ErrDuplicateCall and the existing call is left untouched.
func (r *CallRegistry) Put(c *Call) error {
	if existing, ok := r.calls[c.ClientID]; ok {
		return fmt.Errorf("%w: client %s already has call %s", ErrDuplicateCall, c.ClientID, existing.ID)
	}
	r.calls[c.ClientID] = c
	return nil
}

// Remove deletes and returns the call for a client.
func (r *CallRegistry) Remove(clientID string) (*Call, bool) {
	c, ok := r.calls[clientID]
	if ok {
		delete(r.calls, clientID)
	}
	return c, ok
}

// Values returns all calls in no particular order.
func (r *CallRegistry) Values() []*Call {
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// Len returns the number of active calls.
func (r *CallRegistry) Len() int {
	return len(r.calls)
}

// RoomRegistry maps private room ids to their owning parties. Same
// single-writer discipline as CallRegistry.
type RoomRegistry struct {
	rooms map[string]*PrivateRoom
}

// NewRoomRegistry creates an empty room registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]*PrivateRoom)}
}

// Get returns a room by id.
func (r *RoomRegistry) Get(roomID string) (*PrivateRoom, bool) {
	room, ok := r.rooms[roomID]
	return room, ok
}

// Put registers a room, rejecting a second registration of the same id.
func (r *RoomRegistry) Put(room *PrivateRoom) error {
	if _, ok := r.rooms[room.RoomID]; ok {
		return fmt.Errorf("%w: room %s", ErrDuplicateRoom, room.RoomID)
	}
	r.rooms[room.RoomID] = room
	return nil
}

// Remove deletes a room. Removing an unknown id is a no-op.
func (r *RoomRegistry) Remove(roomID string) {
	delete(r.rooms, roomID)
}

// Values returns all rooms in no particular order.
func (r *RoomRegistry) Values() []*PrivateRoom {
	out := make([]*PrivateRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Len returns the number of registered rooms.
func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}
