package routing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCollaborator wraps failures returned by the directory, voice, or
// notification collaborators.
var ErrCollaborator = errors.New("collaborator unavailable")

// ErrInvariant marks events that contradict the router's bookkeeping.
// They are logged and ignored.
var ErrInvariant = errors.New("invariant violation")

var (
	ErrDuplicateCall   = fmt.Errorf("%w: duplicate call", ErrInvariant)
	ErrDuplicateRoom   = fmt.Errorf("%w: duplicate private room", ErrInvariant)
	ErrUntrackedClient = fmt.Errorf("%w: untracked client", ErrInvariant)
)

func collaboratorError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCollaborator, op, err)
}

// Member is one occupant of a voice channel as reported by the directory.
type Member struct {
	ID      string
	Name    string
	IsAdmin bool
	IsBot   bool
}

// Permission is a set of channel permissions granted or denied on a room.
type Permission uint8

const (
	PermViewChannel Permission = 1 << iota
	PermConnect
	PermSpeak
	PermMoveMembers
)

// Has reports whether all bits of q are set in p.
func (p Permission) Has(q Permission) bool { return p&q == q }

// PermissionGrant is one permission overwrite on a private room. Role
// grants target a role id; the guild id doubles as the everyone role.
type PermissionGrant struct {
	SubjectID string
	Role      bool
	Allow     Permission
	Deny      Permission
}

// RoomRequest describes a private voice room to create.
type RoomRequest struct {
	GuildID  string
	Name     string
	ParentID string
	Grants   []PermissionGrant
}

// Directory is the channel and member directory.
type Directory interface {
	// CreateVoiceChannel creates a voice channel and returns its id.
	CreateVoiceChannel(ctx context.Context, req RoomRequest) (string, error)

	// DeleteChannel deletes a channel. It returns false without error when
	// the channel no longer exists.
	DeleteChannel(ctx context.Context, guildID, channelID, reason string) (bool, error)

	// MoveMember moves a member into a voice channel. It returns false
	// without error when the member is not connected to voice.
	MoveMember(ctx context.Context, guildID, memberID, channelID string) (bool, error)

	// ListMembers returns the current occupants of a voice channel.
	ListMembers(ctx context.Context, guildID, channelID string) ([]Member, error)
}

// VoiceSession is a transport session the bot holds in a voice channel.
type VoiceSession interface {
	GuildID() string
	ChannelID() string
	// Alive reports whether the session can still carry audio.
	Alive() bool
}

// Playback is a handle on a clip being played.
type Playback interface {
	Clip() string
}

// VoiceProvider acquires sessions and plays audio clips into them.
type VoiceProvider interface {
	Acquire(ctx context.Context, guildID, channelID string) (VoiceSession, error)
	Release(ctx context.Context, session VoiceSession) error

	// Play starts a clip. onDone is called from another goroutine only
	// when the clip finishes naturally, never after Stop.
	Play(session VoiceSession, clip string, onDone func()) (Playback, error)
	Stop(playback Playback)
}

// NotificationKind selects the operator message template.
type NotificationKind string

const (
	NewCallQueued NotificationKind = "new_call_queued"
	CallClaimed   NotificationKind = "call_claimed"
)

// Notification is the payload posted to the operator channel.
type Notification struct {
	ClientID   string
	ClientName string
	AdminID    string
	AdminName  string
	Timestamp  time.Time
}

// Notifier posts operator-facing messages.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, n Notification) error
}

// Outcome describes how a call ended.
type Outcome string

const (
	// OutcomeCompleted: a party left the private room.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAbandoned: the client left before any administrator claimed.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeFailed: the call was claimed but the client never reached
	// the private room.
	OutcomeFailed Outcome = "failed"
)

// Observer receives call lifecycle notifications on the router loop.
// Implementations must not block.
type Observer interface {
	CallQueued(call Call)
	CallClaimed(call Call)
	CallEnded(call Call, outcome Outcome, endedAt time.Time)
}
