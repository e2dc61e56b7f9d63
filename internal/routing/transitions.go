package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const maxRoomNameRunes = 15

func (r *Router) handle(ctx context.Context, ev PresenceTransition) {
	if ev.FromChannelID == ev.ToChannelID {
		return
	}

	if ev.FromChannelID != "" {
		r.handleDeparture(ctx, ev)
	}
	if ev.ToChannelID == r.cfg.WaitingChannelID {
		if ev.IsAdmin {
			r.adminEntered(ctx, ev)
		} else {
			r.clientEntered(ctx, ev)
		}
	}
}

func (r *Router) handleDeparture(ctx context.Context, ev PresenceTransition) {
	if room, ok := r.rooms.Get(ev.FromChannelID); ok {
		r.leftPrivateRoom(ctx, ev, room)
		return
	}
	if ev.FromChannelID != r.cfg.WaitingChannelID {
		return
	}
	if ev.IsAdmin {
		r.logger.Debug("administrator left waiting room", "admin_id", ev.EntityID)
		return
	}
	r.clientLeftWaiting(ctx, ev)
}

func (r *Router) leftPrivateRoom(ctx context.Context, ev PresenceTransition, room *PrivateRoom) {
	if ev.EntityID != room.ClientID && ev.EntityID != room.AdminID {
		r.logger.Debug("non-party left private room", "room_id", room.RoomID, "entity_id", ev.EntityID)
		return
	}

	r.logger.Info("party left private room",
		"room_id", room.RoomID,
		"entity_id", ev.EntityID,
		"client_id", room.ClientID,
		"admin_id", room.AdminID,
	)
	if c, ok := r.calls.Get(room.ClientID); ok && c.PrivateRoomID == room.RoomID {
		r.endCall(ctx, c, OutcomeCompleted)
	}
	r.scheduleRoomDeletion(room)
}

func (r *Router) clientLeftWaiting(ctx context.Context, ev PresenceTransition) {
	c, ok := r.calls.Get(ev.EntityID)
	switch {
	case !ok:
		r.logger.Warn("client left waiting room without a call",
			"client_id", ev.EntityID,
			"error", fmt.Errorf("%w: %s", ErrUntrackedClient, ev.EntityID),
		)
	case c.State == StateInRoom && ev.ToChannelID == c.PrivateRoomID:
		r.logger.Debug("client migrated into private room", "client_id", c.ClientID, "room_id", c.PrivateRoomID)
		return
	default:
		outcome := OutcomeAbandoned
		if c.State != StateWaiting {
			outcome = OutcomeFailed
		}
		roomID := c.PrivateRoomID
		r.endCall(ctx, c, outcome)
		if room, ok := r.rooms.Get(roomID); ok {
			r.scheduleRoomDeletion(room)
		}
	}

	guildID := ev.GuildID
	r.after(r.cfg.EmptyReleaseDelay, func(ctx context.Context) {
		r.releaseSessionIfIdle(ctx, guildID, true)
	})
}

// endCall stops hold audio, removes the call, and notifies observers. If
// the call's hold audio was playing, it passes to the next waiting call.
// Room teardown is scheduled separately by the caller.
func (r *Router) endCall(ctx context.Context, c *Call, outcome Outcome) {
	stopped := r.stopHold(c)
	r.calls.Remove(c.ClientID)
	r.logger.Info("call ended",
		"call_id", c.ID,
		"client_id", c.ClientID,
		"state", c.State,
		"outcome", outcome,
	)
	r.emitEnded(c, outcome)
	if stopped {
		r.resumeHold(ctx, c.GuildID)
	}
}

func (r *Router) scheduleRoomDeletion(room *PrivateRoom) {
	if room.PendingDeletion {
		r.logger.Debug("room deletion already pending", "room_id", room.RoomID)
		return
	}
	room.PendingDeletion = true
	roomID := room.RoomID
	r.after(r.cfg.RoomDeleteDelay, func(ctx context.Context) { r.deleteRoom(ctx, roomID) })
}

func (r *Router) deleteRoom(ctx context.Context, roomID string) {
	room, ok := r.rooms.Get(roomID)
	if !ok {
		return
	}
	// A call still pointing at the room cannot outlive it.
	if c, ok := r.calls.Get(room.ClientID); ok && c.PrivateRoomID == roomID {
		r.endCall(ctx, c, OutcomeCompleted)
	}
	r.rooms.Remove(roomID)

	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	deleted, err := r.directory.DeleteChannel(cctx, room.GuildID, roomID, "support call ended")
	if err != nil {
		r.logger.Error("failed to delete private room",
			"room_id", roomID,
			"error", collaboratorError("delete channel", err),
		)
		return
	}
	if !deleted {
		r.logger.Info("private room already gone", "room_id", roomID)
		return
	}
	r.logger.Info("private room deleted", "room_id", roomID)
}

func (r *Router) clientEntered(ctx context.Context, ev PresenceTransition) {
	if existing, ok := r.calls.Get(ev.EntityID); ok {
		r.logger.Warn("ignoring waiting room entry",
			"client_id", ev.EntityID,
			"error", fmt.Errorf("%w: client %s already has call %s", ErrDuplicateCall, ev.EntityID, existing.ID),
		)
		return
	}

	var admin *Member
	members, err := r.listWaiting(ctx, ev.GuildID)
	if err != nil {
		r.logger.Error("failed to list waiting room, queueing client", "client_id", ev.EntityID, "error", err)
	} else {
		admin = firstAdmin(members)
	}

	c := &Call{
		ID:         r.newID(),
		ClientID:   ev.EntityID,
		ClientName: ev.EntityName,
		GuildID:    ev.GuildID,
		State:      StateWaiting,
		JoinedAt:   r.clock.Now(),
	}
	if admin != nil {
		c.State = StateClaimed
		c.HoldAudioMuted = true
		c.AdminID = admin.ID
		c.AdminName = admin.Name
	}
	if err := r.calls.Put(c); err != nil {
		r.logger.Warn("ignoring waiting room entry", "client_id", c.ClientID, "error", err)
		return
	}

	if admin != nil {
		r.logger.Info("client joined with administrator present",
			"call_id", c.ID,
			"client_id", c.ClientID,
			"admin_id", c.AdminID,
		)
		r.provisionRoom(ctx, c)
		return
	}

	r.logger.Info("client queued", "call_id", c.ID, "client_id", c.ClientID, "guild_id", c.GuildID)
	r.emitQueued(c)
	r.notify(ctx, NewCallQueued, c)

	if _, err := r.sessionFor(ctx, c.GuildID); err != nil {
		r.logger.Error("failed to acquire voice session", "guild_id", c.GuildID, "error", err)
		return
	}
	clientID, callID := c.ClientID, c.ID
	r.after(r.cfg.HoldDelay, func(ctx context.Context) { r.startHold(ctx, clientID, callID) })
}

func (r *Router) adminEntered(ctx context.Context, ev PresenceTransition) {
	members, err := r.listWaiting(ctx, ev.GuildID)
	if err != nil {
		r.logger.Error("failed to list waiting room", "admin_id", ev.EntityID, "error", err)
		return
	}
	present := make(map[string]bool, len(members))
	for _, m := range members {
		if !m.IsAdmin && !m.IsBot {
			present[m.ID] = true
		}
	}

	var candidates []*Call
	for _, c := range r.calls.Values() {
		if c.GuildID == ev.GuildID && c.State == StateWaiting && present[c.ClientID] {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("no waiting client to claim", "admin_id", ev.EntityID)
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].JoinedAt.Equal(candidates[j].JoinedAt) {
			return candidates[i].ClientID < candidates[j].ClientID
		}
		return candidates[i].JoinedAt.Before(candidates[j].JoinedAt)
	})

	c := candidates[0]
	c.HoldAudioMuted = true
	stopped := r.stopHold(c)
	c.State = StateClaimed
	c.AdminID = ev.EntityID
	c.AdminName = ev.EntityName
	r.logger.Info("call claimed", "call_id", c.ID, "client_id", c.ClientID, "admin_id", c.AdminID)
	r.provisionRoom(ctx, c)
	if stopped {
		r.resumeHold(ctx, c.GuildID)
	}
}

// provisionRoom takes a claimed call through room creation and migration.
func (r *Router) provisionRoom(ctx context.Context, c *Call) {
	r.emitClaimed(c)
	r.notify(ctx, CallClaimed, c)

	cctx, cancel := r.callCtx(ctx)
	roomID, err := r.directory.CreateVoiceChannel(cctx, r.roomRequest(c))
	cancel()
	if err != nil {
		r.logger.Error("failed to create private room",
			"call_id", c.ID,
			"client_id", c.ClientID,
			"error", collaboratorError("create channel", err),
		)
		return
	}

	now := r.clock.Now()
	room := &PrivateRoom{
		RoomID:    roomID,
		GuildID:   c.GuildID,
		ClientID:  c.ClientID,
		AdminID:   c.AdminID,
		CreatedAt: now,
	}
	if err := r.rooms.Put(room); err != nil {
		r.logger.Warn("private room not registered", "room_id", roomID, "error", err)
		return
	}
	c.PrivateRoomID = roomID
	c.CallStartTime = &now
	c.State = StateInRoom
	r.logger.Info("private room created", "call_id", c.ID, "room_id", roomID)

	if !r.moveParties(ctx, c) {
		r.logger.Warn("parties not moved into private room",
			"call_id", c.ID,
			"room_id", roomID,
			"client_id", c.ClientID,
			"admin_id", c.AdminID,
		)
		return
	}

	guildID := c.GuildID
	r.after(r.cfg.ClaimReleaseDelay, func(ctx context.Context) {
		r.releaseSessionIfIdle(ctx, guildID, false)
	})
}

// moveParties moves the client and then the administrator into the call's
// room. It reports whether both moves happened.
func (r *Router) moveParties(ctx context.Context, c *Call) bool {
	for _, id := range []string{c.ClientID, c.AdminID} {
		cctx, cancel := r.callCtx(ctx)
		moved, err := r.directory.MoveMember(cctx, c.GuildID, id, c.PrivateRoomID)
		cancel()
		if err != nil {
			r.logger.Error("failed to move member",
				"member_id", id,
				"room_id", c.PrivateRoomID,
				"error", collaboratorError("move member", err),
			)
			return false
		}
		if !moved {
			r.logger.Warn("member not connected to voice", "member_id", id, "room_id", c.PrivateRoomID)
			return false
		}
	}
	return true
}

func (r *Router) roomRequest(c *Call) RoomRequest {
	return RoomRequest{
		GuildID:  c.GuildID,
		Name:     RoomName(c.ClientName, r.roomNumber()),
		ParentID: r.cfg.CategoryID,
		Grants: []PermissionGrant{
			{SubjectID: c.GuildID, Role: true, Deny: PermViewChannel | PermConnect},
			{SubjectID: c.ClientID, Allow: PermViewChannel | PermConnect | PermSpeak},
			{SubjectID: c.AdminID, Allow: PermViewChannel | PermConnect | PermSpeak | PermMoveMembers},
			{SubjectID: r.cfg.AdminRoleID, Role: true, Allow: PermViewChannel | PermConnect | PermSpeak},
		},
	}
}

// RoomName builds a private room name from a client display name: word
// characters are kept, anything else becomes '-', and the cleaned name is
// cut to 15 runes.
func RoomName(clientName string, n int) string {
	var b strings.Builder
	count := 0
	for _, ch := range clientName {
		if count == maxRoomNameRunes {
			break
		}
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' {
			b.WriteRune(ch)
		} else {
			b.WriteRune('-')
		}
		count++
	}
	clean := b.String()
	if clean == "" {
		clean = "client"
	}
	return fmt.Sprintf("Supp-%s-%d", clean, n)
}

func (r *Router) notify(ctx context.Context, kind NotificationKind, c *Call) {
	if r.notifier == nil {
		return
	}
	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	err := r.notifier.Notify(cctx, kind, Notification{
		ClientID:   c.ClientID,
		ClientName: c.ClientName,
		AdminID:    c.AdminID,
		AdminName:  c.AdminName,
		Timestamp:  r.clock.Now(),
	})
	if err != nil {
		r.logger.Error("failed to send notification",
			"kind", kind,
			"call_id", c.ID,
			"error", collaboratorError("notify", err),
		)
	}
}

func (r *Router) listWaiting(ctx context.Context, guildID string) ([]Member, error) {
	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	members, err := r.directory.ListMembers(cctx, guildID, r.cfg.WaitingChannelID)
	if err != nil {
		return nil, collaboratorError("list members", err)
	}
	return members, nil
}

func firstAdmin(members []Member) *Member {
	for i := range members {
		if members[i].IsAdmin && !members[i].IsBot {
			return &members[i]
		}
	}
	return nil
}

func hasMember(members []Member, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}
