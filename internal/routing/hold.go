package routing

import (
	"context"
)

// guildHold is the hold audio playing on a guild's voice session. Every
// waiting client hears the same stream, so it is tracked per guild and
// credited to the call it was started for.
type guildHold struct {
	clientID string
	callID   string
	clip     string
	gen      uint64
	playback Playback
}

// sessionFor returns the guild's live voice session, acquiring one in the
// waiting channel when none exists. A session that is no longer alive is
// released before it is replaced.
func (r *Router) sessionFor(ctx context.Context, guildID string) (VoiceSession, error) {
	if s, ok := r.sessions[guildID]; ok {
		if s.Alive() {
			return s, nil
		}
		delete(r.sessions, guildID)
		delete(r.holds, guildID)
		r.releaseSession(ctx, guildID, s, "release dead session")
	}

	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	s, err := r.voice.Acquire(cctx, guildID, r.cfg.WaitingChannelID)
	if err != nil {
		return nil, collaboratorError("acquire session", err)
	}
	r.sessions[guildID] = s
	r.logger.Info("voice session acquired", "guild_id", guildID, "channel_id", s.ChannelID())
	return s, nil
}

func (r *Router) releaseSession(ctx context.Context, guildID string, s VoiceSession, op string) bool {
	cctx, cancel := r.callCtx(ctx)
	defer cancel()
	if err := r.voice.Release(cctx, s); err != nil {
		r.logger.Error("failed to release voice session",
			"guild_id", guildID,
			"error", collaboratorError(op, err),
		)
		return false
	}
	return true
}

// liveCall returns the client's call only if it is still the call that
// scheduled the deferred work.
func (r *Router) liveCall(clientID, callID string) *Call {
	c, ok := r.calls.Get(clientID)
	if !ok || c.ID != callID {
		return nil
	}
	return c
}

// wantsHold reports whether c should be hearing hold audio.
func wantsHold(c *Call) bool {
	return c != nil && c.State == StateWaiting && !c.HoldAudioMuted && c.holdDue
}

func (r *Router) startHold(ctx context.Context, clientID, callID string) {
	c := r.liveCall(clientID, callID)
	if c == nil || c.State != StateWaiting || c.HoldAudioMuted {
		return
	}
	members, err := r.listWaiting(ctx, c.GuildID)
	if err != nil {
		r.logger.Error("failed to list waiting room for hold audio", "call_id", c.ID, "error", err)
		return
	}
	if !hasMember(members, clientID) {
		r.logger.Info("client gone before hold audio", "call_id", c.ID, "client_id", clientID)
		return
	}
	c.holdDue = true
	if h, ok := r.holds[c.GuildID]; ok {
		r.logger.Debug("hold audio already playing", "call_id", c.ID, "playing_for", h.callID)
		return
	}
	r.playHold(ctx, c, r.cfg.WaitingClip)
}

func (r *Router) playHold(ctx context.Context, c *Call, clip string) {
	sess, err := r.sessionFor(ctx, c.GuildID)
	if err != nil {
		r.logger.Error("failed to acquire voice session", "guild_id", c.GuildID, "error", err)
		return
	}

	r.holdGen++
	gen := r.holdGen
	guildID := c.GuildID
	pb, err := r.voice.Play(sess, clip, func() {
		r.post(func(ctx context.Context) { r.holdFinished(ctx, guildID, gen) })
	})
	if err != nil {
		r.logger.Error("failed to play hold audio",
			"call_id", c.ID,
			"clip", clip,
			"error", collaboratorError("play", err),
		)
		return
	}
	r.holds[guildID] = &guildHold{
		clientID: c.ClientID,
		callID:   c.ID,
		clip:     clip,
		gen:      gen,
		playback: pb,
	}
	r.logger.Debug("hold audio started", "call_id", c.ID, "clip", clip)
}

func (r *Router) holdFinished(ctx context.Context, guildID string, gen uint64) {
	h, ok := r.holds[guildID]
	if !ok || h.gen != gen {
		return
	}
	delete(r.holds, guildID)

	c := r.liveCall(h.clientID, h.callID)
	if !wantsHold(c) {
		r.resumeHold(ctx, guildID)
		return
	}
	if h.clip == r.cfg.WaitingClip {
		members, err := r.listWaiting(ctx, guildID)
		if err != nil {
			r.logger.Error("failed to list waiting room for hold loop", "call_id", c.ID, "error", err)
			return
		}
		if firstAdmin(members) != nil {
			r.logger.Debug("administrator present, not looping hold audio", "call_id", c.ID)
			return
		}
	}
	r.playHold(ctx, c, r.cfg.LoopClip)
}

// stopHold stops the guild's hold audio when it is playing for c. It
// reports whether anything was stopped.
func (r *Router) stopHold(c *Call) bool {
	h, ok := r.holds[c.GuildID]
	if !ok || h.callID != c.ID {
		return false
	}
	delete(r.holds, c.GuildID)
	r.voice.Stop(h.playback)
	return true
}

// resumeHold loops hold audio for the longest-waiting call that is due it,
// unless something is already playing in the guild.
func (r *Router) resumeHold(ctx context.Context, guildID string) {
	if _, ok := r.holds[guildID]; ok {
		return
	}
	var next *Call
	for _, c := range r.calls.Values() {
		if c.GuildID != guildID || !wantsHold(c) {
			continue
		}
		if next == nil || c.JoinedAt.Before(next.JoinedAt) ||
			(c.JoinedAt.Equal(next.JoinedAt) && c.ClientID < next.ClientID) {
			next = c
		}
	}
	if next == nil {
		return
	}
	r.logger.Info("hold audio handed over", "call_id", next.ID, "client_id", next.ClientID)
	r.playHold(ctx, next, r.cfg.LoopClip)
}

func (r *Router) waitingCalls(guildID string) int {
	n := 0
	for _, c := range r.calls.Values() {
		if c.GuildID == guildID && c.State == StateWaiting {
			n++
		}
	}
	return n
}

// releaseSessionIfIdle releases the guild session when no call in the guild
// is waiting. With requireEmpty it also requires the waiting channel to hold
// no non-bot members.
func (r *Router) releaseSessionIfIdle(ctx context.Context, guildID string, requireEmpty bool) {
	sess, ok := r.sessions[guildID]
	if !ok {
		return
	}
	if r.waitingCalls(guildID) > 0 {
		return
	}
	if requireEmpty {
		members, err := r.listWaiting(ctx, guildID)
		if err != nil {
			r.logger.Error("failed to list waiting room before release", "guild_id", guildID, "error", err)
			return
		}
		for _, m := range members {
			if !m.IsBot {
				return
			}
		}
	}

	delete(r.sessions, guildID)
	delete(r.holds, guildID)
	if r.releaseSession(ctx, guildID, sess, "release session") {
		r.logger.Info("voice session released", "guild_id", guildID)
	}
}
