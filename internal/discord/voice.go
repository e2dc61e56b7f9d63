package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/supportline/supportline/internal/media"
	"github.com/supportline/supportline/internal/routing"
)

// voiceConn is the part of a voice connection used for playback.
type voiceConn interface {
	Ready() bool
	Opus() chan<- []byte
	Speaking(bool) error
	Disconnect() error
}

type gatewayConn struct {
	vc *discordgo.VoiceConnection
}

func (c gatewayConn) Ready() bool {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.Ready
}

func (c gatewayConn) Opus() chan<- []byte  { return c.vc.OpusSend }
func (c gatewayConn) Speaking(b bool) error { return c.vc.Speaking(b) }
func (c gatewayConn) Disconnect() error     { return c.vc.Disconnect() }

type joinFunc func(guildID, channelID string) (voiceConn, error)

// Voice implements routing.VoiceProvider. Each session plays at most one
// clip at a time; starting another cancels the previous one.
type Voice struct {
	join    joinFunc
	library *media.Library
	player  *media.Player
	logger  *slog.Logger
}

// NewVoice creates a voice provider that joins channels through s muted
// for input (self-deafened) and plays clips from library.
func NewVoice(s *discordgo.Session, library *media.Library, player *media.Player, logger *slog.Logger) *Voice {
	join := func(guildID, channelID string) (voiceConn, error) {
		vc, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
		if err != nil {
			return nil, err
		}
		return gatewayConn{vc: vc}, nil
	}
	return newVoice(join, library, player, logger)
}

func newVoice(join joinFunc, library *media.Library, player *media.Player, logger *slog.Logger) *Voice {
	return &Voice{
		join:    join,
		library: library,
		player:  player,
		logger:  logger.With("subsystem", "voice"),
	}
}

type session struct {
	guildID   string
	channelID string
	conn      voiceConn

	mu      sync.Mutex
	current *playback
}

func (s *session) GuildID() string   { return s.guildID }
func (s *session) ChannelID() string { return s.channelID }
func (s *session) Alive() bool       { return s.conn.Ready() }

type playback struct {
	clip    string
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

func (p *playback) Clip() string { return p.clip }

func (p *playback) stop() {
	p.stopped.Store(true)
	p.cancel()
}

// Acquire joins the channel. discordgo's join does not take a context, so
// ctx is only checked once the join returns.
func (v *Voice) Acquire(ctx context.Context, guildID, channelID string) (routing.VoiceSession, error) {
	conn, err := v.join(guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("joining voice channel %s: %w", channelID, err)
	}
	if err := ctx.Err(); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	v.logger.Info("joined voice channel", "guild_id", guildID, "channel_id", channelID)
	return &session{guildID: guildID, channelID: channelID, conn: conn}, nil
}

// Release stops playback and leaves the channel.
func (v *Voice) Release(ctx context.Context, vs routing.VoiceSession) error {
	s, ok := vs.(*session)
	if !ok {
		return fmt.Errorf("foreign voice session %T", vs)
	}
	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.mu.Unlock()
	if cur != nil {
		cur.stop()
		select {
		case <-cur.done:
		case <-ctx.Done():
		}
	}

	if err := s.conn.Disconnect(); err != nil {
		return fmt.Errorf("leaving voice channel %s: %w", s.channelID, err)
	}
	v.logger.Info("left voice channel", "guild_id", s.guildID, "channel_id", s.channelID)
	return nil
}

// Play starts clip on the session. onDone runs on the playback goroutine
// when the clip ends naturally.
func (v *Voice) Play(vs routing.VoiceSession, clip string, onDone func()) (routing.Playback, error) {
	s, ok := vs.(*session)
	if !ok {
		return nil, fmt.Errorf("foreign voice session %T", vs)
	}
	c, err := v.library.Clip(clip)
	if err != nil {
		return nil, fmt.Errorf("loading clip %s: %w", clip, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pb := &playback{clip: clip, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.current != nil {
		s.current.stop()
	}
	s.current = pb
	s.mu.Unlock()

	go v.run(ctx, s, pb, c, onDone)
	return pb, nil
}

func (v *Voice) run(ctx context.Context, s *session, pb *playback, c *media.Clip, onDone func()) {
	finished := v.send(ctx, s, pb, c)
	pb.cancel()
	// Release waits on done, and onDone may block on the caller's queue,
	// so done is closed first.
	close(pb.done)
	if !finished || onDone == nil || pb.stopped.Load() {
		return
	}
	onDone()
}

// send plays c on the session and reports whether it ran to the end.
func (v *Voice) send(ctx context.Context, s *session, pb *playback, c *media.Clip) bool {
	if err := s.conn.Speaking(true); err != nil {
		v.logger.Debug("speaking flag not set", "guild_id", s.guildID, "error", err)
	}
	_, err := v.player.Play(ctx, c, s.conn.Opus())
	if err := s.conn.Speaking(false); err != nil {
		v.logger.Debug("speaking flag not cleared", "guild_id", s.guildID, "error", err)
	}

	s.mu.Lock()
	if s.current == pb {
		s.current = nil
	}
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			v.logger.Error("playback failed", "guild_id", s.guildID, "clip", pb.clip, "error", err)
		}
		return false
	}
	return true
}

// Stop cancels a playback. Stopping a finished playback is a no-op.
func (v *Voice) Stop(p routing.Playback) {
	pb, ok := p.(*playback)
	if !ok {
		return
	}
	pb.stop()
}
