package discord

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/supportline/supportline/internal/routing"
)

// TransitionSink receives presence transitions. *routing.Router satisfies it.
type TransitionSink interface {
	OnPresenceTransition(ev routing.PresenceTransition)
}

// Intake converts gateway voice-state updates into presence transitions.
type Intake struct {
	sink   TransitionSink
	admin  func(*discordgo.Member) bool
	status string
	logger *slog.Logger
}

// NewIntake creates an intake that classifies members with dir.IsAdmin and
// sets status as the bot's listening activity once connected.
func NewIntake(sink TransitionSink, dir *Directory, status string, logger *slog.Logger) *Intake {
	return &Intake{
		sink:   sink,
		admin:  dir.IsAdmin,
		status: status,
		logger: logger.With("subsystem", "intake"),
	}
}

// Register installs the gateway handlers on s.
func (in *Intake) Register(s *discordgo.Session) {
	s.AddHandler(in.onReady)
	s.AddHandler(in.onVoiceStateUpdate)
}

func (in *Intake) onReady(s *discordgo.Session, r *discordgo.Ready) {
	in.logger.Info("gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	if in.status == "" {
		return
	}
	if err := s.UpdateListeningStatus(in.status); err != nil {
		in.logger.Warn("failed to set presence status", "error", err)
	}
}

func (in *Intake) onVoiceStateUpdate(_ *discordgo.Session, u *discordgo.VoiceStateUpdate) {
	ev, ok := in.transition(u)
	if !ok {
		return
	}
	in.sink.OnPresenceTransition(ev)
}

// transition maps an update to a PresenceTransition. Bot updates and
// updates that do not change channel are dropped.
func (in *Intake) transition(u *discordgo.VoiceStateUpdate) (routing.PresenceTransition, bool) {
	if u == nil || u.VoiceState == nil {
		return routing.PresenceTransition{}, false
	}
	m := u.Member
	if m != nil && m.User != nil && m.User.Bot {
		return routing.PresenceTransition{}, false
	}

	var from string
	if u.BeforeUpdate != nil {
		from = u.BeforeUpdate.ChannelID
	}
	if from == u.ChannelID {
		return routing.PresenceTransition{}, false
	}

	return routing.PresenceTransition{
		EntityID:      u.UserID,
		EntityName:    displayName(m),
		GuildID:       u.GuildID,
		FromChannelID: from,
		ToChannelID:   u.ChannelID,
		IsAdmin:       in.admin(m),
	}, true
}
