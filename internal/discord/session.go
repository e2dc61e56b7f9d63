package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Intents the bot needs: guild and channel metadata, voice states for
// presence tracking, and members for role checks.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers

// NewSession creates a gateway session for a bot token. The session is not
// opened; callers register handlers first and then call Open.
func NewSession(token string, logger *slog.Logger) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true
	s.State.TrackVoice = true
	s.State.TrackMembers = true
	s.State.TrackChannels = true
	s.LogLevel = discordgo.LogWarning
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		logger.Warn("gateway disconnected, reconnecting")
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		logger.Info("gateway session resumed")
	})
	return s, nil
}
