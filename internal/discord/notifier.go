package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/supportline/supportline/internal/routing"
)

const (
	colorQueued  = 0x3498db
	colorClaimed = 0x2ecc71
)

// messageSender is the slice of *discordgo.Session the notifier uses.
type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// NotifierConfig holds the channel and role ids used in operator messages.
type NotifierConfig struct {
	ChannelID        string
	WaitingChannelID string
	AdminRoleID      string

	// Rate and Burst throttle outgoing messages so a burst of joins does
	// not trip Discord's per-channel limits.
	Rate  rate.Limit
	Burst int
}

// Notifier posts call notifications to the operator text channel.
type Notifier struct {
	sender  messageSender
	cfg     NotifierConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewNotifier creates a notifier that sends through s.
func NewNotifier(s messageSender, cfg NotifierConfig, logger *slog.Logger) *Notifier {
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Every(time.Second)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Notifier{
		sender:  s,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		logger:  logger.With("subsystem", "notifier"),
	}
}

// Notify sends one notification, waiting for the rate limiter first.
func (n *Notifier) Notify(ctx context.Context, kind routing.NotificationKind, msg routing.Notification) error {
	data, err := buildMessage(n.cfg, kind, msg)
	if err != nil {
		return err
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}
	if _, err := n.sender.ChannelMessageSendComplex(n.cfg.ChannelID, data, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending %s notification: %w", kind, err)
	}
	n.logger.Debug("notification sent", "kind", kind, "client_id", msg.ClientID)
	return nil
}

func buildMessage(cfg NotifierConfig, kind routing.NotificationKind, msg routing.Notification) (*discordgo.MessageSend, error) {
	ts := msg.Timestamp.UTC()
	relative := fmt.Sprintf("<t:%d:R>", ts.Unix())
	client := fmt.Sprintf("%s\n<@%s>", msg.ClientName, msg.ClientID)

	switch kind {
	case routing.NewCallQueued:
		return &discordgo.MessageSend{
			Content: fmt.Sprintf("<@&%s> A client is waiting for support.", cfg.AdminRoleID),
			Embeds: []*discordgo.MessageEmbed{{
				Title:       "New voice support request",
				Description: "**A client is waiting for support**",
				Color:       colorQueued,
				Fields: []*discordgo.MessageEmbedField{
					{Name: "Client", Value: client, Inline: true},
					{Name: "Time", Value: relative, Inline: true},
					{Name: "Where", Value: fmt.Sprintf("<#%s>", cfg.WaitingChannelID), Inline: true},
				},
				Footer:    &discordgo.MessageEmbedFooter{Text: "Join the waiting room to take the call"},
				Timestamp: ts.Format(time.RFC3339),
			}},
			AllowedMentions: &discordgo.MessageAllowedMentions{Roles: []string{cfg.AdminRoleID}},
		}, nil

	case routing.CallClaimed:
		return &discordgo.MessageSend{
			Content: fmt.Sprintf("**Call claimed**\nAdministrator <@%s> took the call from <@%s>", msg.AdminID, msg.ClientID),
			Embeds: []*discordgo.MessageEmbed{{
				Title:       "Call claimed",
				Description: "**The support request has been taken**",
				Color:       colorClaimed,
				Fields: []*discordgo.MessageEmbedField{
					{Name: "Client", Value: client, Inline: true},
					{Name: "Administrator", Value: fmt.Sprintf("%s\n<@%s>", msg.AdminName, msg.AdminID), Inline: true},
					{Name: "Time", Value: relative, Inline: true},
				},
				Timestamp: ts.Format(time.RFC3339),
			}},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}, nil
	}
	return nil, fmt.Errorf("unknown notification kind %q", kind)
}
