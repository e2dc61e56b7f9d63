// Package discord adapts the routing collaborators onto a discordgo session:
// channel and member directory, voice sessions with hold audio, operator
// notifications, and the voice-state intake that feeds the router.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/supportline/supportline/internal/routing"
)

// restAPI is the slice of *discordgo.Session the directory calls.
type restAPI interface {
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildMemberMove(guildID string, userID string, channelID *string, options ...discordgo.RequestOption) error
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// Directory implements routing.Directory over the Discord REST API and the
// gateway state cache.
type Directory struct {
	api         restAPI
	state       *discordgo.State
	adminRoleID string
	logger      *slog.Logger
}

// NewDirectory creates a directory. Members holding adminRoleID are
// reported as administrators.
func NewDirectory(api restAPI, state *discordgo.State, adminRoleID string, logger *slog.Logger) *Directory {
	return &Directory{
		api:         api,
		state:       state,
		adminRoleID: adminRoleID,
		logger:      logger.With("subsystem", "directory"),
	}
}

// CreateVoiceChannel creates the private room. A parent category that
// cannot be resolved is dropped rather than failing the request.
func (d *Directory) CreateVoiceChannel(ctx context.Context, req routing.RoomRequest) (string, error) {
	data := discordgo.GuildChannelCreateData{
		Name:                 req.Name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		PermissionOverwrites: overwrites(req.Grants),
	}
	if req.ParentID != "" {
		if d.categoryExists(ctx, req.ParentID) {
			data.ParentID = req.ParentID
		} else {
			d.logger.Warn("parent category not found, creating room without it", "category_id", req.ParentID)
		}
	}

	ch, err := d.api.GuildChannelCreateComplex(req.GuildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("creating voice channel %q: %w", req.Name, err)
	}
	d.logger.Info("voice channel created", "room_id", ch.ID, "name", ch.Name, "guild_id", req.GuildID)
	return ch.ID, nil
}

func (d *Directory) categoryExists(ctx context.Context, id string) bool {
	if d.state != nil {
		if ch, err := d.state.Channel(id); err == nil {
			return ch.Type == discordgo.ChannelTypeGuildCategory
		}
	}
	ch, err := d.api.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return false
	}
	return ch.Type == discordgo.ChannelTypeGuildCategory
}

// DeleteChannel deletes a channel, reporting false when it is already gone.
func (d *Directory) DeleteChannel(ctx context.Context, guildID, channelID, reason string) (bool, error) {
	_, err := d.api.ChannelDelete(channelID, discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting channel %s: %w", channelID, err)
	}
	return true, nil
}

// MoveMember moves a member who is connected to voice. Members not in any
// voice channel are reported with false and no error.
func (d *Directory) MoveMember(ctx context.Context, guildID, memberID, channelID string) (bool, error) {
	vs, err := d.state.VoiceState(guildID, memberID)
	if err != nil || vs.ChannelID == "" {
		return false, nil
	}
	if err := d.api.GuildMemberMove(guildID, memberID, &channelID, discordgo.WithContext(ctx)); err != nil {
		return false, fmt.Errorf("moving member %s: %w", memberID, err)
	}
	return true, nil
}

// ListMembers returns the occupants of a voice channel from the voice
// states cached by the gateway.
func (d *Directory) ListMembers(ctx context.Context, guildID, channelID string) ([]routing.Member, error) {
	g, err := d.state.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("looking up guild %s: %w", guildID, err)
	}

	d.state.RLock()
	var userIDs []string
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			userIDs = append(userIDs, vs.UserID)
		}
	}
	d.state.RUnlock()

	members := make([]routing.Member, 0, len(userIDs))
	for _, uid := range userIDs {
		m, err := d.member(ctx, guildID, uid)
		if err != nil {
			return nil, err
		}
		members = append(members, d.toMember(m))
	}
	return members, nil
}

func (d *Directory) member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if m, err := d.state.Member(guildID, userID); err == nil {
		return m, nil
	}
	m, err := d.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching member %s: %w", userID, err)
	}
	return m, nil
}

// IsAdmin reports whether a member holds the administrator role.
func (d *Directory) IsAdmin(m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	for _, r := range m.Roles {
		if r == d.adminRoleID {
			return true
		}
	}
	return false
}

func (d *Directory) toMember(m *discordgo.Member) routing.Member {
	out := routing.Member{
		Name:    displayName(m),
		IsAdmin: d.IsAdmin(m),
	}
	if m.User != nil {
		out.ID = m.User.ID
		out.IsBot = m.User.Bot
	}
	return out
}

// displayName prefers the guild nickname, then the global display name,
// then the username.
func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func overwrites(grants []routing.PermissionGrant) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(grants))
	for _, g := range grants {
		if g.SubjectID == "" {
			continue
		}
		typ := discordgo.PermissionOverwriteTypeMember
		if g.Role {
			typ = discordgo.PermissionOverwriteTypeRole
		}
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    g.SubjectID,
			Type:  typ,
			Allow: permissionBits(g.Allow),
			Deny:  permissionBits(g.Deny),
		})
	}
	return out
}

func permissionBits(p routing.Permission) int64 {
	var bits int64
	if p.Has(routing.PermViewChannel) {
		bits |= discordgo.PermissionViewChannel
	}
	if p.Has(routing.PermConnect) {
		bits |= discordgo.PermissionVoiceConnect
	}
	if p.Has(routing.PermSpeak) {
		bits |= discordgo.PermissionVoiceSpeak
	}
	if p.Has(routing.PermMoveMembers) {
		bits |= discordgo.PermissionVoiceMoveMembers
	}
	return bits
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
