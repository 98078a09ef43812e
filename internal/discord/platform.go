package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/config"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/retry"
)

// Platform adapts a discordgo session to voice.Platform. Reads of voice
// membership come from the gateway state cache; every REST call runs under
// bounded retry.
type Platform struct {
	session *discordgo.Session
	retry   retry.Config
	metrics *metrics.Metrics
}

// NewPlatform wraps session with the configured retry policy
func NewPlatform(session *discordgo.Session, cfg config.DiscordConfig, m *metrics.Metrics) *Platform {
	return &Platform{
		session: session,
		retry: retry.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Timeout:        cfg.RequestTimeout,
		},
		metrics: m,
	}
}

func (p *Platform) do(ctx context.Context, op string, fn func(opt discordgo.RequestOption) error) error {
	cfg := p.retry
	cfg.OnRetry = func(int, error) { p.metrics.PlatformRetry(op) }
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return fn(discordgo.WithContext(ctx))
	})
}

func (p *Platform) BotUserID() string {
	if p.session.State == nil || p.session.State.User == nil {
		return ""
	}
	return p.session.State.User.ID
}

func (p *Platform) PremiumTier(guildID string) discordgo.PremiumTier {
	g, err := p.session.State.Guild(guildID)
	if err != nil {
		return discordgo.PremiumTierNone
	}
	return g.PremiumTier
}

// ChannelMembers lists users connected to channelID in gateway order
func (p *Platform) ChannelMembers(guildID, channelID string) []string {
	g, err := p.session.State.Guild(guildID)
	if err != nil {
		return nil
	}
	p.session.State.RLock()
	defer p.session.State.RUnlock()

	var ids []string
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID {
			ids = append(ids, vs.UserID)
		}
	}
	return ids
}

// MemberName returns nickname, global name or username, in that order
func (p *Platform) MemberName(ctx context.Context, guildID, userID string) string {
	member, err := p.session.State.Member(guildID, userID)
	if err != nil {
		err = p.do(ctx, "member", func(opt discordgo.RequestOption) error {
			var rerr error
			member, rerr = p.session.GuildMember(guildID, userID, opt)
			return rerr
		})
	}
	if err != nil || member == nil {
		return userID
	}
	return memberDisplayName(member)
}

func memberDisplayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User == nil {
		return ""
	}
	if member.User.GlobalName != "" {
		return member.User.GlobalName
	}
	return member.User.Username
}

func (p *Platform) GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error) {
	var channels []*discordgo.Channel
	err := p.do(ctx, "guild_channels", func(opt discordgo.RequestOption) error {
		var err error
		channels, err = p.session.GuildChannels(guildID, opt)
		return err
	})
	return channels, err
}

func (p *Platform) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	var ch *discordgo.Channel
	err := p.do(ctx, "channel", func(opt discordgo.RequestOption) error {
		var err error
		ch, err = p.session.Channel(channelID, opt)
		return err
	})
	return ch, err
}

func (p *Platform) CreateChannel(ctx context.Context, guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	var ch *discordgo.Channel
	err := p.do(ctx, "create_channel", func(opt discordgo.RequestOption) error {
		var err error
		ch, err = p.session.GuildChannelCreateComplex(guildID, data, opt)
		return err
	})
	return ch, err
}

func (p *Platform) DeleteChannel(ctx context.Context, channelID string) error {
	return p.do(ctx, "delete_channel", func(opt discordgo.RequestOption) error {
		_, err := p.session.ChannelDelete(channelID, opt)
		return err
	})
}

func (p *Platform) RenameChannel(ctx context.Context, channelID, name string) error {
	return p.do(ctx, "rename_channel", func(opt discordgo.RequestOption) error {
		_, err := p.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, opt)
		return err
	})
}

func (p *Platform) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return p.do(ctx, "move_member", func(opt discordgo.RequestOption) error {
		return p.session.GuildMemberMove(guildID, userID, &channelID, opt)
	})
}

func (p *Platform) SetPermission(ctx context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error {
	return p.do(ctx, "set_permission", func(opt discordgo.RequestOption) error {
		return p.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, opt)
	})
}

func (p *Platform) ChannelMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error) {
	var msgs []*discordgo.Message
	err := p.do(ctx, "channel_messages", func(opt discordgo.RequestOption) error {
		var err error
		msgs, err = p.session.ChannelMessages(channelID, limit, "", "", "", opt)
		return err
	})
	return msgs, err
}

func (p *Platform) SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	var sent *discordgo.Message
	err := p.do(ctx, "send_message", func(opt discordgo.RequestOption) error {
		var err error
		sent, err = p.session.ChannelMessageSendComplex(channelID, msg, opt)
		return err
	})
	return sent, err
}

func (p *Platform) EditMessage(ctx context.Context, edit *discordgo.MessageEdit) error {
	return p.do(ctx, "edit_message", func(opt discordgo.RequestOption) error {
		_, err := p.session.ChannelMessageEditComplex(edit, opt)
		return err
	})
}

// IsAdmin reports whether userID holds Administrator in channelID
func (p *Platform) IsAdmin(userID, channelID string) (bool, error) {
	perms, err := p.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}
