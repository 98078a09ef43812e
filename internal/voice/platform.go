package voice

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/models"
)

// Platform is the subset of the Discord API the controller drives.
// Implementations retry transient failures themselves.
type Platform interface {
	BotUserID() string
	PremiumTier(guildID string) discordgo.PremiumTier
	// ChannelMembers lists the users connected to a voice channel in
	// platform iteration order.
	ChannelMembers(guildID, channelID string) []string
	MemberName(ctx context.Context, guildID, userID string) string

	GuildChannels(ctx context.Context, guildID string) ([]*discordgo.Channel, error)
	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	CreateChannel(ctx context.Context, guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error)
	DeleteChannel(ctx context.Context, channelID string) error
	RenameChannel(ctx context.Context, channelID, name string) error
	MoveMember(ctx context.Context, guildID, userID, channelID string) error
	SetPermission(ctx context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error

	ChannelMessages(ctx context.Context, channelID string, limit int) ([]*discordgo.Message, error)
	SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	EditMessage(ctx context.Context, edit *discordgo.MessageEdit) error
}

// PreferencesStore reads stored channel customization
type PreferencesStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.VoicePreferences, error)
}

// ActivityReader reports how long a user spent in voice over the last week
type ActivityReader interface {
	WeeklyVoiceTime(ctx context.Context, userID string) (time.Duration, error)
}
