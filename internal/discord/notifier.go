package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/models"
	"voicekeeper/pkg/utils"
)

const maxReportedErrors = 5

// MessageSender posts a message to a channel
type MessageSender interface {
	SendMessage(ctx context.Context, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
}

// CleanupNotifier posts retention run reports to a text channel
type CleanupNotifier struct {
	sender    MessageSender
	channelID string
}

// NewCleanupNotifier returns a notifier posting to channelID. An empty
// channelID disables reporting.
func NewCleanupNotifier(sender MessageSender, channelID string) *CleanupNotifier {
	return &CleanupNotifier{sender: sender, channelID: channelID}
}

// NotifyCleanup posts the report embed
func (n *CleanupNotifier) NotifyCleanup(ctx context.Context, stats models.CleanupStats) error {
	if n.channelID == "" {
		return nil
	}
	if _, err := n.sender.SendMessage(ctx, n.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{cleanupEmbed(stats)},
	}); err != nil {
		return fmt.Errorf("failed to post cleanup report: %w", err)
	}
	return nil
}

func cleanupEmbed(stats models.CleanupStats) *discordgo.MessageEmbed {
	color := 0x00ff00
	if len(stats.Errors) > 0 {
		color = 0xffa500
	}
	embed := &discordgo.MessageEmbed{
		Title: "🧹 Voice Data Cleanup",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Sessions removed", Value: fmt.Sprint(stats.SessionsRemoved), Inline: true},
			{Name: "Users affected", Value: fmt.Sprint(stats.UsersAffected), Inline: true},
			{Name: "Execution time", Value: fmt.Sprintf("%dms", stats.ExecutionTimeMs), Inline: true},
		},
		Timestamp: stats.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	}
	if len(stats.Errors) > 0 {
		shown := stats.Errors
		if len(shown) > maxReportedErrors {
			shown = shown[:maxReportedErrors]
		}
		lines := make([]string, 0, len(shown)+1)
		for _, e := range shown {
			lines = append(lines, "• "+utils.TruncateString(e, 200))
		}
		if extra := len(stats.Errors) - len(shown); extra > 0 {
			lines = append(lines, fmt.Sprintf("…and %d more", extra))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("Errors (%d)", len(stats.Errors)),
			Value: strings.Join(lines, "\n"),
		})
	}
	return embed
}
