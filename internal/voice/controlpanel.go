package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/retry"
)

// PanelTitle identifies control panel messages among the bot's messages
const PanelTitle = "🎮 Voice Channel Controls"

const customIDPrefix = "vc_control_"

// Control panel actions encoded in button custom ids
const (
	ActionName     = "name"
	ActionPrivacy  = "privacy"
	ActionInvite   = "invite"
	ActionTransfer = "transfer"
)

// Follow-up actions carried by the rename modal and the user pickers the
// buttons open
const (
	ActionRenameSubmit = "renamesubmit"
	ActionInvitePick   = "invitepick"
	ActionTransferPick = "transferpick"
)

var errPanelMissing = errors.New("control panel message not found")

// CustomID builds the button id for action on a channel owned by ownerID
func CustomID(action, channelID, ownerID string) string {
	return customIDPrefix + action + "_" + channelID + "_" + ownerID
}

// ParseCustomID splits a control panel button id. Snowflakes never contain
// underscores, so the id has exactly three parts after the prefix.
func ParseCustomID(id string) (action, channelID, ownerID string, ok bool) {
	rest, found := strings.CutPrefix(id, customIDPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "_")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// IsPrivate reports whether the @everyone overwrite denies Connect.
// The @everyone role shares the guild's id.
func IsPrivate(ch *discordgo.Channel, guildID string) bool {
	if ch == nil {
		return false
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID == guildID && ow.Type == discordgo.PermissionOverwriteTypeRole {
			return ow.Deny&discordgo.PermissionVoiceConnect != 0
		}
	}
	return false
}

type panel struct {
	content    string
	embeds     []*discordgo.MessageEmbed
	components []discordgo.MessageComponent
}

func buildPanel(channelID, channelName, ownerID string, private bool) panel {
	privacy, color := "🌐 Public", 0x00ff00
	if private {
		privacy, color = "🔒 Invite-Only", 0xff0000
	}

	privacyButton := discordgo.Button{
		Label:    "🔒 Make Private",
		Style:    discordgo.DangerButton,
		CustomID: CustomID(ActionPrivacy, channelID, ownerID),
	}
	if private {
		privacyButton.Label = "🌐 Make Public"
		privacyButton.Style = discordgo.SuccessButton
	}

	return panel{
		content: "<@" + ownerID + ">",
		embeds: []*discordgo.MessageEmbed{{
			Title: PanelTitle,
			Description: fmt.Sprintf("Welcome to your voice channel: **%s**\n\n"+
				"Use the buttons below to customize your channel!\nPrivacy: %s", channelName, privacy),
			Color:  color,
			Footer: &discordgo.MessageEmbedFooter{Text: "Only the channel owner can use these controls"},
		}},
		components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "✏️ Rename",
					Style:    discordgo.PrimaryButton,
					CustomID: CustomID(ActionName, channelID, ownerID),
				},
				privacyButton,
				discordgo.Button{
					Label:    "👥 Invite",
					Style:    discordgo.SecondaryButton,
					CustomID: CustomID(ActionInvite, channelID, ownerID),
					Disabled: !private,
				},
				discordgo.Button{
					Label:    "👑 Transfer",
					Style:    discordgo.SecondaryButton,
					CustomID: CustomID(ActionTransfer, channelID, ownerID),
				},
			}},
		},
	}
}

func (m *Manager) sendControlPanel(ctx context.Context, channelID, channelName, ownerID string) (string, error) {
	p := buildPanel(channelID, channelName, ownerID, false)
	msg, err := m.platform.SendMessage(ctx, channelID, &discordgo.MessageSend{
		Content:    p.content,
		Embeds:     p.embeds,
		Components: p.components,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send control panel: %w", err)
	}
	return msg.ID, nil
}

// findControlPanel looks the panel up among the channel's recent messages
func (m *Manager) findControlPanel(ctx context.Context, channelID string) (string, error) {
	msgs, err := m.platform.ChannelMessages(ctx, channelID, 50)
	if err != nil {
		return "", fmt.Errorf("failed to fetch channel messages: %w", err)
	}
	botID := m.platform.BotUserID()
	for _, msg := range msgs {
		if msg.Author != nil && msg.Author.ID == botID && len(msg.Embeds) > 0 && msg.Embeds[0].Title == PanelTitle {
			return msg.ID, nil
		}
	}
	return "", errPanelMissing
}

// refreshControlPanel edits the existing panel in place so its mention and
// button ids reference ownerID and it shows the current privacy state. A
// missing panel is reported as errPanelMissing and never recreated.
func (m *Manager) refreshControlPanel(ctx context.Context, channelID, ownerID string) error {
	if !m.cfg.ControlPanelEnabled {
		return nil
	}

	ch, err := m.platform.Channel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to fetch channel: %w", err)
	}

	m.mu.Lock()
	msgID := ""
	if rec, ok := m.byOwner[ownerID]; ok && rec.ChannelID == channelID {
		msgID = rec.ControlPanelMessageID
	}
	m.mu.Unlock()

	if msgID == "" {
		if msgID, err = m.findControlPanel(ctx, channelID); err != nil {
			return err
		}
		m.setPanelID(channelID, msgID)
	}

	p := buildPanel(channelID, ch.Name, ownerID, IsPrivate(ch, m.guildID))
	err = m.platform.EditMessage(ctx, &discordgo.MessageEdit{
		ID:         msgID,
		Channel:    channelID,
		Content:    &p.content,
		Embeds:     &p.embeds,
		Components: &p.components,
	})
	if retry.IsNotFound(err) {
		m.setPanelID(channelID, "")
		return errPanelMissing
	}
	if err != nil {
		return fmt.Errorf("failed to edit control panel: %w", err)
	}
	return nil
}

func (m *Manager) setPanelID(channelID, msgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.byChannel[channelID]
	if !ok {
		return
	}
	rec := m.byOwner[owner]
	rec.ControlPanelMessageID = msgID
	m.byOwner[owner] = rec
}
