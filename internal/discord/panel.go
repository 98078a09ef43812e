package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/voice"
	"voicekeeper/pkg/utils"
)

const (
	renameInputID  = "channel_name"
	maxChannelName = 100
	notOwnerReply  = "⛔ Only the channel owner can use these controls."
)

// PanelInteraction is one click or submit on a control panel, already
// decoded from its custom id. Values holds the users picked in a select
// menu and Text the submitted rename input.
type PanelInteraction struct {
	Action    string
	ChannelID string
	OwnerID   string
	ActorID   string
	Values    []string
	Text      string
}

// decodePanelInteraction extracts the panel fields from a gateway
// interaction. Interactions that do not belong to a panel return false.
func decodePanelInteraction(i *discordgo.Interaction) (PanelInteraction, bool) {
	var (
		customID string
		in       PanelInteraction
	)
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		customID, in.Values = data.CustomID, data.Values
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		customID, in.Text = data.CustomID, modalText(data.Components, renameInputID)
	default:
		return in, false
	}

	var ok bool
	in.Action, in.ChannelID, in.OwnerID, ok = voice.ParseCustomID(customID)
	if !ok {
		return in, false
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		in.ActorID = i.Member.User.ID
	case i.User != nil:
		in.ActorID = i.User.ID
	default:
		return in, false
	}
	return in, true
}

func modalText(rows []discordgo.MessageComponent, inputID string) string {
	for _, c := range rows {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, inner := range row.Components {
			if input, ok := inner.(*discordgo.TextInput); ok && input.CustomID == inputID {
				return input.Value
			}
		}
	}
	return ""
}

// PanelResponse performs a control panel action for the clicking user.
// Rename opens a modal, Invite and Transfer open a user picker, and the
// follow-ups they submit apply the change.
func PanelResponse(ctx context.Context, channels ChannelLifecycle, log *logger.Logger, in PanelInteraction) *discordgo.InteractionResponse {
	if channels == nil {
		return ephemeral("Voice channel management is disabled.")
	}
	if in.Action == voice.ActionPrivacy {
		return ephemeral(togglePrivacy(ctx, channels, in))
	}
	if in.ActorID != in.OwnerID {
		return ephemeral(notOwnerReply)
	}

	switch in.Action {
	case voice.ActionName:
		return renameModal(in.ChannelID, in.OwnerID)
	case voice.ActionInvite:
		return userPicker(voice.CustomID(voice.ActionInvitePick, in.ChannelID, in.OwnerID),
			"👥 Pick someone to let into your channel.", "Member to invite")
	case voice.ActionTransfer:
		return userPicker(voice.CustomID(voice.ActionTransferPick, in.ChannelID, in.OwnerID),
			"👑 Pick the member who should own your channel.", "New owner")

	case voice.ActionRenameSubmit:
		name := strings.TrimSpace(in.Text)
		if name == "" {
			return ephemeral("❌ The channel name cannot be empty.")
		}
		channelID, err := channels.RenameOwnedChannel(ctx, in.ActorID, name)
		if err != nil {
			return ephemeral(panelError(log, "rename", err))
		}
		return ephemeral(fmt.Sprintf("✏️ Renamed %s.", utils.FormatChannelMention(channelID)))
	case voice.ActionInvitePick:
		target, ok := pickedUser(in.Values)
		if !ok {
			return pickerResult("❌ Pick exactly one member.")
		}
		channelID, err := channels.Invite(ctx, in.ActorID, target)
		if err != nil {
			return pickerResult(panelError(log, "invite", err))
		}
		return pickerResult(fmt.Sprintf("👥 %s can now join %s.",
			utils.FormatUserMention(target), utils.FormatChannelMention(channelID)))
	case voice.ActionTransferPick:
		target, ok := pickedUser(in.Values)
		if !ok {
			return pickerResult("❌ Pick exactly one member.")
		}
		if _, err := channels.TransferOwned(ctx, in.ActorID, target); err != nil {
			return pickerResult(panelError(log, "transfer", err))
		}
		return pickerResult(fmt.Sprintf("👑 Ownership transferred to %s.", utils.FormatUserMention(target)))
	}
	return ephemeral("Unknown control.")
}

func togglePrivacy(ctx context.Context, channels ChannelLifecycle, in PanelInteraction) string {
	private, err := channels.TogglePrivacy(ctx, in.ChannelID, in.ActorID)
	switch {
	case errors.Is(err, voice.ErrNotOwner):
		return notOwnerReply
	case errors.Is(err, voice.ErrNoChannel):
		return "This channel is no longer managed."
	case err != nil:
		return fmt.Sprintf("❌ Could not change privacy: %v", err)
	case private:
		return "🔒 Your channel is now invite-only. Use the Invite button to let someone in."
	}
	return "🌐 Your channel is now public."
}

func panelError(log *logger.Logger, op string, err error) string {
	switch {
	case errors.Is(err, voice.ErrNoChannel):
		return "❌ You do not own a voice channel."
	case errors.Is(err, voice.ErrNotOwner), errors.Is(err, voice.ErrAlreadyOwner), errors.Is(err, voice.ErrInvalidPattern):
		return fmt.Sprintf("❌ %v", err)
	}
	log.Error("control panel action failed", err, logger.F("op", op))
	return fmt.Sprintf("❌ Could not %s: %v", op, err)
}

func pickedUser(values []string) (string, bool) {
	if len(values) != 1 {
		return "", false
	}
	return utils.ParseUserMention(values[0])
}

func renameModal(channelID, ownerID string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: voice.CustomID(voice.ActionRenameSubmit, channelID, ownerID),
			Title:    "Rename your channel",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:    renameInputID,
						Label:       "Channel name",
						Style:       discordgo.TextInputShort,
						Placeholder: "Late night raid",
						Required:    true,
						MinLength:   1,
						MaxLength:   maxChannelName,
					},
				}},
			},
		},
	}
}

func userPicker(customID, content, placeholder string) *discordgo.InteractionResponse {
	one := 1
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.UserSelectMenu,
						CustomID:    customID,
						Placeholder: placeholder,
						MinValues:   &one,
						MaxValues:   1,
					},
				}},
			},
		},
	}
}

// pickerResult replaces the picker message with the outcome
func pickerResult(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	}
}

func ephemeral(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
