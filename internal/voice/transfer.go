package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/logger"
)

// TransferOwnership hands channelID to newOwnerID. The record changes only
// after the new owner's overwrite is in place. Revoking the old owner,
// renaming, refreshing the control panel and the notice are best effort.
func (m *Manager) TransferOwnership(ctx context.Context, channelID, newOwnerID, reason string) error {
	m.mu.Lock()
	oldOwner, ok := m.byChannel[channelID]
	_, newOwnsOther := m.byOwner[newOwnerID]
	m.mu.Unlock()

	if !ok {
		return ErrNoChannel
	}
	if oldOwner == newOwnerID {
		return nil
	}
	if newOwnsOther {
		return ErrAlreadyOwner
	}

	log := m.log.With(
		logger.F("channel_id", channelID),
		logger.F("old_owner_id", oldOwner),
		logger.F("new_owner_id", newOwnerID),
		logger.F("reason", reason))

	if err := m.platform.SetPermission(ctx, channelID, newOwnerID, discordgo.PermissionOverwriteTypeMember, ownerAllow, 0); err != nil {
		return fmt.Errorf("failed to grant ownership of %s: %w", channelID, err)
	}

	m.mu.Lock()
	if current, still := m.byChannel[channelID]; !still || current != oldOwner {
		m.mu.Unlock()
		log.Warn("channel changed hands during transfer, keeping current state")
		return nil
	}
	rec := m.byOwner[oldOwner]
	delete(m.byOwner, oldOwner)
	rec.OwnerUserID = newOwnerID
	m.byOwner[newOwnerID] = rec
	m.byChannel[channelID] = newOwnerID
	m.mu.Unlock()

	if err := m.platform.SetPermission(ctx, channelID, oldOwner, discordgo.PermissionOverwriteTypeMember,
		memberAllow, discordgo.PermissionManageChannels); err != nil {
		log.Warn("failed to revoke previous owner", logger.F("error", err))
	}

	displayName := m.platform.MemberName(ctx, m.guildID, newOwnerID)
	if !m.HasCustomName(channelID) {
		name := ChannelName(m.preferences(ctx, newOwnerID), displayName, m.cfg.ChannelPrefix, m.cfg.ChannelSuffix)
		if err := m.platform.RenameChannel(ctx, channelID, name); err != nil {
			log.Warn("failed to rename channel for new owner", logger.F("error", err))
		}
	}

	if err := m.refreshControlPanel(ctx, channelID, newOwnerID); err != nil {
		if errors.Is(err, errPanelMissing) {
			log.Warn("control panel message not found, skipping update")
		} else {
			log.Warn("failed to update control panel", logger.F("error", err))
		}
	}

	notice := fmt.Sprintf("👑 Channel ownership has been transferred to <@%s>", newOwnerID)
	if _, err := m.platform.SendMessage(ctx, channelID, &discordgo.MessageSend{Content: notice}); err != nil {
		log.Warn("failed to send ownership notice", logger.F("error", err))
	}

	m.metrics.OwnershipTransferred(reason)
	log.Info("transferred channel ownership", logger.F("new_owner_name", displayName))
	return nil
}

// TransferOwned hands the channel owned by actorID to newOwnerID, who must be
// connected to it.
func (m *Manager) TransferOwned(ctx context.Context, actorID, newOwnerID string) (string, error) {
	rec, ok := m.OwnedChannel(actorID)
	if !ok {
		return "", ErrNoChannel
	}
	found := false
	for _, id := range m.platform.ChannelMembers(m.guildID, rec.ChannelID) {
		if id == newOwnerID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("<@%s> is not in your channel", newOwnerID)
	}
	return rec.ChannelID, m.TransferOwnership(ctx, rec.ChannelID, newOwnerID, "manual")
}

// TogglePrivacy flips the @everyone Connect deny on channelID and returns the
// new state. Only the owner may toggle.
func (m *Manager) TogglePrivacy(ctx context.Context, channelID, actorID string) (bool, error) {
	owner, ok := m.Owner(channelID)
	if !ok {
		return false, ErrNoChannel
	}
	if owner != actorID {
		return false, ErrNotOwner
	}

	ch, err := m.platform.Channel(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch channel: %w", err)
	}

	private := !IsPrivate(ch, m.guildID)
	var allow, deny int64 = memberAllow, 0
	if private {
		allow, deny = discordgo.PermissionViewChannel, discordgo.PermissionVoiceConnect
	}
	if err := m.platform.SetPermission(ctx, channelID, m.guildID, discordgo.PermissionOverwriteTypeRole, allow, deny); err != nil {
		return false, fmt.Errorf("failed to update channel privacy: %w", err)
	}
	// Owner and current members keep access through their own overwrites.
	for _, id := range m.platform.ChannelMembers(m.guildID, channelID) {
		if id == owner {
			continue
		}
		if err := m.platform.SetPermission(ctx, channelID, id, discordgo.PermissionOverwriteTypeMember, memberAllow, 0); err != nil {
			m.log.Warn("failed to keep member access", logger.F("channel_id", channelID), logger.F("user_id", id), logger.F("error", err))
		}
	}

	if err := m.refreshControlPanel(ctx, channelID, owner); err != nil {
		m.log.Warn("failed to update control panel", logger.F("channel_id", channelID), logger.F("error", err))
	}
	return private, nil
}

// Invite grants targetID access to the channel owned by actorID, which
// matters once the channel is private.
func (m *Manager) Invite(ctx context.Context, actorID, targetID string) (string, error) {
	rec, ok := m.OwnedChannel(actorID)
	if !ok {
		return "", ErrNoChannel
	}
	if err := m.platform.SetPermission(ctx, rec.ChannelID, targetID, discordgo.PermissionOverwriteTypeMember, memberAllow, 0); err != nil {
		return "", fmt.Errorf("failed to invite %s: %w", targetID, err)
	}
	m.log.Info("invited member to channel",
		logger.F("channel_id", rec.ChannelID),
		logger.F("owner_id", actorID),
		logger.F("user_id", targetID))
	return rec.ChannelID, nil
}
