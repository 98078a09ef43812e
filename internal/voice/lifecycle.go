package voice

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
	"voicekeeper/internal/retry"
)

const (
	ownerAllow = discordgo.PermissionManageChannels | discordgo.PermissionVoiceConnect |
		discordgo.PermissionVoiceSpeak | discordgo.PermissionViewChannel
	memberAllow = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak | discordgo.PermissionViewChannel

	// provisionGrace bounds how long a new channel is shielded from the sweep
	// while the owner's move is still in flight.
	provisionGrace = time.Minute
)

// HandlePresence reacts to one voice presence transition. Leaving is handled
// before joining so a user hopping from their own channel to the lobby first
// releases the old channel.
func (m *Manager) HandlePresence(ctx context.Context, ev models.PresenceEvent) error {
	if !m.cfg.Enabled || !ev.Moved() {
		return nil
	}

	if ev.ToChannelID != "" {
		m.arrived(ev.ToChannelID, ev.UserID)
	}

	var leaveErr error
	if ev.FromChannelID != "" {
		leaveErr = m.handleLeave(ctx, ev.FromChannelID, ev.UserID)
	}

	if ev.ToChannelID != "" && m.isLobby(ev.ToChannelID, ev.ToChannelName, ev.ToParentID) {
		if err := m.handleLobbyJoin(ctx, ev); err != nil {
			return err
		}
	}
	return leaveErr
}

func (m *Manager) isLobby(channelID, name, parentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lobbyID != "" && channelID == m.lobbyID {
		return true
	}
	if name == m.cfg.LobbyName && (m.categoryID == "" || parentID == m.categoryID) {
		m.lobbyID = channelID
		return true
	}
	return false
}

func (m *Manager) handleLeave(ctx context.Context, channelID, userID string) error {
	owner, tracked := m.Owner(channelID)
	if !tracked {
		return nil
	}

	remaining := without(m.platform.ChannelMembers(m.guildID, channelID), userID)
	if len(remaining) == 0 {
		return m.deleteChannel(ctx, channelID, "empty")
	}
	if owner != userID {
		return nil
	}
	if m.cfg.OwnershipGracePeriod > 0 {
		m.scheduleTransfer(channelID, userID)
		return nil
	}
	return m.transferToSuccessor(ctx, channelID, remaining)
}

// arrived settles bookkeeping once the owner's presence in channelID is
// observed: the provisioning guard is lifted and a pending transfer away from
// the returning owner is cancelled.
func (m *Manager) arrived(channelID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byChannel[channelID]; !ok || owner != userID {
		return
	}
	delete(m.provisioning, channelID)
	if m.cancelPendingLocked(channelID) {
		m.log.Info("owner rejoined, ownership transfer cancelled",
			logger.F("channel_id", channelID),
			logger.F("owner_id", userID))
	}
}

func (m *Manager) handleLobbyJoin(ctx context.Context, ev models.PresenceEvent) error {
	if rec, ok := m.OwnedChannel(ev.UserID); ok {
		_, err := m.platform.Channel(ctx, rec.ChannelID)
		switch {
		case err == nil:
			if err := m.platform.MoveMember(ctx, m.guildID, ev.UserID, rec.ChannelID); err != nil {
				return fmt.Errorf("failed to move %s back to channel %s: %w", ev.UserID, rec.ChannelID, err)
			}
			m.log.Info("moved owner back to existing channel",
				logger.F("user_id", ev.UserID),
				logger.F("channel_id", rec.ChannelID))
			return nil
		case retry.IsNotFound(err):
			m.forget(rec.ChannelID)
		default:
			return fmt.Errorf("failed to verify channel %s: %w", rec.ChannelID, err)
		}
	}

	name := ev.Name()
	if ev.DisplayName == "" {
		name = m.platform.MemberName(ctx, m.guildID, ev.UserID)
	}
	_, err := m.provision(ctx, ev.UserID, name)
	return err
}

// provision creates a channel for userID, moves them in and records it.
// On failure any created channel is deleted and nothing is recorded.
func (m *Manager) provision(ctx context.Context, userID, displayName string) (models.ActiveChannel, error) {
	categoryID, err := m.category(ctx)
	if err != nil {
		return models.ActiveChannel{}, err
	}

	prefs := m.preferences(ctx, userID)
	data := discordgo.GuildChannelCreateData{
		Name:     ChannelName(prefs, displayName, m.cfg.ChannelPrefix, m.cfg.ChannelSuffix),
		Type:     discordgo.ChannelTypeGuildVoice,
		ParentID: categoryID,
		PermissionOverwrites: []*discordgo.PermissionOverwrite{{
			ID:    userID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: ownerAllow,
		}},
	}
	if prefs != nil && prefs.UserLimit != nil {
		data.UserLimit = ClampLimit(*prefs.UserLimit)
	}
	if prefs != nil && prefs.Bitrate != nil {
		data.Bitrate = ClampBitrate(*prefs.Bitrate, m.platform.PremiumTier(m.guildID)) * 1000
	}

	ch, err := m.platform.CreateChannel(ctx, m.guildID, data)
	if err != nil {
		return models.ActiveChannel{}, fmt.Errorf("failed to create channel for %s: %w", userID, err)
	}

	// The guard stays until the owner's move into the channel is observed or
	// provisionGrace passes, whichever comes first.
	m.mu.Lock()
	m.provisioning[ch.ID] = m.now()
	m.mu.Unlock()

	if err := m.platform.MoveMember(ctx, m.guildID, userID, ch.ID); err != nil {
		m.mu.Lock()
		delete(m.provisioning, ch.ID)
		m.mu.Unlock()
		if derr := m.platform.DeleteChannel(ctx, ch.ID); derr != nil && !retry.IsNotFound(derr) {
			m.log.Error("failed to remove channel after failed move", derr, logger.F("channel_id", ch.ID))
		}
		return models.ActiveChannel{}, fmt.Errorf("failed to move %s into channel %s: %w", userID, ch.ID, err)
	}

	rec := models.ActiveChannel{
		ChannelID:   ch.ID,
		GuildID:     m.guildID,
		OwnerUserID: userID,
		CreatedAt:   m.now(),
	}
	m.record(rec)
	m.metrics.ChannelCreated()
	m.log.Info("created voice channel",
		logger.F("channel_id", ch.ID),
		logger.F("channel_name", ch.Name),
		logger.F("owner_id", userID))

	if m.cfg.ControlPanelEnabled {
		msgID, err := m.sendControlPanel(ctx, ch.ID, ch.Name, userID)
		if err != nil {
			m.log.Warn("failed to post control panel", logger.F("channel_id", ch.ID), logger.F("error", err))
		} else {
			m.setPanelID(ch.ID, msgID)
			rec.ControlPanelMessageID = msgID
		}
	}
	return rec, nil
}

// preferences loads stored customization; failures fall back to defaults
func (m *Manager) preferences(ctx context.Context, userID string) *models.VoicePreferences {
	if m.prefs == nil {
		return nil
	}
	prefs, err := m.prefs.GetPreferences(ctx, userID)
	if err != nil {
		m.log.Warn("failed to load voice preferences, using defaults",
			logger.F("user_id", userID),
			logger.F("error", err))
		return nil
	}
	return prefs
}

// category returns the managed category id, resolving it by name once
func (m *Manager) category(ctx context.Context) (string, error) {
	m.mu.Lock()
	id := m.categoryID
	m.mu.Unlock()
	if id != "" {
		return id, nil
	}

	channels, err := m.platform.GuildChannels(ctx, m.guildID)
	if err != nil {
		return "", fmt.Errorf("failed to list guild channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == m.cfg.CategoryName {
			m.mu.Lock()
			m.categoryID = ch.ID
			m.mu.Unlock()
			return ch.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCategoryNotFound, m.cfg.CategoryName)
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
