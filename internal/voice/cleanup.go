package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/logger"
)

// CleanupEmptyChannels deletes every empty voice channel in the managed
// category except the lobby and channels still being provisioned, then drops
// bookkeeping for channels the platform no longer has. A sweep already in
// progress makes this call a no-op.
func (m *Manager) CleanupEmptyChannels(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	if !m.sweeping.CompareAndSwap(false, true) {
		m.log.Debug("sweep already running, skipping")
		return nil
	}
	defer m.sweeping.Store(false)

	categoryID, err := m.category(ctx)
	if err != nil {
		return err
	}
	channels, err := m.platform.GuildChannels(ctx, m.guildID)
	if err != nil {
		return fmt.Errorf("failed to list guild channels: %w", err)
	}

	existing := make(map[string]struct{}, len(channels))
	var errs []error
	deleted := 0
	for _, ch := range channels {
		existing[ch.ID] = struct{}{}
		if ch.ParentID != categoryID || ch.Type != discordgo.ChannelTypeGuildVoice {
			continue
		}
		if m.isLobbyChannel(ch) || m.isProvisioning(ch.ID) {
			continue
		}
		if len(m.platform.ChannelMembers(m.guildID, ch.ID)) > 0 {
			continue
		}
		if err := m.deleteChannel(ctx, ch.ID, "sweep"); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}

	m.mu.Lock()
	var stale []string
	for channelID := range m.byChannel {
		if _, ok := existing[channelID]; !ok && !m.isProvisioningLocked(channelID) {
			stale = append(stale, channelID)
		}
	}
	m.mu.Unlock()
	for _, channelID := range stale {
		m.forget(channelID)
	}

	if deleted > 0 || len(stale) > 0 {
		m.log.Info("swept managed category",
			logger.F("deleted", deleted),
			logger.F("stale_records", len(stale)))
	}
	return errors.Join(errs...)
}

func (m *Manager) isLobbyChannel(ch *discordgo.Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ch.ID == m.lobbyID || ch.Name == m.cfg.LobbyName || ch.Name == m.cfg.OfflineLobbyName
}

func (m *Manager) isProvisioning(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isProvisioningLocked(channelID)
}

func (m *Manager) isProvisioningLocked(channelID string) bool {
	started, ok := m.provisioning[channelID]
	return ok && m.now().Sub(started) < provisionGrace
}

// EnsureLobbyChannels makes sure the managed category and exactly one lobby
// exist. An offline named lobby is renamed back instead of creating another.
func (m *Manager) EnsureLobbyChannels(ctx context.Context) error {
	channels, err := m.platform.GuildChannels(ctx, m.guildID)
	if err != nil {
		return fmt.Errorf("failed to list guild channels: %w", err)
	}

	var categoryID string
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == m.cfg.CategoryName {
			categoryID = ch.ID
			break
		}
	}
	if categoryID == "" {
		cat, err := m.platform.CreateChannel(ctx, m.guildID, discordgo.GuildChannelCreateData{
			Name: m.cfg.CategoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		})
		if err != nil {
			return fmt.Errorf("failed to create category %q: %w", m.cfg.CategoryName, err)
		}
		categoryID = cat.ID
		m.log.Info("created managed category", logger.F("category_id", categoryID))
	}
	m.mu.Lock()
	m.categoryID = categoryID
	m.mu.Unlock()

	var lobby, offline *discordgo.Channel
	for _, ch := range channels {
		if ch.ParentID != categoryID || ch.Type != discordgo.ChannelTypeGuildVoice {
			continue
		}
		switch {
		case ch.Name == m.cfg.LobbyName && lobby == nil:
			lobby = ch
		case ch.Name == m.cfg.OfflineLobbyName && offline == nil:
			offline = ch
		}
	}

	if lobby != nil {
		m.setLobby(lobby.ID)
		return nil
	}

	if offline != nil {
		err := m.platform.RenameChannel(ctx, offline.ID, m.cfg.LobbyName)
		if err == nil {
			m.setLobby(offline.ID)
			m.log.Info("renamed offline lobby back online", logger.F("channel_id", offline.ID))
			return nil
		}
		m.log.Warn("failed to rename offline lobby, creating a new one", logger.F("error", err))
	}

	created, err := m.platform.CreateChannel(ctx, m.guildID, discordgo.GuildChannelCreateData{
		Name:     m.cfg.LobbyName,
		Type:     discordgo.ChannelTypeGuildVoice,
		ParentID: categoryID,
	})
	if err != nil {
		return fmt.Errorf("failed to create lobby channel: %w", err)
	}
	m.setLobby(created.ID)
	m.log.Info("created lobby channel", logger.F("channel_id", created.ID))
	return nil
}

func (m *Manager) setLobby(id string) {
	m.mu.Lock()
	m.lobbyID = id
	m.mu.Unlock()
}

// LobbyID returns the cached lobby channel id
func (m *Manager) LobbyID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lobbyID
}

// Initialize prepares the managed category at startup: the lobby is ensured
// and leftover empty channels from a previous run are swept. Users already
// waiting in the lobby are provisioned when their presence is replayed.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.log.Info("voice channel management is disabled, skipping initialization")
		return nil
	}
	if err := m.EnsureLobbyChannels(ctx); err != nil {
		return err
	}
	if err := m.CleanupEmptyChannels(ctx); err != nil {
		m.log.Warn("initial sweep incomplete", logger.F("error", err))
	}
	m.log.Info("voice channel manager initialized", logger.F("lobby_id", m.LobbyID()))
	return nil
}

// RenameLobbyOffline renames the lobby to the offline name so users see the
// bot is not provisioning channels. Called on shutdown.
func (m *Manager) RenameLobbyOffline(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	lobbyID := m.LobbyID()
	if lobbyID == "" {
		return nil
	}
	if err := m.platform.RenameChannel(ctx, lobbyID, m.cfg.OfflineLobbyName); err != nil {
		return fmt.Errorf("failed to rename lobby offline: %w", err)
	}
	m.log.Info("renamed lobby offline", logger.F("name", m.cfg.OfflineLobbyName))
	return nil
}

// CheckLobbyHealth restores the lobby when it was deleted or renamed
func (m *Manager) CheckLobbyHealth(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	channels, err := m.platform.GuildChannels(ctx, m.guildID)
	if err != nil {
		return fmt.Errorf("failed to list guild channels: %w", err)
	}

	lobbyID := m.LobbyID()
	for _, ch := range channels {
		if ch.ID == lobbyID && ch.Name == m.cfg.LobbyName {
			return nil
		}
	}

	m.log.Warn("lobby channel missing, restoring", logger.F("lobby_id", lobbyID))
	m.mu.Lock()
	m.lobbyID = ""
	m.categoryID = ""
	m.mu.Unlock()
	return m.EnsureLobbyChannels(ctx)
}
