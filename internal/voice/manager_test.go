package voice

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicekeeper/internal/config"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
)

func testConfig() config.VoiceConfig {
	return config.VoiceConfig{
		Enabled:             true,
		CategoryName:        "Dynamic Voice Channels",
		LobbyName:           "Lobby",
		OfflineLobbyName:    "🔴 Lobby",
		ChannelPrefix:       "🎮",
		ChannelSuffix:       "'s Room",
		ControlPanelEnabled: true,
	}
}

func newTestManager(t *testing.T, prefs *fakePrefs) (*Manager, *fakePlatform) {
	t.Helper()
	return newTestManagerWith(t, prefs, testConfig())
}

func newTestManagerWith(t *testing.T, prefs *fakePrefs, cfg config.VoiceConfig, opts ...Option) (*Manager, *fakePlatform) {
	t.Helper()
	platform := newFakePlatform()
	platform.names["alice"] = "Alice"
	platform.names["bob"] = "Bob"
	platform.names["carol"] = "Carol"
	m := New(platform, prefs, logger.Discard(), testGuild, cfg, opts...)
	require.NoError(t, m.EnsureLobbyChannels(context.Background()))
	t.Cleanup(m.Close)
	return m, platform
}

func lobbyEvent(p *fakePlatform, userID string) models.PresenceEvent {
	return models.PresenceEvent{
		GuildID:       testGuild,
		UserID:        userID,
		DisplayName:   p.names[userID],
		ToChannelID:   testLobby,
		ToChannelName: "Lobby",
		ToParentID:    testCategory,
	}
}

// joinLobby mirrors the platform: state updates first, then the event. The
// move into the new channel is delivered as a second event.
func joinLobby(t *testing.T, m *Manager, p *fakePlatform, userID string) models.ActiveChannel {
	t.Helper()
	p.connect(userID, testLobby)
	require.NoError(t, m.HandlePresence(context.Background(), lobbyEvent(p, userID)))
	rec, ok := m.OwnedChannel(userID)
	require.True(t, ok)
	require.NoError(t, m.HandlePresence(context.Background(), models.PresenceEvent{
		GuildID:       testGuild,
		UserID:        userID,
		FromChannelID: testLobby,
		ToChannelID:   rec.ChannelID,
	}))
	return rec
}

func moveTo(t *testing.T, m *Manager, p *fakePlatform, userID, from, to string) {
	t.Helper()
	p.connect(userID, to)
	require.NoError(t, m.HandlePresence(context.Background(), models.PresenceEvent{
		GuildID:       testGuild,
		UserID:        userID,
		FromChannelID: from,
		ToChannelID:   to,
	}))
}

func TestHandlePresence_LobbyJoinProvisionsChannel(t *testing.T) {
	m, p := newTestManager(t, nil)

	rec := joinLobby(t, m, p, "alice")

	ch, err := p.Channel(context.Background(), rec.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "🎮 Alice's Room", ch.Name)
	assert.Equal(t, testCategory, ch.ParentID)
	assert.Equal(t, discordgo.ChannelTypeGuildVoice, ch.Type)
	assert.Equal(t, []string{"alice"}, p.ChannelMembers(testGuild, rec.ChannelID))
	assert.Empty(t, p.ChannelMembers(testGuild, testLobby))

	ow := p.overwrite(rec.ChannelID, "alice")
	require.NotNil(t, ow)
	assert.Equal(t, int64(ownerAllow), ow.Allow)

	owner, ok := m.Owner(rec.ChannelID)
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	panel := p.panel(rec.ChannelID)
	require.NotNil(t, panel)
	assert.Equal(t, "<@alice>", panel.Content)
	assert.Equal(t, panel.ID, rec.ControlPanelMessageID)
}

func TestHandlePresence_AppliesPreferences(t *testing.T) {
	pattern := "{username}'s den"
	limit := 150
	bitrate := 300
	prefs := &fakePrefs{prefs: map[string]*models.VoicePreferences{
		"alice": {UserID: "alice", NamePattern: &pattern, UserLimit: &limit, Bitrate: &bitrate},
	}}
	m, p := newTestManager(t, prefs)

	rec := joinLobby(t, m, p, "alice")

	ch, err := p.Channel(context.Background(), rec.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "Alice's den", ch.Name)
	assert.Equal(t, 99, ch.UserLimit)
	assert.Equal(t, 96000, ch.Bitrate)
}

func TestHandlePresence_NoDuplicateChannelForOwner(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	// a lobby join delivered without the preceding leave
	p.connect("bob", rec.ChannelID)
	before := p.channelCount()

	p.connect("alice", testLobby)
	require.NoError(t, m.HandlePresence(context.Background(), models.PresenceEvent{
		UserID: "alice", DisplayName: "Alice", ToChannelID: testLobby, ToChannelName: "Lobby", ToParentID: testCategory,
	}))

	assert.Equal(t, before, p.channelCount())
	again, ok := m.OwnedChannel("alice")
	require.True(t, ok)
	assert.Equal(t, rec.ChannelID, again.ChannelID)
	assert.Contains(t, p.ChannelMembers(testGuild, rec.ChannelID), "alice")
	assert.Len(t, m.ActiveChannels(), 1)
}

func TestHandlePresence_MoveFailureLeavesNoRecord(t *testing.T) {
	m, p := newTestManager(t, nil)
	p.moveErr = serverError()
	p.connect("alice", testLobby)

	err := m.HandlePresence(context.Background(), models.PresenceEvent{
		UserID: "alice", ToChannelID: testLobby, ToChannelName: "Lobby", ToParentID: testCategory,
	})
	require.Error(t, err)

	_, ok := m.OwnedChannel("alice")
	assert.False(t, ok)
	assert.Empty(t, m.ActiveChannels())
	require.Len(t, p.deleted, 1)
	assert.Equal(t, 2, p.channelCount())
}

func TestHandlePresence_OwnerLeavesTransfersToRemainingMember(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	owner, ok := m.Owner(rec.ChannelID)
	require.True(t, ok)
	assert.Equal(t, "bob", owner)
	_, aliceOwns := m.OwnedChannel("alice")
	assert.False(t, aliceOwns)

	bobOW := p.overwrite(rec.ChannelID, "bob")
	require.NotNil(t, bobOW)
	assert.NotZero(t, bobOW.Allow&discordgo.PermissionManageChannels)

	aliceOW := p.overwrite(rec.ChannelID, "alice")
	require.NotNil(t, aliceOW)
	assert.Zero(t, aliceOW.Allow&discordgo.PermissionManageChannels)
	assert.NotZero(t, aliceOW.Deny&discordgo.PermissionManageChannels)

	panel := p.panel(rec.ChannelID)
	require.NotNil(t, panel)
	assert.Equal(t, "<@bob>", panel.Content)
	require.Len(t, panel.Components, 1)
	row := panel.Components[0].(discordgo.ActionsRow)
	for _, c := range row.Components {
		b := c.(discordgo.Button)
		_, channelID, ownerID, ok := ParseCustomID(b.CustomID)
		require.True(t, ok)
		assert.Equal(t, rec.ChannelID, channelID)
		assert.Equal(t, "bob", ownerID)
		assert.NotContains(t, b.CustomID, "alice")
	}
	require.Len(t, p.edits, 1)

	sent := p.sent[rec.ChannelID]
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], "<@bob>")
	assert.Equal(t, "🎮 Bob's Room", p.renames[rec.ChannelID])
}

func TestHandlePresence_NonOwnerLeaveChangesNothing(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	permsBefore := len(p.perms)

	moveTo(t, m, p, "bob", rec.ChannelID, "")

	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "alice", owner)
	assert.Len(t, p.perms, permsBefore)
	assert.Empty(t, p.deleted)
}

func TestHandlePresence_EmptyCustomNamedChannelIsDeleted(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")

	_, err := m.RenameOwnedChannel(context.Background(), "alice", "Study Hall")
	require.NoError(t, err)
	require.True(t, m.HasCustomName(rec.ChannelID))

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	assert.Equal(t, []string{rec.ChannelID}, p.deleted)
	assert.False(t, m.HasCustomName(rec.ChannelID))
	_, ok := m.Owner(rec.ChannelID)
	assert.False(t, ok)
	assert.Empty(t, m.ActiveChannels())
}

func TestTransferOwnership_KeepsCustomName(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	_, err := m.RenameOwnedChannel(context.Background(), "alice", "Study Hall")
	require.NoError(t, err)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	ch, err := p.Channel(context.Background(), rec.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "Study Hall", ch.Name)
	updated, ok := m.OwnedChannel("bob")
	require.True(t, ok)
	assert.True(t, updated.HasCustomName)
}

func TestTransferOwnership_MissingPanelStillCompletes(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	p.dropMessages(rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "bob", owner)
	assert.Empty(t, p.edits)
	assert.Nil(t, p.panel(rec.ChannelID))
	sent := p.sent[rec.ChannelID]
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "<@bob>")
}

func TestTransferOwned_RequiresMemberInChannel(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")

	_, err := m.TransferOwned(context.Background(), "alice", "carol")
	require.Error(t, err)

	moveTo(t, m, p, "carol", "", rec.ChannelID)
	channelID, err := m.TransferOwned(context.Background(), "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, rec.ChannelID, channelID)
	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "carol", owner)

	_, err = m.TransferOwned(context.Background(), "alice", "carol")
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestChannelDeletedOnlyWhenEmpty(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	moveTo(t, m, p, "carol", "", rec.ChannelID)

	moveTo(t, m, p, "carol", rec.ChannelID, "")
	assert.Empty(t, p.deleted)
	moveTo(t, m, p, "alice", rec.ChannelID, "")
	assert.Empty(t, p.deleted)
	moveTo(t, m, p, "bob", rec.ChannelID, "")
	assert.Equal(t, []string{rec.ChannelID}, p.deleted)

	// the lobby is never deleted even when empty
	assert.NoError(t, m.CleanupEmptyChannels(context.Background()))
	_, err := p.Channel(context.Background(), testLobby)
	assert.NoError(t, err)
}

func TestDeleteChannel_FailureKeepsRecordUntilGone(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	p.deleteErr[rec.ChannelID] = serverError()

	p.connect("alice", "")
	err := m.HandlePresence(context.Background(), models.PresenceEvent{UserID: "alice", FromChannelID: rec.ChannelID})
	require.Error(t, err)
	_, ok := m.Owner(rec.ChannelID)
	assert.True(t, ok)

	// channel removed behind our back: the next failure reconciles
	p.mu.Lock()
	delete(p.channels, rec.ChannelID)
	p.mu.Unlock()
	require.NoError(t, m.deleteChannel(context.Background(), rec.ChannelID, "empty"))
	_, ok = m.Owner(rec.ChannelID)
	assert.False(t, ok)
}

func TestDeleteChannel_ConcurrentDeleteIsGuarded(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	p.connect("alice", "")
	p.deleteGate = make(chan struct{})
	p.deleteEntered = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, m.deleteChannel(context.Background(), rec.ChannelID, "empty"))
	}()
	<-p.deleteEntered

	assert.NoError(t, m.deleteChannel(context.Background(), rec.ChannelID, "sweep"))
	close(p.deleteGate)
	wg.Wait()

	assert.Equal(t, []string{rec.ChannelID}, p.deleted)
}

func TestCleanupEmptyChannels(t *testing.T) {
	m, p := newTestManager(t, nil)
	busy := joinLobby(t, m, p, "alice")
	idle := joinLobby(t, m, p, "bob")
	p.connect("bob", "")

	p.addChannel(&discordgo.Channel{ID: "offline", Name: "🔴 Lobby", Type: discordgo.ChannelTypeGuildVoice, ParentID: testCategory})
	p.addChannel(&discordgo.Channel{ID: "leftover", Name: "old room", Type: discordgo.ChannelTypeGuildVoice, ParentID: testCategory})
	p.addChannel(&discordgo.Channel{ID: "outside", Name: "General", Type: discordgo.ChannelTypeGuildVoice, ParentID: "other"})
	p.addChannel(&discordgo.Channel{ID: "text", Name: "chat", Type: discordgo.ChannelTypeGuildText, ParentID: testCategory})

	require.NoError(t, m.CleanupEmptyChannels(context.Background()))

	assert.ElementsMatch(t, []string{idle.ChannelID, "leftover"}, p.deleted)
	_, ok := m.Owner(idle.ChannelID)
	assert.False(t, ok)
	_, ok = m.Owner(busy.ChannelID)
	assert.True(t, ok)

	// idempotent
	require.NoError(t, m.CleanupEmptyChannels(context.Background()))
	assert.Len(t, p.deleted, 2)
}

func TestCleanupEmptyChannels_SparesChannelUntilOwnerArrives(t *testing.T) {
	m, p := newTestManager(t, nil)
	ctx := context.Background()
	p.moveLag = true
	p.connect("alice", testLobby)

	require.NoError(t, m.HandlePresence(ctx, lobbyEvent(p, "alice")))
	rec, ok := m.OwnedChannel("alice")
	require.True(t, ok)
	require.Empty(t, p.ChannelMembers(testGuild, rec.ChannelID))

	require.NoError(t, m.CleanupEmptyChannels(ctx))
	assert.Empty(t, p.deleted)
	_, ok = m.Owner(rec.ChannelID)
	assert.True(t, ok)

	// the move lands, then the owner leaves and the channel goes with them
	moveTo(t, m, p, "alice", testLobby, rec.ChannelID)
	assert.False(t, m.isProvisioning(rec.ChannelID))
	moveTo(t, m, p, "alice", rec.ChannelID, "")
	assert.Equal(t, []string{rec.ChannelID}, p.deleted)
}

func TestCleanupEmptyChannels_ProvisionGuardExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	m, p := newTestManagerWith(t, nil, testConfig(), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	p.moveLag = true
	p.connect("alice", testLobby)

	require.NoError(t, m.HandlePresence(ctx, lobbyEvent(p, "alice")))
	rec, ok := m.OwnedChannel("alice")
	require.True(t, ok)

	now = now.Add(provisionGrace - time.Second)
	require.NoError(t, m.CleanupEmptyChannels(ctx))
	assert.Empty(t, p.deleted)

	now = now.Add(time.Second)
	require.NoError(t, m.CleanupEmptyChannels(ctx))
	assert.Equal(t, []string{rec.ChannelID}, p.deleted)
	_, ok = m.OwnedChannel("alice")
	assert.False(t, ok)
}

func TestHandlePresence_GracePeriodCancelledWhenOwnerReturns(t *testing.T) {
	cfg := testConfig()
	cfg.OwnershipGracePeriod = time.Hour
	m, p := newTestManagerWith(t, nil, cfg)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")
	assert.True(t, m.PendingTransfer(rec.ChannelID))
	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "alice", owner)

	moveTo(t, m, p, "alice", "", rec.ChannelID)
	assert.False(t, m.PendingTransfer(rec.ChannelID))
	owner, _ = m.Owner(rec.ChannelID)
	assert.Equal(t, "alice", owner)
	assert.Nil(t, p.overwrite(rec.ChannelID, "bob"))
}

func TestHandlePresence_GracePeriodTransfersAfterDelay(t *testing.T) {
	cfg := testConfig()
	cfg.OwnershipGracePeriod = 10 * time.Millisecond
	m, p := newTestManagerWith(t, nil, cfg)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	assert.Eventually(t, func() bool {
		owner, _ := m.Owner(rec.ChannelID)
		return owner == "bob"
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !m.PendingTransfer(rec.ChannelID) }, time.Second, 5*time.Millisecond)
}

func TestHandlePresence_GracePeriodChannelEmptied(t *testing.T) {
	cfg := testConfig()
	cfg.OwnershipGracePeriod = time.Hour
	m, p := newTestManagerWith(t, nil, cfg)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")
	require.True(t, m.PendingTransfer(rec.ChannelID))
	moveTo(t, m, p, "bob", rec.ChannelID, "")

	assert.Equal(t, []string{rec.ChannelID}, p.deleted)
	assert.False(t, m.PendingTransfer(rec.ChannelID))
}

func TestTransferOwnership_PrefersMostActiveMember(t *testing.T) {
	activity := &fakeActivity{weekly: map[string]time.Duration{
		"bob":   10 * time.Minute,
		"carol": 2 * time.Hour,
	}}
	m, p := newTestManagerWith(t, nil, testConfig(), WithActivity(activity))
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	moveTo(t, m, p, "carol", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "carol", owner)
}

func TestTransferOwnership_RankingFailureKeepsPlatformOrder(t *testing.T) {
	activity := &fakeActivity{err: assert.AnError}
	m, p := newTestManagerWith(t, nil, testConfig(), WithActivity(activity))
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	moveTo(t, m, p, "carol", "", rec.ChannelID)

	moveTo(t, m, p, "alice", rec.ChannelID, "")

	owner, _ := m.Owner(rec.ChannelID)
	assert.Equal(t, "bob", owner)
}

func TestCleanupEmptyChannels_DropsStaleRecords(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")

	p.mu.Lock()
	delete(p.channels, rec.ChannelID)
	p.mu.Unlock()

	require.NoError(t, m.CleanupEmptyChannels(context.Background()))
	_, ok := m.OwnedChannel("alice")
	assert.False(t, ok)
}

func TestEnsureLobbyChannels(t *testing.T) {
	p := &fakePlatform{
		channels:  make(map[string]*discordgo.Channel),
		members:   make(map[string][]string),
		names:     make(map[string]string),
		messages:  make(map[string][]*discordgo.Message),
		renames:   make(map[string]string),
		sent:      make(map[string][]string),
		deleteErr: make(map[string]error),
	}
	m := New(p, nil, logger.Discard(), testGuild, testConfig())
	ctx := context.Background()

	require.NoError(t, m.EnsureLobbyChannels(ctx))
	require.Len(t, p.created, 2)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, p.created[0].Type)
	assert.Equal(t, "Lobby", p.created[1].Name)
	lobbyID := m.LobbyID()
	require.NotEmpty(t, lobbyID)

	require.NoError(t, m.EnsureLobbyChannels(ctx))
	assert.Len(t, p.created, 2)
	assert.Equal(t, lobbyID, m.LobbyID())

	require.NoError(t, m.RenameLobbyOffline(ctx))
	assert.Equal(t, "🔴 Lobby", p.renames[lobbyID])

	require.NoError(t, m.EnsureLobbyChannels(ctx))
	assert.Len(t, p.created, 2)
	assert.Equal(t, "Lobby", p.renames[lobbyID])
}

func TestCheckLobbyHealth_RestoresMissingLobby(t *testing.T) {
	m, p := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.CheckLobbyHealth(ctx))
	assert.Empty(t, p.created)

	p.mu.Lock()
	delete(p.channels, testLobby)
	p.mu.Unlock()

	require.NoError(t, m.CheckLobbyHealth(ctx))
	require.Len(t, p.created, 1)
	assert.Equal(t, "Lobby", p.created[0].Name)
	assert.NotEqual(t, testLobby, m.LobbyID())
}

func TestTogglePrivacy(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	moveTo(t, m, p, "bob", "", rec.ChannelID)
	ctx := context.Background()

	_, err := m.TogglePrivacy(ctx, rec.ChannelID, "bob")
	assert.ErrorIs(t, err, ErrNotOwner)

	private, err := m.TogglePrivacy(ctx, rec.ChannelID, "alice")
	require.NoError(t, err)
	assert.True(t, private)

	ch, _ := p.Channel(ctx, rec.ChannelID)
	assert.True(t, IsPrivate(ch, testGuild))
	bobOW := p.overwrite(rec.ChannelID, "bob")
	require.NotNil(t, bobOW)
	assert.NotZero(t, bobOW.Allow&discordgo.PermissionVoiceConnect)

	panel := p.panel(rec.ChannelID)
	require.NotNil(t, panel)
	assert.Contains(t, panel.Embeds[0].Description, "Invite-Only")

	private, err = m.TogglePrivacy(ctx, rec.ChannelID, "alice")
	require.NoError(t, err)
	assert.False(t, private)
	assert.Contains(t, p.panel(rec.ChannelID).Embeds[0].Description, "Public")
}

func TestInvite(t *testing.T) {
	m, p := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Invite(ctx, "bob", "carol")
	assert.ErrorIs(t, err, ErrNoChannel)

	rec := joinLobby(t, m, p, "alice")
	channelID, err := m.Invite(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, rec.ChannelID, channelID)

	ow := p.overwrite(rec.ChannelID, "carol")
	require.NotNil(t, ow)
	assert.NotZero(t, ow.Allow&discordgo.PermissionVoiceConnect)
	assert.Zero(t, ow.Allow&discordgo.PermissionManageChannels)
}

func TestHandlePresence_IgnoresSameChannelUpdates(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")
	p.connect("alice", "")

	require.NoError(t, m.HandlePresence(context.Background(), models.PresenceEvent{
		UserID: "alice", FromChannelID: rec.ChannelID, ToChannelID: rec.ChannelID,
	}))
	assert.Empty(t, p.deleted)
}

func TestAtMostOneRecordPerOwner(t *testing.T) {
	m, p := newTestManager(t, nil)
	rec := joinLobby(t, m, p, "alice")

	for i := 0; i < 3; i++ {
		moveTo(t, m, p, "alice", rec.ChannelID, "")
		rec = joinLobby(t, m, p, "alice")
		owners := map[string]int{}
		for _, r := range m.ActiveChannels() {
			owners[r.OwnerUserID]++
		}
		assert.Equal(t, 1, owners["alice"])
	}
	assert.Len(t, p.deleted, 3)
}

func TestParseCustomID(t *testing.T) {
	id := CustomID(ActionPrivacy, "123", "456")
	assert.Equal(t, "vc_control_privacy_123_456", id)

	action, channelID, ownerID, ok := ParseCustomID(id)
	require.True(t, ok)
	assert.Equal(t, ActionPrivacy, action)
	assert.Equal(t, "123", channelID)
	assert.Equal(t, "456", ownerID)

	for _, bad := range []string{"", "vc_control_", "vc_control_privacy_123", "other_privacy_1_2", "vc_control_a_b_c_d"} {
		_, _, _, ok := ParseCustomID(bad)
		assert.False(t, ok, bad)
	}
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "🎮 Alice's Room", ChannelName(nil, "Alice", "🎮", "'s Room"))
	assert.Equal(t, "Alice's Room", ChannelName(nil, "Alice", "", "'s Room"))

	pattern := "[{username}] lounge"
	assert.Equal(t, "[Alice] lounge", ChannelName(&models.VoicePreferences{NamePattern: &pattern}, "Alice", "🎮", "'s Room"))

	long := strings.Repeat("x", 150)
	assert.Len(t, []rune(ChannelName(nil, long, "", "")), 100)

	assert.ErrorIs(t, ValidatePattern("no token"), ErrInvalidPattern)
	assert.NoError(t, ValidatePattern("{username} hangout"))
	assert.Error(t, ValidateLimit(100))
	assert.NoError(t, ValidateLimit(0))
	assert.Error(t, ValidateBitrate(4))
	assert.NoError(t, ValidateBitrate(64))

	assert.Equal(t, 96, ClampBitrate(384, discordgo.PremiumTierNone))
	assert.Equal(t, 256, ClampBitrate(300, discordgo.PremiumTier2))
	assert.Equal(t, 8, ClampBitrate(1, discordgo.PremiumTier3))
	assert.Equal(t, 0, ClampLimit(-5))
}

func TestActiveChannelsOrderedByCreation(t *testing.T) {
	platform := newFakePlatform()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(platform, nil, logger.Discard(), testGuild, testConfig(), WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, m.EnsureLobbyChannels(context.Background()))

	joinLobby(t, m, platform, "carol")
	joinLobby(t, m, platform, "alice")

	active := m.ActiveChannels()
	require.Len(t, active, 2)
	assert.Equal(t, "carol", active[0].OwnerUserID)
	assert.Equal(t, "alice", active[1].OwnerUserID)
}
