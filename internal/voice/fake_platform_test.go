package voice

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/models"
)

const (
	testGuild    = "guild"
	testCategory = "cat"
	testLobby    = "lobby"
	botID        = "bot"
)

func notFound() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
}

func serverError() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusInternalServerError}}
}

type permCall struct {
	channelID string
	targetID  string
	allow     int64
	deny      int64
}

type fakePlatform struct {
	mu       sync.Mutex
	nextID   int
	tier     discordgo.PremiumTier
	order    []string
	channels map[string]*discordgo.Channel
	members  map[string][]string
	names    map[string]string
	messages map[string][]*discordgo.Message

	created []discordgo.GuildChannelCreateData
	deleted []string
	renames map[string]string
	perms   []permCall
	edits   []*discordgo.MessageEdit
	sent    map[string][]string

	moveErr   error
	moveLag   bool
	deleteErr map[string]error
	// deleteGate blocks DeleteChannel until closed when set
	deleteGate    chan struct{}
	deleteEntered chan struct{}
}

func newFakePlatform() *fakePlatform {
	f := &fakePlatform{
		channels:  make(map[string]*discordgo.Channel),
		members:   make(map[string][]string),
		names:     make(map[string]string),
		messages:  make(map[string][]*discordgo.Message),
		renames:   make(map[string]string),
		sent:      make(map[string][]string),
		deleteErr: make(map[string]error),
	}
	f.addChannel(&discordgo.Channel{ID: testCategory, Name: "Dynamic Voice Channels", Type: discordgo.ChannelTypeGuildCategory})
	f.addChannel(&discordgo.Channel{ID: testLobby, Name: "Lobby", Type: discordgo.ChannelTypeGuildVoice, ParentID: testCategory})
	return f
}

func (f *fakePlatform) addChannel(ch *discordgo.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
	f.order = append(f.order, ch.ID)
}

// connect places userID in channelID, removing them from any other channel
func (f *fakePlatform) connect(userID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectLocked(userID, channelID)
}

func (f *fakePlatform) connectLocked(userID, channelID string) {
	for id, users := range f.members {
		f.members[id] = without(users, userID)
	}
	if channelID != "" {
		f.members[channelID] = append(f.members[channelID], userID)
	}
}

func (f *fakePlatform) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakePlatform) BotUserID() string { return botID }

func (f *fakePlatform) PremiumTier(string) discordgo.PremiumTier { return f.tier }

func (f *fakePlatform) ChannelMembers(_, channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.members[channelID]...)
}

func (f *fakePlatform) MemberName(_ context.Context, _, userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.names[userID]; ok {
		return name
	}
	return userID
}

func (f *fakePlatform) GuildChannels(context.Context, string) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*discordgo.Channel
	for _, id := range f.order {
		if ch, ok := f.channels[id]; ok {
			c := *ch
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakePlatform) Channel(_ context.Context, channelID string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, notFound()
	}
	c := *ch
	c.PermissionOverwrites = append([]*discordgo.PermissionOverwrite(nil), ch.PermissionOverwrites...)
	return &c, nil
}

func (f *fakePlatform) CreateChannel(_ context.Context, _ string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("ch%d", f.nextID)
	f.created = append(f.created, data)
	f.mu.Unlock()

	ch := &discordgo.Channel{
		ID:                   id,
		Name:                 data.Name,
		Type:                 data.Type,
		ParentID:             data.ParentID,
		Bitrate:              data.Bitrate,
		UserLimit:            data.UserLimit,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	f.addChannel(ch)
	return ch, nil
}

func (f *fakePlatform) DeleteChannel(_ context.Context, channelID string) error {
	if f.deleteGate != nil {
		close(f.deleteEntered)
		<-f.deleteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[channelID]; err != nil {
		return err
	}
	if _, ok := f.channels[channelID]; !ok {
		return notFound()
	}
	delete(f.channels, channelID)
	delete(f.members, channelID)
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakePlatform) RenameChannel(_ context.Context, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return notFound()
	}
	ch.Name = name
	f.renames[channelID] = name
	return nil
}

func (f *fakePlatform) MoveMember(_ context.Context, _, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	if _, ok := f.channels[channelID]; !ok {
		return notFound()
	}
	// a lagging gateway has not reported the move yet
	if !f.moveLag {
		f.connectLocked(userID, channelID)
	}
	return nil
}

func (f *fakePlatform) SetPermission(_ context.Context, channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return notFound()
	}
	f.perms = append(f.perms, permCall{channelID: channelID, targetID: targetID, allow: allow, deny: deny})

	ow := &discordgo.PermissionOverwrite{ID: targetID, Type: targetType, Allow: allow, Deny: deny}
	for i, existing := range ch.PermissionOverwrites {
		if existing.ID == targetID {
			ch.PermissionOverwrites[i] = ow
			return nil
		}
	}
	ch.PermissionOverwrites = append(ch.PermissionOverwrites, ow)
	return nil
}

func (f *fakePlatform) ChannelMessages(_ context.Context, channelID string, _ int) ([]*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Message(nil), f.messages[channelID]...), nil
}

func (f *fakePlatform) SendMessage(_ context.Context, channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := &discordgo.Message{
		ID:         fmt.Sprintf("msg%d", f.nextID),
		ChannelID:  channelID,
		Content:    msg.Content,
		Author:     &discordgo.User{ID: botID},
		Embeds:     msg.Embeds,
		Components: msg.Components,
	}
	f.messages[channelID] = append(f.messages[channelID], m)
	f.sent[channelID] = append(f.sent[channelID], msg.Content)
	return m, nil
}

func (f *fakePlatform) EditMessage(_ context.Context, edit *discordgo.MessageEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[edit.Channel] {
		if m.ID != edit.ID {
			continue
		}
		if edit.Content != nil {
			m.Content = *edit.Content
		}
		if edit.Embeds != nil {
			m.Embeds = *edit.Embeds
		}
		if edit.Components != nil {
			m.Components = *edit.Components
		}
		f.edits = append(f.edits, edit)
		return nil
	}
	return notFound()
}

func (f *fakePlatform) dropMessages(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, channelID)
}

func (f *fakePlatform) panel(channelID string) *discordgo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages[channelID] {
		if len(m.Embeds) > 0 && m.Embeds[0].Title == PanelTitle {
			return m
		}
	}
	return nil
}

func (f *fakePlatform) overwrite(channelID, targetID string) *discordgo.PermissionOverwrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID == targetID {
			return ow
		}
	}
	return nil
}

type fakePrefs struct {
	prefs map[string]*models.VoicePreferences
}

func (f *fakePrefs) GetPreferences(_ context.Context, userID string) (*models.VoicePreferences, error) {
	if f == nil || f.prefs == nil {
		return nil, nil
	}
	return f.prefs[userID], nil
}

type fakeActivity struct {
	weekly map[string]time.Duration
	err    error
}

func (f *fakeActivity) WeeklyVoiceTime(_ context.Context, userID string) (time.Duration, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.weekly[userID], nil
}
