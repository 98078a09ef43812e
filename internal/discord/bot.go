package discord

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
)

const replyTimeout = 15 * time.Second

// EventSink receives voice presence events. Pause holds event handling,
// not queueing, until resume is called.
type EventSink interface {
	Dispatch(ctx context.Context, ev models.PresenceEvent) error
	Pause() (resume func())
}

// ChannelLifecycle is the part of the lifecycle manager driven by gateway
// events other than voice updates
type ChannelLifecycle interface {
	Initialize(ctx context.Context) error
	TogglePrivacy(ctx context.Context, channelID, actorID string) (bool, error)
	RenameOwnedChannel(ctx context.Context, userID, name string) (string, error)
	TransferOwned(ctx context.Context, actorID, newOwnerID string) (string, error)
	Invite(ctx context.Context, actorID, targetID string) (string, error)
}

// Deps are the components the bot forwards gateway events to
type Deps struct {
	Events   EventSink
	Channels ChannelLifecycle
	Commands *Commands
}

// Bot represents the Discord bot
type Bot struct {
	session  *discordgo.Session
	platform *Platform
	guildID  string
	deps     Deps
	log      *logger.Logger

	ctx         context.Context
	initialized atomic.Bool
}

// NewSession creates a gateway session with the intents the bot needs.
// Handlers run on the gateway goroutine in arrival order, so voice updates
// reach the dispatcher in the order the gateway sent them.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	session.State.TrackVoice = true
	session.State.TrackChannels = true
	session.SyncEvents = true

	return session, nil
}

// New creates a new Discord bot bound to guildID
func New(session *discordgo.Session, platform *Platform, guildID string, deps Deps, log *logger.Logger) *Bot {
	bot := &Bot{
		session:  session,
		platform: platform,
		guildID:  guildID,
		deps:     deps,
		log:      log.With(logger.F("component", "discord")),
		ctx:      context.Background(),
	}

	session.AddHandler(bot.ready)
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)
	session.AddHandler(bot.interactionCreate)

	return bot
}

// Start opens the gateway. Handlers use ctx for their platform calls.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.log.Info("bot is running")
	return nil
}

// Stop closes the gateway connection
func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) ready(_ *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("connected to gateway",
		logger.F("user", r.User.Username),
		logger.F("guilds", len(r.Guilds)))
}

// guildCreate runs once for the managed guild: the lobby is ensured and the
// voice states present at connect time are replayed as joins, which seeds the
// tracker and provisions users already waiting in the lobby.
//
// Initialize talks to the REST API and must not stall the gateway, so it runs
// in the background while event handling is paused. The replay is queued
// before returning, ahead of any voice update that follows on the gateway.
func (b *Bot) guildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.ID != b.guildID || !b.initialized.CompareAndSwap(false, true) {
		return
	}

	resume := b.pause()
	go func() {
		defer resume()
		if b.deps.Channels == nil {
			return
		}
		if err := b.deps.Channels.Initialize(b.ctx); err != nil {
			b.log.Error("failed to initialize voice channels", err)
		}
	}()

	events := b.snapshot(s, g.Guild)
	for _, ev := range events {
		if err := b.dispatch(ev); err != nil {
			b.log.Error("failed to replay voice state", err, logger.F("user_id", ev.UserID))
		}
	}
	b.log.Info("replayed voice states", logger.F("count", len(events)))
}

func (b *Bot) snapshot(s *discordgo.Session, g *discordgo.Guild) []models.PresenceEvent {
	s.State.RLock()
	states := make([]discordgo.VoiceState, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		states = append(states, *vs)
	}
	s.State.RUnlock()

	events := make([]models.PresenceEvent, 0, len(states))
	for i := range states {
		vs := &states[i]
		if vs.ChannelID == "" || isBot(vs.Member) {
			continue
		}
		events = append(events, b.presenceEvent(s, vs, ""))
	}
	return events
}

func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.GuildID != b.guildID || isBot(vs.Member) {
		return
	}
	var from string
	if vs.BeforeUpdate != nil {
		from = vs.BeforeUpdate.ChannelID
	}
	ev := b.presenceEvent(s, vs.VoiceState, from)
	if err := b.dispatch(ev); err != nil {
		b.log.Error("failed to dispatch voice state", err, logger.F("user_id", ev.UserID))
	}
}

func (b *Bot) presenceEvent(s *discordgo.Session, vs *discordgo.VoiceState, from string) models.PresenceEvent {
	ev := models.PresenceEvent{
		GuildID:       vs.GuildID,
		UserID:        vs.UserID,
		FromChannelID: from,
		ToChannelID:   vs.ChannelID,
		At:            time.Now(),
	}
	if ev.GuildID == "" {
		ev.GuildID = b.guildID
	}
	if vs.Member != nil {
		ev.DisplayName = memberDisplayName(vs.Member)
		if vs.Member.User != nil {
			ev.Username = vs.Member.User.Username
		}
	}
	if vs.ChannelID != "" {
		if ch, err := s.State.Channel(vs.ChannelID); err == nil {
			ev.ToChannelName = ch.Name
			ev.ToParentID = ch.ParentID
		}
	}
	return ev
}

func (b *Bot) pause() func() {
	if b.deps.Events == nil {
		return func() {}
	}
	return b.deps.Events.Pause()
}

func (b *Bot) dispatch(ev models.PresenceEvent) error {
	if b.deps.Events == nil {
		return nil
	}
	return b.deps.Events.Dispatch(b.ctx, ev)
}

func (b *Bot) messageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID != b.guildID || b.deps.Commands == nil {
		return
	}
	name, args, ok := ParseCommand(m.Content)
	if !ok || !Known(name) {
		return
	}

	go b.runCommand(m, name, args)
}

func (b *Bot) runCommand(m *discordgo.MessageCreate, name string, args []string) {
	username := m.Author.GlobalName
	if m.Member != nil && m.Member.Nick != "" {
		username = m.Member.Nick
	}
	if username == "" {
		username = m.Author.Username
	}

	ctx, cancel := context.WithTimeout(b.ctx, replyTimeout)
	defer cancel()

	reply := b.deps.Commands.Execute(ctx, Invocation{
		UserID:   m.Author.ID,
		Username: username,
		Name:     name,
		Args:     args,
		IsAdmin: func() (bool, error) {
			return b.platform.IsAdmin(m.Author.ID, m.ChannelID)
		},
	})
	if reply == "" {
		return
	}
	if _, err := b.platform.SendMessage(ctx, m.ChannelID, &discordgo.MessageSend{
		Content:   reply,
		Reference: m.Reference(),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			RepliedUser: false,
		},
	}); err != nil {
		b.log.Error("failed to send command reply", err, logger.F("command", name))
	}
}

func (b *Bot) interactionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.GuildID != b.guildID {
		return
	}
	in, ok := decodePanelInteraction(i.Interaction)
	if !ok {
		return
	}
	go b.answerPanel(s, i.Interaction, in)
}

func (b *Bot) answerPanel(s *discordgo.Session, i *discordgo.Interaction, in PanelInteraction) {
	ctx, cancel := context.WithTimeout(b.ctx, replyTimeout)
	defer cancel()

	resp := PanelResponse(ctx, b.deps.Channels, b.log, in)
	if err := s.InteractionRespond(i, resp, discordgo.WithContext(ctx)); err != nil {
		b.log.Error("failed to answer control panel interaction", err,
			logger.F("action", in.Action),
			logger.F("channel_id", in.ChannelID))
	}
}

func isBot(m *discordgo.Member) bool {
	return m != nil && m.User != nil && m.User.Bot
}
