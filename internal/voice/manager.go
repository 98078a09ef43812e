// Package voice runs the dynamic voice channel lifecycle: provisioning a
// channel when a user joins the lobby, handing ownership over when the owner
// leaves, and deleting channels once they are empty.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voicekeeper/internal/config"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/models"
	"voicekeeper/internal/retry"
)

var (
	ErrNotOwner         = errors.New("you do not own this channel")
	ErrNoChannel        = errors.New("channel is not managed")
	ErrCategoryNotFound = errors.New("managed category not found")
	ErrInvalidPattern   = errors.New("invalid name pattern")
	ErrAlreadyOwner     = errors.New("user already owns a channel")
)

// Manager owns the ownership maps of provisioned channels
type Manager struct {
	platform Platform
	prefs    PreferencesStore
	activity ActivityReader
	log      *logger.Logger
	metrics  *metrics.Metrics
	guildID  string
	cfg      config.VoiceConfig
	now      func() time.Time

	mu           sync.Mutex
	byOwner      map[string]models.ActiveChannel
	byChannel    map[string]string
	customNames  map[string]string
	deleting     map[string]struct{}
	provisioning map[string]time.Time
	pending      map[string]*pendingTransfer
	categoryID   string
	lobbyID      string

	sweeping atomic.Bool
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// WithActivity ranks ownership successors by recent voice time
func WithActivity(r ActivityReader) Option {
	return func(mgr *Manager) { mgr.activity = r }
}

// New creates a manager for one guild
func New(platform Platform, prefs PreferencesStore, log *logger.Logger, guildID string, cfg config.VoiceConfig, opts ...Option) *Manager {
	m := &Manager{
		platform:     platform,
		prefs:        prefs,
		log:          log.With(logger.F("component", "voice")),
		guildID:      guildID,
		cfg:          cfg,
		now:          time.Now,
		byOwner:      make(map[string]models.ActiveChannel),
		byChannel:    make(map[string]string),
		customNames:  make(map[string]string),
		deleting:     make(map[string]struct{}),
		provisioning: make(map[string]time.Time),
		pending:      make(map[string]*pendingTransfer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether channel management is switched on
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// OwnedChannel returns the record of the channel userID owns
func (m *Manager) OwnedChannel(userID string) (models.ActiveChannel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byOwner[userID]
	return rec, ok
}

// Owner returns the owner of a provisioned channel
func (m *Manager) Owner(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.byChannel[channelID]
	return owner, ok
}

// ActiveChannels returns every provisioned channel, oldest first
func (m *Manager) ActiveChannels() []models.ActiveChannel {
	m.mu.Lock()
	out := make([]models.ActiveChannel, 0, len(m.byOwner))
	for _, rec := range m.byOwner {
		out = append(out, rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetCustomChannelName records an operator or owner applied name for channelID
func (m *Manager) SetCustomChannelName(channelID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customNames[channelID] = name
	if owner, ok := m.byChannel[channelID]; ok {
		rec := m.byOwner[owner]
		rec.CustomNameOverride = name
		rec.HasCustomName = true
		m.byOwner[owner] = rec
	}
}

// HasCustomName reports whether channelID carries a custom name
func (m *Manager) HasCustomName(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.customNames[channelID]
	return ok
}

// CustomChannelName returns the custom name of channelID, if any
func (m *Manager) CustomChannelName(channelID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.customNames[channelID]
	return name, ok
}

// RenameOwnedChannel renames the channel owned by userID and marks the name
// as custom so ownership transfers keep it.
func (m *Manager) RenameOwnedChannel(ctx context.Context, userID, name string) (string, error) {
	rec, ok := m.OwnedChannel(userID)
	if !ok {
		return "", ErrNoChannel
	}
	name = truncateName(name)
	if name == "" {
		return "", fmt.Errorf("%w: name must not be empty", ErrInvalidPattern)
	}
	if err := m.platform.RenameChannel(ctx, rec.ChannelID, name); err != nil {
		return "", fmt.Errorf("failed to rename channel: %w", err)
	}
	m.SetCustomChannelName(rec.ChannelID, name)
	return rec.ChannelID, nil
}

func (m *Manager) record(rec models.ActiveChannel) {
	m.mu.Lock()
	m.byOwner[rec.OwnerUserID] = rec
	m.byChannel[rec.ChannelID] = rec.OwnerUserID
	n := len(m.byOwner)
	m.mu.Unlock()
	m.metrics.SetChannelsActive(n)
}

// forget drops every piece of bookkeeping for channelID
func (m *Manager) forget(channelID string) {
	m.mu.Lock()
	if owner, ok := m.byChannel[channelID]; ok {
		if rec, ok := m.byOwner[owner]; ok && rec.ChannelID == channelID {
			delete(m.byOwner, owner)
		}
		delete(m.byChannel, channelID)
	}
	delete(m.customNames, channelID)
	delete(m.provisioning, channelID)
	m.cancelPendingLocked(channelID)
	n := len(m.byOwner)
	m.mu.Unlock()
	m.metrics.SetChannelsActive(n)
}

// deleteChannel removes channelID from the platform and drops its
// bookkeeping. A concurrent delete of the same channel is a no-op. When the
// delete fails the channel is re-fetched and bookkeeping is dropped only if
// the platform no longer has it.
func (m *Manager) deleteChannel(ctx context.Context, channelID, reason string) error {
	m.mu.Lock()
	if _, busy := m.deleting[channelID]; busy {
		m.mu.Unlock()
		return nil
	}
	m.deleting[channelID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.deleting, channelID)
		m.mu.Unlock()
	}()

	err := m.platform.DeleteChannel(ctx, channelID)
	if err != nil && !retry.IsNotFound(err) {
		if _, ferr := m.platform.Channel(ctx, channelID); retry.IsNotFound(ferr) {
			m.forget(channelID)
			return nil
		}
		return fmt.Errorf("failed to delete channel %s: %w", channelID, err)
	}

	_, hadCustomName := m.CustomChannelName(channelID)
	m.forget(channelID)
	m.metrics.ChannelDeleted(reason)
	m.log.Info("deleted voice channel",
		logger.F("channel_id", channelID),
		logger.F("reason", reason),
		logger.F("custom_name", hadCustomName))
	return nil
}
