package voice

import (
	"context"
	"sort"
	"time"

	"voicekeeper/internal/logger"
)

const transferTimeout = 30 * time.Second

type pendingTransfer struct {
	ownerID string
	timer   *time.Timer
}

// scheduleTransfer hands channelID over once the grace period passes without
// the owner coming back. A transfer already pending for the channel is kept.
func (m *Manager) scheduleTransfer(channelID, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[channelID]; ok {
		return
	}

	grace := m.cfg.OwnershipGracePeriod
	p := &pendingTransfer{ownerID: ownerID}
	p.timer = time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)
		defer cancel()
		if err := m.completeTransfer(ctx, channelID, p); err != nil {
			m.log.Error("scheduled ownership transfer failed", err, logger.F("channel_id", channelID))
		}
	})
	m.pending[channelID] = p

	m.log.Info("owner left, ownership transfer scheduled",
		logger.F("channel_id", channelID),
		logger.F("owner_id", ownerID),
		logger.F("grace_period", grace.String()))
}

func (m *Manager) completeTransfer(ctx context.Context, channelID string, p *pendingTransfer) error {
	m.mu.Lock()
	if m.pending[channelID] != p {
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, channelID)
	owner, tracked := m.byChannel[channelID]
	m.mu.Unlock()

	if !tracked || owner != p.ownerID {
		return nil
	}
	members := m.platform.ChannelMembers(m.guildID, channelID)
	for _, id := range members {
		if id == p.ownerID {
			m.log.Info("owner is back, skipping ownership transfer", logger.F("channel_id", channelID))
			return nil
		}
	}
	// An emptied channel is deleted by the leave that emptied it.
	if len(members) == 0 {
		return nil
	}
	return m.transferToSuccessor(ctx, channelID, members)
}

// cancelPendingLocked stops the pending transfer of channelID. m.mu must be held.
func (m *Manager) cancelPendingLocked(channelID string) bool {
	p, ok := m.pending[channelID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(m.pending, channelID)
	return true
}

// PendingTransfer reports whether channelID waits for its owner to return
func (m *Manager) PendingTransfer(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[channelID]
	return ok
}

// Close cancels every pending ownership transfer
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channelID := range m.pending {
		m.cancelPendingLocked(channelID)
	}
}

// transferToSuccessor gives channelID to the member with the most voice time
// in the last week. Members owning another channel are skipped; ties keep
// platform order.
func (m *Manager) transferToSuccessor(ctx context.Context, channelID string, members []string) error {
	candidates := make([]string, 0, len(members))
	for _, id := range members {
		if _, owns := m.OwnedChannel(id); owns {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		m.log.Warn("no eligible successor for channel",
			logger.F("channel_id", channelID),
			logger.F("members", len(members)))
		return nil
	}
	return m.TransferOwnership(ctx, channelID, m.rankSuccessors(ctx, candidates)[0], "owner_left")
}

func (m *Manager) rankSuccessors(ctx context.Context, candidates []string) []string {
	if m.activity == nil || len(candidates) < 2 {
		return candidates
	}
	scores := make(map[string]time.Duration, len(candidates))
	for _, id := range candidates {
		d, err := m.activity.WeeklyVoiceTime(ctx, id)
		if err != nil {
			m.log.Warn("failed to read voice time for successor ranking",
				logger.F("user_id", id),
				logger.F("error", err))
		}
		scores[id] = d
	}
	ranked := append([]string(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool { return scores[ranked[i]] > scores[ranked[j]] })
	return ranked
}
