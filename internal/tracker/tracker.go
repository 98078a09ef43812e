// Package tracker records voice sessions: one open session per connected
// user in memory, mirrored by an open row in the usage store until it closes.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/models"
)

// Store is the durable side of the tracker
type Store interface {
	OpenSession(ctx context.Context, username string, s models.ActiveSession) error
	CloseSession(ctx context.Context, username string, s models.ActiveSession, end time.Time, duration int64) error
	ExcludedChannels(ctx context.Context, userID string) ([]string, error)
	GetUsage(ctx context.Context, userID string, since time.Time) (*models.VoiceUsage, error)
	TopUsers(ctx context.Context, limit int, since *time.Time) ([]models.UserTotal, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	TouchLastSeen(ctx context.Context, userIDs []string, at time.Time) error
	ReconcileOrphans(ctx context.Context) (closed, discarded int64, err error)
	EnsureConnection(ctx context.Context) error
}

// Period selects the window of a stats query
type Period string

const (
	PeriodAllTime Period = "alltime"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
)

// ParsePeriod maps user input to a Period. Empty input means all time.
func ParsePeriod(s string) (Period, bool) {
	switch Period(s) {
	case "", PeriodAllTime:
		return PeriodAllTime, true
	case PeriodWeek, PeriodMonth:
		return Period(s), true
	}
	return PeriodAllTime, false
}

// Since returns the start of the window, or nil for all time
func (p Period) Since(now time.Time) *time.Time {
	var since time.Time
	switch p {
	case PeriodWeek:
		since = now.Add(-7 * 24 * time.Hour)
	case PeriodMonth:
		since = now.Add(-30 * 24 * time.Hour)
	default:
		return nil
	}
	return &since
}

type openSession struct {
	models.ActiveSession
	username string
}

// Tracker owns the in-memory map of open sessions
type Tracker struct {
	store    Store
	log      *logger.Logger
	metrics  *metrics.Metrics
	enabled  bool
	excluded map[string]struct{}
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]openSession
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a tracker. excludedChannels are never tracked for any user.
func New(store Store, log *logger.Logger, enabled bool, excludedChannels []string, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		log:      log.With(logger.F("component", "tracker")),
		enabled:  enabled,
		excluded: make(map[string]struct{}, len(excludedChannels)),
		now:      time.Now,
		sessions: make(map[string]openSession),
	}
	for _, id := range excludedChannels {
		t.excluded[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enabled reports whether tracking is switched on
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// StartTracking opens a session for the user in channelID. Excluded channels
// and users that already have an open session are ignored.
func (t *Tracker) StartTracking(ctx context.Context, userID, username, channelID, channelName string) error {
	if !t.enabled || channelID == "" {
		return nil
	}
	if _, ok := t.excluded[channelID]; ok {
		return nil
	}

	personal, err := t.store.ExcludedChannels(ctx, userID)
	if err != nil {
		t.log.Warn("failed to load personal exclusions", logger.F("user_id", userID), logger.F("error", err))
	}
	for _, id := range personal {
		if id == channelID {
			return nil
		}
	}

	session := models.ActiveSession{
		UserID:      userID,
		ChannelID:   channelID,
		ChannelName: channelName,
		// timestamptz keeps microseconds; the close predicate matches on start_time
		StartTime: t.now().UTC().Truncate(time.Microsecond),
	}

	t.mu.Lock()
	if _, exists := t.sessions[userID]; exists {
		t.mu.Unlock()
		t.log.Debug("session already open", logger.F("user_id", userID))
		return nil
	}
	t.sessions[userID] = openSession{ActiveSession: session, username: username}
	active := len(t.sessions)
	t.mu.Unlock()
	t.metrics.SetSessionsActive(active)

	if err := t.store.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if err := t.store.OpenSession(ctx, username, session); err != nil {
		// The in-memory session stays; closing it inserts the row as closed.
		return fmt.Errorf("failed to open session: %w", err)
	}

	t.log.Debug("session started",
		logger.F("user_id", userID),
		logger.F("channel_id", channelID),
		logger.F("channel_name", channelName))
	return nil
}

// EndTracking closes the user's open session. Without one it does nothing.
func (t *Tracker) EndTracking(ctx context.Context, userID string) error {
	t.mu.Lock()
	open, ok := t.sessions[userID]
	if ok {
		delete(t.sessions, userID)
	}
	active := len(t.sessions)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.metrics.SetSessionsActive(active)

	end := t.now().UTC().Truncate(time.Microsecond)
	return t.close(ctx, open, end)
}

func (t *Tracker) close(ctx context.Context, open openSession, end time.Time) error {
	duration := int64(end.Sub(open.StartTime) / time.Second)
	if duration < 0 {
		duration = 0
	}

	if err := t.store.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("failed to close session for %s: %w", open.UserID, err)
	}
	if err := t.store.CloseSession(ctx, open.username, open.ActiveSession, end, duration); err != nil {
		return fmt.Errorf("failed to close session for %s: %w", open.UserID, err)
	}

	t.metrics.SessionClosed(time.Duration(duration) * time.Second)
	t.log.Debug("session ended",
		logger.F("user_id", open.UserID),
		logger.F("channel_id", open.ChannelID),
		logger.F("duration_seconds", duration))
	return nil
}

// ActiveSession returns the user's open session, if any
func (t *Tracker) ActiveSession(userID string) (models.ActiveSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	open, ok := t.sessions[userID]
	return open.ActiveSession, ok
}

// ActiveCount returns the number of open sessions
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// GetUserStats returns the user's usage for the period. For week and month the
// total is the sum of the durations of sessions started inside the window.
// A never-tracked user yields nil.
func (t *Tracker) GetUserStats(ctx context.Context, userID string, period Period) (*models.VoiceUsage, error) {
	var since time.Time
	if s := period.Since(t.now()); s != nil {
		since = *s
	}

	usage, err := t.store.GetUsage(ctx, userID, since)
	if err != nil || usage == nil {
		return usage, err
	}

	if period != PeriodAllTime {
		var total int64
		for _, s := range usage.Sessions {
			if s.Duration != nil {
				total += *s.Duration
			}
		}
		usage.TotalTime = total
	}
	return usage, nil
}

// WeeklyVoiceTime returns the user's voice time over the last seven days
func (t *Tracker) WeeklyVoiceTime(ctx context.Context, userID string) (time.Duration, error) {
	usage, err := t.GetUserStats(ctx, userID, PeriodWeek)
	if err != nil || usage == nil {
		return 0, err
	}
	return time.Duration(usage.TotalTime) * time.Second, nil
}

// GetTopUsers ranks users by time in voice for the period
func (t *Tracker) GetTopUsers(ctx context.Context, limit int, period Period) ([]models.UserTotal, error) {
	if limit <= 0 {
		limit = 10
	}
	return t.store.TopUsers(ctx, limit, period.Since(t.now()))
}

// GetUserLastSeen returns when the user was last in voice
func (t *Tracker) GetUserLastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	return t.store.LastSeen(ctx, userID)
}

// Heartbeat stamps last_seen for every user with an open session, giving an
// orphaned row a recent endpoint if the process dies.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := t.store.EnsureConnection(ctx); err != nil {
		return err
	}
	return t.store.TouchLastSeen(ctx, ids, t.now().UTC())
}

// Reconcile closes session rows left open by a previous process. It must run
// before any event is tracked.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if err := t.store.EnsureConnection(ctx); err != nil {
		return err
	}
	closed, discarded, err := t.store.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile orphaned sessions: %w", err)
	}
	if closed > 0 || discarded > 0 {
		t.log.Info("reconciled orphaned sessions",
			logger.F("closed", closed),
			logger.F("discarded", discarded))
	}
	return nil
}

// CloseAll ends every open session at the current instant. Used on shutdown.
func (t *Tracker) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	open := make([]openSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		open = append(open, s)
	}
	t.sessions = make(map[string]openSession)
	t.mu.Unlock()
	t.metrics.SetSessionsActive(0)

	end := t.now().UTC().Truncate(time.Microsecond)
	var firstErr error
	for _, s := range open {
		if err := t.close(ctx, s, end); err != nil {
			t.log.Error("failed to close session on shutdown", err, logger.F("user_id", s.UserID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(open) > 0 {
		t.log.Info("closed open sessions", logger.F("count", len(open)))
	}
	return firstErr
}
