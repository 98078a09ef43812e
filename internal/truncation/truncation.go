// Package truncation prunes detailed voice session history older than the
// retention horizon. Lifetime totals are never touched.
package truncation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/models"
)

// MinInterval is the minimum time between two scheduled runs
const MinInterval = 24 * time.Hour

var (
	// ErrAlreadyRunning is returned when a run is already in flight
	ErrAlreadyRunning = errors.New("cleanup is already running")
	// ErrDisabled is returned when cleanup is switched off
	ErrDisabled = errors.New("cleanup is disabled")
)

// Store is the durable usage data the engine prunes
type Store interface {
	EnsureConnection(ctx context.Context) error
	Connected() bool
	UsersWithSessionsBefore(ctx context.Context, cutoff time.Time) ([]models.UsageRef, error)
	TruncateSessions(ctx context.Context, userID string, cutoff, now time.Time) (int64, error)
}

// Notifier forwards a run report to operators
type Notifier interface {
	NotifyCleanup(ctx context.Context, stats models.CleanupStats) error
}

// Engine runs retention cleanup, at most one run at a time
type Engine struct {
	store     Store
	notifier  Notifier
	log       *logger.Logger
	metrics   *metrics.Metrics
	enabled   bool
	retention models.RetentionConfig
	now       func() time.Time

	running atomic.Bool

	mu          sync.RWMutex
	lastCleanup *time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithNotifier sets where run reports are sent
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine
func New(store Store, log *logger.Logger, enabled bool, retention models.RetentionConfig, opts ...Option) *Engine {
	if retention.DetailedSessionsDays <= 0 {
		retention.DetailedSessionsDays = 30
	}
	e := &Engine{
		store:     store,
		log:       log.With(logger.F("component", "truncation")),
		enabled:   enabled,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunCleanup deletes closed sessions that started before now minus the
// detailed retention horizon. Per-user failures are collected in the stats and
// do not stop the run.
func (e *Engine) RunCleanup(ctx context.Context) (models.CleanupStats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return models.CleanupStats{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if !e.enabled {
		return models.CleanupStats{}, ErrDisabled
	}

	started := e.now()
	stats := models.CleanupStats{Errors: []string{}}

	if err := e.store.EnsureConnection(ctx); err != nil {
		e.metrics.CleanupRun("error", 0)
		return stats, fmt.Errorf("failed to start cleanup: %w", err)
	}

	cutoff := started.AddDate(0, 0, -e.retention.DetailedSessionsDays)
	e.log.Info("starting voice session cleanup",
		logger.F("cutoff", cutoff),
		logger.F("retention_days", e.retention.DetailedSessionsDays))

	users, err := e.store.UsersWithSessionsBefore(ctx, cutoff)
	if err != nil {
		e.metrics.CleanupRun("error", 0)
		return stats, fmt.Errorf("failed to list users for cleanup: %w", err)
	}

	for _, user := range users {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("cleanup interrupted: %v", ctx.Err()))
			break
		}
		removed, err := e.store.TruncateSessions(ctx, user.UserID, cutoff, e.now())
		if err != nil {
			msg := fmt.Sprintf("error processing user %s: %v", displayName(user), err)
			stats.Errors = append(stats.Errors, msg)
			e.log.Error("failed to truncate sessions", err, logger.F("user_id", user.UserID))
			continue
		}
		if removed > 0 {
			stats.SessionsRemoved += removed
			stats.UsersAffected++
			e.log.Debug("truncated sessions", logger.F("user_id", user.UserID), logger.F("removed", removed))
		}
	}

	finished := e.now()
	stats.ExecutionTimeMs = finished.Sub(started).Milliseconds()
	stats.Timestamp = finished

	e.mu.Lock()
	e.lastCleanup = &finished
	e.mu.Unlock()

	status := "ok"
	if len(stats.Errors) > 0 {
		status = "partial"
	}
	e.metrics.CleanupRun(status, stats.SessionsRemoved)
	e.log.Info("voice session cleanup completed",
		logger.F("sessions_removed", stats.SessionsRemoved),
		logger.F("users_affected", stats.UsersAffected),
		logger.F("errors", len(stats.Errors)),
		logger.F("execution_ms", stats.ExecutionTimeMs))

	if e.notifier != nil {
		if err := e.notifier.NotifyCleanup(ctx, stats); err != nil {
			e.log.Warn("failed to send cleanup report", logger.F("error", err))
		}
	}

	return stats, nil
}

// ShouldRunCleanup reports whether a scheduled run should start now
func (e *Engine) ShouldRunCleanup() bool {
	if !e.enabled || e.running.Load() {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCleanup == nil || e.now().Sub(*e.lastCleanup) >= MinInterval
}

// Status returns the operational view of the engine
func (e *Engine) Status() models.CleanupStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var last *time.Time
	if e.lastCleanup != nil {
		t := *e.lastCleanup
		last = &t
	}
	return models.CleanupStatus{
		Enabled:         e.enabled,
		IsRunning:       e.running.Load(),
		LastCleanupDate: last,
		IsConnected:     e.store.Connected(),
	}
}

// Retention returns the configured horizons
func (e *Engine) Retention() models.RetentionConfig {
	return e.retention
}

func displayName(u models.UsageRef) string {
	if u.Username != "" {
		return u.Username
	}
	return u.UserID
}
