// Package scheduler runs the periodic maintenance jobs on robfig/cron.
// A job that is still running when its next tick arrives is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"voicekeeper/internal/config"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
	"voicekeeper/internal/truncation"
)

// Job is one scheduled unit of work
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Cleaner is the retention engine as seen by the scheduler
type Cleaner interface {
	ShouldRunCleanup() bool
	RunCleanup(ctx context.Context) (models.CleanupStats, error)
}

// ChannelKeeper maintains the managed voice category
type ChannelKeeper interface {
	CleanupEmptyChannels(ctx context.Context) error
	CheckLobbyHealth(ctx context.Context) error
}

// Heartbeater stamps last_seen for open sessions
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Scheduler manages cron job scheduling and execution
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	mu      sync.RWMutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// New creates a scheduler using the standard five-field cron syntax
func New(log *logger.Logger) *Scheduler {
	log = log.With(logger.F("component", "scheduler"))
	adapter := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:     log,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers job. The schedule is validated here.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Schedule, s.wrap(job))
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.entries[job.Name] = id
	s.log.Info("scheduled job", logger.F("job", job.Name), logger.F("schedule", job.Schedule))
	return nil
}

// Jobs returns the registered job names
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx := s.baseContext()
		if ctx.Err() != nil {
			return
		}
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.log.Error("scheduled job failed", err, logger.F("job", job.Name))
			return
		}
		s.log.Debug("scheduled job finished",
			logger.F("job", job.Name),
			logger.F("duration", time.Since(start)))
	}
}

// RegisterDefaults adds the retention, sweep, lobby health and heartbeat jobs.
// Nil dependencies are skipped.
func (s *Scheduler) RegisterDefaults(cfg *config.Config, cleaner Cleaner, keeper ChannelKeeper, hb Heartbeater) error {
	var jobs []Job
	if cleaner != nil && cfg.Cleanup.Enabled {
		jobs = append(jobs, Job{
			Name:     "retention_cleanup",
			Schedule: cfg.Cleanup.Schedule,
			Run:      CleanupJob(cleaner),
		})
	}
	if keeper != nil && cfg.Voice.Enabled {
		jobs = append(jobs,
			Job{
				Name:     "empty_channel_sweep",
				Schedule: every(cfg.Voice.SweepInterval),
				Timeout:  cfg.Voice.SweepInterval,
				Run:      keeper.CleanupEmptyChannels,
			},
			Job{
				Name:     "lobby_health",
				Schedule: every(cfg.Voice.HealthInterval),
				Timeout:  cfg.Voice.HealthInterval,
				Run:      keeper.CheckLobbyHealth,
			})
	}
	if hb != nil && cfg.Tracking.Enabled {
		jobs = append(jobs, Job{
			Name:     "session_heartbeat",
			Schedule: every(cfg.Tracking.HeartbeatInterval),
			Timeout:  cfg.Tracking.HeartbeatInterval,
			Run:      hb.Heartbeat,
		})
	}

	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// CleanupJob runs the retention cleanup when the engine says it is due
func CleanupJob(c Cleaner) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !c.ShouldRunCleanup() {
			return nil
		}
		_, err := c.RunCleanup(ctx)
		if errors.Is(err, truncation.ErrAlreadyRunning) || errors.Is(err, truncation.ErrDisabled) {
			return nil
		}
		return err
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, err, pairs(keysAndValues)...)
}

func pairs(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logger.F(key, kv[i+1]))
	}
	return fields
}
