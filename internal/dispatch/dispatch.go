// Package dispatch fans voice presence events out to the session tracker and
// the channel controller. Events of one user are handled in delivery order;
// different users are handled concurrently.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/metrics"
	"voicekeeper/internal/models"
)

// ErrStopped is returned when dispatching after Run has returned
var ErrStopped = errors.New("dispatcher stopped")

const queueSize = 256

// SessionTracker is the tracker side of an event
type SessionTracker interface {
	EndTracking(ctx context.Context, userID string) error
	StartTracking(ctx context.Context, userID, username, channelID, channelName string) error
}

// ChannelController is the lifecycle side of an event
type ChannelController interface {
	HandlePresence(ctx context.Context, ev models.PresenceEvent) error
}

// Dispatcher routes events to shard workers keyed by user id
type Dispatcher struct {
	tracker    SessionTracker
	controller ChannelController
	log        *logger.Logger
	metrics    *metrics.Metrics
	shards     []chan models.PresenceEvent

	// gate is held for reading while an event is handled
	gate sync.RWMutex

	mu      sync.RWMutex
	stopped bool
}

// New creates a dispatcher with n shard workers. Either handler may be nil.
func New(tracker SessionTracker, controller ChannelController, log *logger.Logger, m *metrics.Metrics, n int) *Dispatcher {
	if n < 1 {
		n = 1
	}
	d := &Dispatcher{
		tracker:    tracker,
		controller: controller,
		log:        log.With(logger.F("component", "dispatch")),
		metrics:    m,
		shards:     make([]chan models.PresenceEvent, n),
	}
	for i := range d.shards {
		d.shards[i] = make(chan models.PresenceEvent, queueSize)
	}
	return d
}

// Dispatch queues ev on its user's shard. It blocks while the shard is full.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.PresenceEvent) error {
	if !ev.Moved() {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.shards[d.shardFor(ev.UserID)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause waits for events in flight and holds the workers until resume is
// called. Dispatch keeps queueing meanwhile. Calling resume twice is safe.
func (d *Dispatcher) Pause() (resume func()) {
	d.gate.Lock()
	return sync.OnceFunc(d.gate.Unlock)
}

func (d *Dispatcher) shardFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Run starts the shard workers and blocks until ctx is cancelled. Events
// already queued are drained before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, shard := range d.shards {
		wg.Add(1)
		go func(events <-chan models.PresenceEvent) {
			defer wg.Done()
			for ev := range events {
				d.gate.RLock()
				d.Handle(context.WithoutCancel(ctx), ev)
				d.gate.RUnlock()
			}
		}(shard)
	}

	<-ctx.Done()
	d.mu.Lock()
	d.stopped = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()
	wg.Wait()
	return nil
}

// Handle applies one event synchronously in the fixed order: close the
// previous session, let the controller react, open the new session.
func (d *Dispatcher) Handle(ctx context.Context, ev models.PresenceEvent) {
	if !ev.Moved() {
		return
	}
	d.metrics.EventDispatched()
	log := d.log.With(
		logger.F("user_id", ev.UserID),
		logger.F("from", ev.FromChannelID),
		logger.F("to", ev.ToChannelID))

	if d.tracker != nil {
		if err := d.tracker.EndTracking(ctx, ev.UserID); err != nil {
			log.Error("failed to end voice session", err)
		}
	}

	if d.controller != nil {
		if err := d.controller.HandlePresence(ctx, ev); err != nil {
			log.Error("failed to handle voice channel change", err)
		}
	}

	if d.tracker != nil && ev.ToChannelID != "" {
		if err := d.tracker.StartTracking(ctx, ev.UserID, ev.Name(), ev.ToChannelID, ev.ToChannelName); err != nil {
			log.Error("failed to start voice session", err)
		}
	}
}
