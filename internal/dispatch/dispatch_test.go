package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
)

type recorder struct {
	mu    sync.Mutex
	calls map[string][]string
	fail  bool
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string][]string)}
}

func (r *recorder) add(userID, call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[userID] = append(r.calls[userID], call)
}

func (r *recorder) get(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[userID]...)
}

func (r *recorder) EndTracking(_ context.Context, userID string) error {
	r.add(userID, "close")
	return nil
}

func (r *recorder) StartTracking(_ context.Context, userID, _, channelID, _ string) error {
	r.add(userID, "open:"+channelID)
	return nil
}

func (r *recorder) HandlePresence(_ context.Context, ev models.PresenceEvent) error {
	r.add(ev.UserID, "react:"+ev.FromChannelID+">"+ev.ToChannelID)
	if r.fail {
		return errors.New("platform unavailable")
	}
	return nil
}

func TestHandle_FixedOrder(t *testing.T) {
	rec := newRecorder()
	d := New(rec, rec, logger.Discard(), nil, 1)

	d.Handle(context.Background(), models.PresenceEvent{UserID: "u1", FromChannelID: "a", ToChannelID: "b"})
	assert.Equal(t, []string{"close", "react:a>b", "open:b"}, rec.get("u1"))

	d.Handle(context.Background(), models.PresenceEvent{UserID: "u2", FromChannelID: "b"})
	assert.Equal(t, []string{"close", "react:b>"}, rec.get("u2"))
}

func TestHandle_IgnoresSameChannelUpdates(t *testing.T) {
	rec := newRecorder()
	d := New(rec, rec, logger.Discard(), nil, 1)

	d.Handle(context.Background(), models.PresenceEvent{UserID: "u1", FromChannelID: "a", ToChannelID: "a"})
	assert.Empty(t, rec.get("u1"))
}

func TestHandle_ControllerErrorDoesNotStopTracking(t *testing.T) {
	rec := newRecorder()
	rec.fail = true
	d := New(rec, rec, logger.Discard(), nil, 1)

	d.Handle(context.Background(), models.PresenceEvent{UserID: "u1", ToChannelID: "lobby"})
	assert.Equal(t, []string{"close", "react:>lobby", "open:lobby"}, rec.get("u1"))
}

func TestRun_PreservesPerUserOrder(t *testing.T) {
	rec := newRecorder()
	d := New(rec, nil, logger.Discard(), nil, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i := 0; i < 50; i++ {
		for _, u := range users {
			ev := models.PresenceEvent{UserID: u, FromChannelID: fmt.Sprint(i), ToChannelID: fmt.Sprint(i + 1)}
			require.NoError(t, d.Dispatch(ctx, ev))
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	for _, u := range users {
		calls := rec.get(u)
		require.Len(t, calls, 100)
		for i := 0; i < 50; i++ {
			assert.Equal(t, "close", calls[2*i])
			assert.Equal(t, "open:"+fmt.Sprint(i+1), calls[2*i+1])
		}
	}

	assert.ErrorIs(t, d.Dispatch(context.Background(), models.PresenceEvent{UserID: "u1", ToChannelID: "x"}), ErrStopped)
}

func TestShardForIsStable(t *testing.T) {
	d := New(nil, nil, logger.Discard(), nil, 8)
	assert.Equal(t, d.shardFor("123456789"), d.shardFor("123456789"))
	assert.Less(t, d.shardFor("abc"), 8)
}

func TestPause_HoldsWorkersUntilResumed(t *testing.T) {
	rec := newRecorder()
	d := New(rec, nil, logger.Discard(), nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	resume := d.Pause()
	require.NoError(t, d.Dispatch(ctx, models.PresenceEvent{UserID: "u1", ToChannelID: "lobby"}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.get("u1"))

	resume()
	resume()
	assert.Eventually(t, func() bool {
		return len(rec.get("u1")) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
