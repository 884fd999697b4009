package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerScheduler_RunsAtStartAndOnTick(t *testing.T) {
	var runs atomic.Int64
	s := NewTickerScheduler("test", 10*time.Millisecond, func(context.Context, time.Time) error {
		runs.Add(1)
		return nil
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())

	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no runs after Stop")
}

func TestTickerScheduler_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var seen []time.Time
	s := NewTickerScheduler("clock", time.Hour, func(_ context.Context, now time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, now)
		return nil
	}, func() time.Time { return fixed })

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen[0].Equal(fixed))
}

func TestTickerScheduler_ContinuesAfterFailure(t *testing.T) {
	var runs atomic.Int64
	s := NewTickerScheduler("failing", 5*time.Millisecond, func(context.Context, time.Time) error {
		runs.Add(1)
		return errors.New("storage unavailable")
	}, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestTickerScheduler_StartTwice(t *testing.T) {
	s := NewTickerScheduler("twice", time.Hour, func(context.Context, time.Time) error { return nil }, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Error(t, s.Start(context.Background()))
}

func TestTickerScheduler_StopWhenNotRunning(t *testing.T) {
	s := NewTickerScheduler("idle", time.Hour, func(context.Context, time.Time) error { return nil }, nil)

	assert.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestTickerScheduler_InvalidInterval(t *testing.T) {
	s := NewTickerScheduler("zero", 0, func(context.Context, time.Time) error { return nil }, nil)

	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestTickerScheduler_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewTickerScheduler("ctx", 5*time.Millisecond, func(context.Context, time.Time) error { return nil }, nil)

	require.NoError(t, s.Start(ctx))
	cancel()

	// loop already exited; Stop must not block
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}

var _ Scheduler = (*TickerScheduler)(nil)
