package wizard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, task *BackgroundTask) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("background task did not finish")
	}
}

func TestBackgroundTaskStopsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	task := StartBackgroundTask(context.Background(), "test", []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, func(context.Context) error {
		if calls.Add(1) < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	waitDone(t, task)

	require.True(t, task.Succeeded())
	require.EqualValues(t, 2, calls.Load())
}

func TestBackgroundTaskExhaustsSchedule(t *testing.T) {
	var calls atomic.Int32
	task := StartBackgroundTask(context.Background(), "test", []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	})
	waitDone(t, task)

	require.False(t, task.Succeeded())
	require.EqualValues(t, 3, calls.Load())
}

func TestBackgroundTaskAbortBeforeFiring(t *testing.T) {
	var calls atomic.Int32
	task := StartBackgroundTask(context.Background(), "test", []time.Duration{time.Hour}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	task.Abort()
	waitDone(t, task)

	require.Zero(t, calls.Load())
	require.False(t, task.Succeeded())
}

func TestBackgroundTaskOutlivesParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	task := StartBackgroundTask(parent, "test", []time.Duration{5 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	cancel()
	waitDone(t, task)

	require.EqualValues(t, 1, calls.Load())
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleep(context.Background(), time.Millisecond))
	require.NoError(t, sleep(context.Background(), 0))
}
