package wizard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// sleep waits for d or until ctx is done, whichever is first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BackgroundTask retries attempt on a fixed schedule until it succeeds,
// the schedule is exhausted or the task is aborted. Failures are logged
// and otherwise swallowed.
type BackgroundTask struct {
	cancel    context.CancelFunc
	aborted   atomic.Bool
	succeeded atomic.Bool
	done      chan struct{}
}

// StartBackgroundTask detaches from parent's cancellation so the retries
// outlive the request that scheduled them; only Abort stops them.
func StartBackgroundTask(parent context.Context, name string, delays []time.Duration, attempt func(ctx context.Context) error) *BackgroundTask {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	t := &BackgroundTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()

		for i, d := range delays {
			if err := sleep(ctx, d); err != nil {
				return
			}
			if t.aborted.Load() {
				return
			}
			err := attempt(ctx)
			if err == nil {
				slog.Debug("background retry succeeded", "task", name, "attempt", i+1)
				t.succeeded.Store(true)
				return
			}
			slog.Warn("background retry failed", "task", name, "attempt", i+1, "error", err)
		}
		slog.Warn("background retries exhausted", "task", name, "attempts", len(delays))
	}()

	return t
}

func (t *BackgroundTask) Abort() {
	t.aborted.Store(true)
	t.cancel()
}

func (t *BackgroundTask) Done() <-chan struct{} {
	return t.done
}

func (t *BackgroundTask) Succeeded() bool {
	return t.succeeded.Load()
}
