package reputation

import (
	"context"
	"sync"
	"time"
)

// windowLimiter enforces the provider's requests-per-minute quota with a
// trailing window of request timestamps. When the window is full, Wait
// blocks until the oldest stamp ages out (plus a small cushion so the
// provider's own clock agrees).
type windowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	return &windowLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until a request slot is free, then claims it.
func (l *windowLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)
		keep := l.stamps[:0]
		for _, s := range l.stamps {
			if s.After(cutoff) {
				keep = append(keep, s)
			}
		}
		l.stamps = keep

		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.stamps[0]) + 100*time.Millisecond
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
