package extraction_service

import (
	"context"
	"time"
)

// backoffDelay returns the wait before attempt+1 given a 1-based attempt
// number: min(initial * 2^(attempt-1), max). max <= 0 means uncapped.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// sleepFunc waits for d or until the context is done. Tests swap it out to
// run without wall-clock delays.
type sleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
