package scheduler

import (
	"context"
	"time"
)

// Clock lets loops be driven by a fake time source in tests.
type Clock interface {
	Now() time.Time
	// Sleep suspends until d has elapsed or ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock, reported in Location (time.Local if nil).
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
