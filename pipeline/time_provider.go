package pipeline

import "time"

// TimeProvider abstracts the clock so registry cleanup can be driven by a
// mock time source in tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (rtp *realTimeProvider) Now() time.Time {
	return time.Now()
}

var timeProvider TimeProvider = &realTimeProvider{}
