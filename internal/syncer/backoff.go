package syncer

import "time"

// Backoff computes exponential retry delays: base doubling per attempt up to
// cap. Attempt counts reset after any successful delivery, so the schedule
// returns to the base interval as soon as connectivity recovers.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt. Attempt 0 is the
// first retry and waits the base interval.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}
