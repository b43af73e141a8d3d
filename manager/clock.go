package manager

import "time"

// Clock supplies the time the reactor stamps on instances and pending requests.
// Injected so dispatch tests can control LRU order.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
