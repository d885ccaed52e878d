package node

import "time"

// Clock is the node's only source of time. Tests substitute a fake whose
// Sleep advances Now.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// timer is a named cadence checked from the cooperative loop.
type timer struct {
	name  string
	every time.Duration
	last  time.Time
}

func newTimer(name string, every time.Duration) *timer {
	return &timer{name: name, every: every}
}

func (t *timer) due(now time.Time) bool { return now.Sub(t.last) >= t.every }
func (t *timer) reset(now time.Time)    { t.last = now }

// overdue reports whether strictly more than every has passed since the
// last reset. Liveness timeouts use it; cadences use due.
func (t *timer) overdue(now time.Time) bool { return now.Sub(t.last) > t.every }

// expire makes the timer due on the next check.
func (t *timer) expire() { t.last = time.Time{} }
