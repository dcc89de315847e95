package scheduler

import (
	"sync"
	"time"
)

// activityTracker records agent output times and decides when an agent has
// gone quiet for too long.
type activityTracker struct {
	mu sync.RWMutex

	timeout time.Duration // 0 = disabled
	now     func() time.Time

	lastActivity time.Time
	timedOut     bool
}

func newActivityTracker(timeout time.Duration, now func() time.Time, last time.Time) *activityTracker {
	if last.IsZero() {
		last = now()
	}
	return &activityTracker{timeout: timeout, now: now, lastActivity: last}
}

// Record marks output as seen now and returns the timestamp.
func (a *activityTracker) Record() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = a.now()
	return a.lastActivity
}

// LastActivity is the time of the most recent output.
func (a *activityTracker) LastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActivity
}

// Check reports whether the inactivity timeout has been exceeded. It fires
// at most once.
func (a *activityTracker) Check() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timedOut || a.timeout <= 0 {
		return false
	}
	if a.now().Sub(a.lastActivity) > a.timeout {
		a.timedOut = true
		return true
	}
	return false
}

// TimedOut reports whether Check has fired.
func (a *activityTracker) TimedOut() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.timedOut
}
