package session

import (
	"sync"
	"time"
)

// Countdown is a local, cancelable timer. It is not authoritative: the
// callback re-validates persisted state before acting.
type Countdown struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Start arms the countdown unless one is already running. It reports
// whether a new countdown was started.
func (c *Countdown) Start(d time.Duration, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return false
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		// a canceled or replaced timer must not fire its callback
		if c.timer != timer {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		fn()
	})
	c.timer = timer
	return true
}

// Cancel stops a running countdown. It reports whether one was running.
func (c *Countdown) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return false
	}
	c.timer.Stop()
	c.timer = nil
	return true
}
