package client

import "time"

// Debouncer coalesces a burst of Schedule calls into one call of fire,
// made once delay has passed without another Schedule. It is owned by the
// mailbox goroutine.
type Debouncer struct {
	delay time.Duration
	fire  func()
	timer deferred
}

// NewDebouncer returns a debouncer whose fire callback runs through post
func NewDebouncer(clock Clock, delay time.Duration, post func(func()) bool, fire func()) *Debouncer {
	return &Debouncer{
		delay: delay,
		fire:  fire,
		timer: deferred{clock: clock, post: post},
	}
}

// Schedule cancels any pending fire and starts the delay again
func (d *Debouncer) Schedule() {
	d.timer.arm(d.delay, d.fire)
}

// Cancel drops a pending fire. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	return d.timer.cancel()
}

func (d *Debouncer) Pending() bool {
	return d.timer.armed()
}
