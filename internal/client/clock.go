package client

import "time"

// Clock schedules callbacks. Sessions take one so tests can drive time.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock is backed by time.AfterFunc
func RealClock() Clock { return realClock{} }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// deferred is a single cancelable timer whose callback runs on the
// mailbox. A generation counter discards callbacks that fire after being
// canceled or re-armed. It must only be used from the mailbox goroutine.
type deferred struct {
	clock Clock
	post  func(func()) bool
	timer Timer
	gen   uint64
}

func (d *deferred) arm(delay time.Duration, fn func()) {
	d.cancel()
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(delay, func() {
		d.post(func() {
			if d.gen != gen || d.timer == nil {
				return
			}
			d.timer = nil
			fn()
		})
	})
}

func (d *deferred) cancel() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

func (d *deferred) armed() bool {
	return d.timer != nil
}
