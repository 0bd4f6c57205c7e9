package client

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Mailbox runs posted functions one at a time, in order, on the goroutine
// calling Run. Post never blocks, so timers and the network reader can
// hand work over without waiting on the editor.
type Mailbox struct {
	mu      sync.Mutex
	pending *queue.Queue
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Post queues fn. It returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.pending.Add(fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the mailbox and waits for it. It returns false if the
// mailbox stopped before fn ran. Never call Do from the mailbox itself.
func (m *Mailbox) Do(fn func()) bool {
	done := make(chan struct{})
	if !m.Post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-m.stopped:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// Run drains the mailbox until ctx is done or Close is called
func (m *Mailbox) Run(ctx context.Context) {
	defer close(m.stopped)
	for {
		for {
			fn, closed := m.next()
			if fn == nil {
				if closed {
					return
				}
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
	}
}

// Close rejects further posts; Run returns after draining what was queued
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stopped is closed when Run has returned
func (m *Mailbox) Stopped() <-chan struct{} {
	return m.stopped
}

func (m *Mailbox) next() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending.Length() == 0 {
		return nil, m.closed
	}
	return m.pending.Remove().(func()), false
}
