package client

import "time"

type EchoState int

const (
	EchoIdle EchoState = iota
	EchoSuppressing
)

func (s EchoState) String() string {
	switch s {
	case EchoIdle:
		return "idle"
	case EchoSuppressing:
		return "suppressing"
	default:
		return "unknown"
	}
}

// EchoSuppressor tells local edits apart from the change notifications an
// editor raises while a remote document is applied. Begin is called right
// before the editor text is replaced; for window afterwards Active reports
// true and change notifications must not be sent back to the server.
type EchoSuppressor struct {
	window time.Duration
	state  EchoState
	timer  deferred
}

func NewEchoSuppressor(clock Clock, window time.Duration, post func(func()) bool) *EchoSuppressor {
	return &EchoSuppressor{
		window: window,
		timer:  deferred{clock: clock, post: post},
	}
}

// Begin enters SuppressingEcho and (re)arms the timer back to Idle
func (e *EchoSuppressor) Begin() {
	e.state = EchoSuppressing
	e.timer.arm(e.window, func() {
		e.state = EchoIdle
	})
}

func (e *EchoSuppressor) Active() bool {
	return e.state == EchoSuppressing
}

func (e *EchoSuppressor) State() EchoState {
	return e.state
}

// Stop cancels the timer and returns to Idle
func (e *EchoSuppressor) Stop() {
	e.timer.cancel()
	e.state = EchoIdle
}
