package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codepad/internal/protocol"
)

type fakeConn struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(event protocol.Event, payload any) {
	c.inbound <- protocol.MustEncode(event, payload)
}

func (c *fakeConn) events() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, len(c.sent))
	for i, env := range c.sent {
		out[i] = env.Event
	}
	return out
}

func (c *fakeConn) changes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, env := range c.sent {
		if env.Event != protocol.EventCodeChange {
			continue
		}
		var p protocol.CodeChange
		require.NoError(t, env.Payload(&p))
		require.Equal(t, "lab", p.RoomID)
		out = append(out, *p.Code)
	}
	return out
}

type fakeDialer struct {
	failing atomic.Bool
	dials   atomic.Int32
	conns   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	if d.failing.Load() {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was dialed")
		return nil
	}
}

type harness struct {
	session *Session
	buffer  *Buffer
	clock   *fakeClock
	dialer  *fakeDialer

	mu       sync.Mutex
	statuses []State
	errors   []string
}

func newHarness(t *testing.T, attempts int, offline bool) *harness {
	t.Helper()
	h := &harness{
		buffer: NewBuffer("draft"),
		clock:  &fakeClock{},
		dialer: newFakeDialer(),
	}
	h.dialer.failing.Store(offline)
	s, err := NewSession(h.buffer, Options{
		URL:         "ws://codepad.test/ws",
		RoomID:      "lab",
		MaxAttempts: attempts,
		Backoff:     &backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond},
		Clock:       h.clock,
		Dialer:      h.dialer,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStatus: func(s State) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		},
		OnError: func(msg string) {
			h.mu.Lock()
			h.errors = append(h.errors, msg)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.session = s
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return h
}

// settle waits until the mailbox has run everything posted so far
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.True(t, h.session.mailbox.Do(func() {}))
}

// advance moves the fake clock and runs the timer callbacks it posted
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.settle(t)
	h.clock.Advance(d)
	h.settle(t)
}

func (h *harness) typeText(t *testing.T, text string) {
	t.Helper()
	h.buffer.Type(text)
	h.settle(t)
}

// joined connects and applies the initial document
func (h *harness) joined(t *testing.T, doc string) *fakeConn {
	t.Helper()
	conn := h.dialer.next(t)
	require.Eventually(t, func() bool {
		return len(conn.events()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.EventJoinRoom, conn.events()[0])

	conn.push(protocol.EventInitialCode, protocol.InitialCode{Code: doc})
	require.Eventually(t, func() bool {
		return h.session.Text() == doc
	}, 2*time.Second, 5*time.Millisecond)
	h.advance(t, DefaultEchoWindow)
	return conn
}

func (h *harness) errorMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errors...)
}

func TestSessionJoinsAndAppliesInitialCode(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "print('hi')")

	require.Equal(t, "print('hi')", h.buffer.Text())
	require.Equal(t, StateConnected, h.session.Status())
	require.True(t, h.buffer.Focused())

	// applying the document must not be sent back
	h.advance(t, time.Second)
	require.Empty(t, conn.changes(t))
}

func TestSessionDebouncesLocalEdits(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "")

	h.typeText(t, "a")
	h.advance(t, 300*time.Millisecond)
	h.typeText(t, "ab")
	h.advance(t, 300*time.Millisecond)
	h.typeText(t, "abc")
	require.Equal(t, "abc", h.session.Text())

	h.advance(t, 499*time.Millisecond)
	require.Empty(t, conn.changes(t))

	h.advance(t, time.Millisecond)
	require.Equal(t, []string{"abc"}, conn.changes(t))
}

func TestSessionRemoteUpdateIsNotEchoed(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "one")

	conn.push(protocol.EventCodeUpdate, protocol.CodeUpdate{Code: "two"})
	require.Eventually(t, func() bool {
		return h.buffer.Text() == "two"
	}, 2*time.Second, 5*time.Millisecond)

	h.advance(t, time.Second)
	require.Empty(t, conn.changes(t))

	var state EchoState
	h.session.mailbox.Do(func() { state = h.session.echo.State() })
	require.Equal(t, EchoIdle, state)
}

func TestSessionIgnoresUpdateMatchingLocalText(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "same")

	changed := atomic.Int32{}
	h.buffer.OnChange(func(string) { changed.Add(1) })

	conn.push(protocol.EventCodeUpdate, protocol.CodeUpdate{Code: "same"})
	conn.push(protocol.EventCodeUpdate, protocol.CodeUpdate{Code: "next"})
	require.Eventually(t, func() bool {
		return h.buffer.Text() == "next"
	}, 2*time.Second, 5*time.Millisecond)
	h.settle(t)

	require.Equal(t, int32(1), changed.Load())
}

func TestSessionRemoteUpdateDropsPendingSend(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "")

	h.typeText(t, "mine")
	conn.push(protocol.EventCodeUpdate, protocol.CodeUpdate{Code: "theirs"})
	require.Eventually(t, func() bool {
		return h.session.Text() == "theirs"
	}, 2*time.Second, 5*time.Millisecond)

	h.advance(t, time.Second)
	require.Empty(t, conn.changes(t))
	require.Equal(t, "theirs", h.buffer.Text())
}

func TestSessionSurfacesServerErrors(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "")

	conn.push(protocol.EventError, protocol.Error{Message: "not a member of room lab"})
	require.Eventually(t, func() bool {
		return len(h.errorMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnected, h.session.Status())
}

func TestSessionReconnectResync(t *testing.T) {
	h := newHarness(t, 3, false)
	first := h.joined(t, "v1")

	h.dialer.failing.Store(true)
	first.Close()
	require.Eventually(t, func() bool {
		return len(h.errorMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateDisconnected, h.session.Status())
	require.Contains(t, h.errorMessages()[0], ErrAttemptsExhausted.Error())
	require.Equal(t, int32(4), h.dialer.dials.Load())

	// typing continues while offline; the send is dropped
	h.typeText(t, "offline edit")
	h.advance(t, time.Second)
	require.Empty(t, first.changes(t))

	h.dialer.failing.Store(false)
	h.session.Reconnect()
	second := h.joined(t, "v2")
	require.Equal(t, "v2", h.buffer.Text())
	require.Equal(t, StateConnected, h.session.Status())

	h.advance(t, time.Second)
	require.Empty(t, second.changes(t))

	h.typeText(t, "v3")
	h.advance(t, DefaultDebounce)
	require.Equal(t, []string{"v3"}, second.changes(t))
}

func TestSessionHoldsEditsUntilInitialCode(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.dialer.next(t)
	require.Eventually(t, func() bool {
		return len(conn.events()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.typeText(t, "before sync")
	h.advance(t, time.Second)
	require.Equal(t, []protocol.Event{protocol.EventJoinRoom}, conn.events())

	conn.push(protocol.EventInitialCode, protocol.InitialCode{Code: "server copy"})
	require.Eventually(t, func() bool {
		return h.buffer.Text() == "server copy"
	}, 2*time.Second, 5*time.Millisecond)
	h.advance(t, time.Second)
	require.Empty(t, conn.changes(t))
}

func TestSessionReconnectDoesNotPushStaleBuffer(t *testing.T) {
	h := newHarness(t, 3, false)
	first := h.joined(t, "v1")

	h.typeText(t, "stale edit")
	first.Close()

	second := h.dialer.next(t)
	require.Eventually(t, func() bool {
		return len(second.events()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the debounce window elapses after the rejoin but before initial_code
	h.advance(t, DefaultDebounce)
	require.Equal(t, []protocol.Event{protocol.EventJoinRoom}, second.events())

	second.push(protocol.EventInitialCode, protocol.InitialCode{Code: "v2"})
	require.Eventually(t, func() bool {
		return h.session.Text() == "v2"
	}, 2*time.Second, 5*time.Millisecond)
	h.advance(t, time.Second)
	require.Empty(t, second.changes(t))
	require.Empty(t, first.changes(t))
	require.Equal(t, "v2", h.buffer.Text())

	h.typeText(t, "v3")
	h.advance(t, DefaultDebounce)
	require.Equal(t, []string{"v3"}, second.changes(t))
}

func TestSessionGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t, 0, true)

	require.Eventually(t, func() bool {
		return len(h.errorMessages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateDisconnected, h.session.Status())
	require.Equal(t, int32(DefaultMaxAttempts), h.dialer.dials.Load())

	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.errorMessages(), 1)
}

func TestSessionCloseLeavesRoom(t *testing.T) {
	h := newHarness(t, 3, false)
	conn := h.joined(t, "")

	h.typeText(t, "unsent")
	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	require.Equal(t, StateClosed, h.session.Status())
	events := conn.events()
	require.Equal(t, protocol.EventLeaveRoom, events[len(events)-1])
	require.Empty(t, conn.changes(t))

	h.buffer.Type("after close")
	h.clock.Advance(time.Second)
	require.Empty(t, conn.changes(t))
	require.ErrorIs(t, h.session.Start(context.Background()), ErrClosed)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, StateClosed, h.statuses[len(h.statuses)-1])
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(nil, Options{URL: "ws://x", RoomID: "r"})
	require.Error(t, err)
	_, err = NewSession(NewBuffer(""), Options{RoomID: "r"})
	require.Error(t, err)
	_, err = NewSession(NewBuffer(""), Options{URL: "ws://x"})
	require.Error(t, err)
}
