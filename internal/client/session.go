package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/manpreetbhatti/codepad/internal/protocol"
)

const (
	DefaultDebounce       = 500 * time.Millisecond
	DefaultEchoWindow     = 50 * time.Millisecond
	DefaultMaxAttempts    = 5
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrClosed            = errors.New("session closed")
	ErrAttemptsExhausted = errors.New("connection attempts exhausted")
)

// State is the connection state reported by a Session
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	URL    string
	RoomID string

	Debounce       time.Duration
	EchoWindow     time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration

	// Backoff spaces connection attempts. Nil uses 250ms doubling to 5s.
	Backoff *backoff.Backoff
	Clock   Clock
	Dialer  Dialer
	Log     *slog.Logger

	// OnStatus and OnError run on the session mailbox and must not call
	// Close or Text
	OnStatus func(State)
	OnError  func(message string)
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = DefaultEchoWindow
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Backoff == nil {
		o.Backoff = &backoff.Backoff{
			Min:    250 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		}
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Log == nil {
		o.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Session keeps an Editor in sync with one room. Fields below the mailbox
// are owned by the mailbox goroutine.
type Session struct {
	opts      Options
	editor    Editor
	log       *slog.Logger
	reconnect chan struct{}

	mailbox   *Mailbox
	debouncer *Debouncer
	echo      *EchoSuppressor
	localText string
	conn      Conn
	// set once the current connection delivered initial_code
	synced bool
	closed bool

	state     atomic.Int32
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSession(editor Editor, opts Options) (*Session, error) {
	if editor == nil {
		return nil, errors.New("editor is required")
	}
	if opts.URL == "" {
		return nil, errors.New("server url is required")
	}
	if opts.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	opts = opts.withDefaults()

	s := &Session{
		opts:      opts,
		editor:    editor,
		log:       opts.Log.With("room", opts.RoomID),
		reconnect: make(chan struct{}, 1),
		mailbox:   NewMailbox(),
	}
	s.debouncer = NewDebouncer(opts.Clock, opts.Debounce, s.mailbox.Post, s.flush)
	s.echo = NewEchoSuppressor(opts.Clock, opts.EchoWindow, s.mailbox.Post)
	return s, nil
}

// Start hooks the editor and connects in the background. The session runs
// until ctx is done or Close is called; Close must be called either way.
func (s *Session) Start(ctx context.Context) error {
	if s.Status() == StateClosed {
		return ErrClosed
	}
	first := false
	s.startOnce.Do(func() { first = true })
	if !first {
		return errors.New("session already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.localText = s.editor.Text()
	s.editor.OnChange(func(text string) {
		s.mailbox.Post(func() { s.localChange(text) })
	})
	s.editor.Focus()
	s.started.Store(true)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.mailbox.Run(context.Background())
	}()
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Close cancels pending timers, sends leave_room if connected and closes
// the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			s.state.Store(int32(StateClosed))
			return
		}
		if !s.mailbox.Do(s.shutdown) {
			s.shutdown()
		}
		s.cancel()
		s.mailbox.Close()
		s.wg.Wait()
	})
	return nil
}

func (s *Session) Status() State {
	return State(s.state.Load())
}

// Text returns the session's view of the document
func (s *Session) Text() string {
	if !s.started.Load() {
		return s.editor.Text()
	}
	var text string
	if !s.mailbox.Do(func() { text = s.localText }) {
		return s.editor.Text()
	}
	return text
}

// Reconnect starts a new round of connection attempts after the previous
// round was exhausted.
func (s *Session) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.mailbox.Post(s.shutdown)

	for {
		select {
		case <-s.reconnect:
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("Giving up on server", "url", s.opts.URL, "error", err)
			s.mailbox.Post(func() { s.exhausted(err) })

			select {
			case <-ctx.Done():
				return
			case <-s.reconnect:
				s.log.Info("Reconnecting on request")
				continue
			}
		}

		if !s.mailbox.Post(func() { s.connected(conn) }) {
			conn.Close()
			return
		}
		s.readLoop(ctx, conn)
		s.mailbox.Post(func() { s.disconnected(conn) })

		if ctx.Err() != nil {
			return
		}
		s.log.Info("Connection lost, reconnecting")
	}
}

// connect makes up to MaxAttempts dials, each bounded by ConnectTimeout
func (s *Session) connect(ctx context.Context) (Conn, error) {
	b := s.opts.Backoff
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		s.mailbox.Post(func() { s.setState(StateConnecting) })

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		conn, err := s.opts.Dialer.Dial(attemptCtx, s.opts.URL)
		cancel()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.log.Debug("Connection attempt failed", "attempt", attempt, "error", err)

		if attempt == s.opts.MaxAttempts {
			break
		}
		delay := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			delay.Stop()
			return nil, ctx.Err()
		case <-delay.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, s.opts.MaxAttempts, lastErr)
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		frame, err := conn.Receive()
		if err != nil {
			s.log.Debug("Read failed", "error", err)
			return
		}
		if !s.mailbox.Post(func() { s.receive(conn, frame) }) {
			return
		}
	}
}

// Everything below runs on the mailbox.

func (s *Session) setState(state State) {
	if s.closed && state != StateClosed {
		return
	}
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	s.log.Debug("Connection state changed", "state", state)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(state)
	}
}

func (s *Session) connected(conn Conn) {
	if s.closed {
		conn.Close()
		return
	}
	s.conn = conn
	s.synced = false
	s.debouncer.Cancel()
	s.setState(StateConnected)
	s.log.Info("Connected", "url", s.opts.URL)
	s.send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: s.opts.RoomID})
}

func (s *Session) disconnected(conn Conn) {
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.synced = false
	conn.Close()
	s.setState(StateDisconnected)
}

func (s *Session) exhausted(err error) {
	if s.closed {
		return
	}
	s.setState(StateDisconnected)
	if s.opts.OnError != nil {
		s.opts.OnError(err.Error())
	}
}

func (s *Session) receive(conn Conn, frame []byte) {
	if s.closed || conn != s.conn {
		return
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		s.log.Warn("Ignoring frame", "error", err)
		return
	}

	switch env.Event {
	case protocol.EventInitialCode:
		var p protocol.InitialCode
		if err := env.Payload(&p); err != nil {
			s.log.Warn("Ignoring initial code", "error", err)
			return
		}
		s.applyRemote(p.Code)
		s.synced = true

	case protocol.EventCodeUpdate:
		var p protocol.CodeUpdate
		if err := env.Payload(&p); err != nil {
			s.log.Warn("Ignoring code update", "error", err)
			return
		}
		if p.Code == s.localText {
			return
		}
		s.applyRemote(p.Code)

	case protocol.EventError:
		var p protocol.Error
		if err := env.Payload(&p); err != nil {
			s.log.Warn("Ignoring error frame", "error", err)
			return
		}
		s.log.Warn("Server rejected message", "message", p.Message)
		if s.opts.OnError != nil {
			s.opts.OnError(p.Message)
		}

	default:
		s.log.Debug("Ignoring event", "event", env.Event)
	}
}

// applyRemote replaces the editor text. A pending local send is dropped:
// the remote document wins.
func (s *Session) applyRemote(code string) {
	s.debouncer.Cancel()
	s.echo.Begin()
	s.localText = code
	s.editor.SetText(code)
}

func (s *Session) localChange(text string) {
	if s.closed {
		return
	}
	s.localText = text
	if s.echo.Active() {
		return
	}
	s.debouncer.Schedule()
}

func (s *Session) flush() {
	if s.closed {
		return
	}
	if s.conn == nil || s.Status() != StateConnected {
		s.log.Debug("Dropping change while disconnected")
		return
	}
	if !s.synced {
		s.log.Debug("Dropping change before initial code")
		return
	}
	code := s.localText
	s.send(protocol.EventCodeChange, protocol.CodeChange{RoomID: s.opts.RoomID, Code: &code})
}

func (s *Session) send(event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		s.log.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	if err := s.conn.Send(frame); err != nil {
		s.log.Warn("Send failed", "event", event, "error", err)
	}
}

func (s *Session) shutdown() {
	if s.closed {
		return
	}
	s.debouncer.Cancel()
	s.echo.Stop()
	if s.conn != nil {
		s.send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: s.opts.RoomID})
		s.conn.Close()
		s.conn = nil
	}
	s.closed = true
	s.cancel()
	s.setState(StateClosed)
}
