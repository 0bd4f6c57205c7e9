package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codepad/internal/protocol"
	"github.com/manpreetbhatti/codepad/internal/room"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(room.NewRegistry(testLogger()), testLogger(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event protocol.Event, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(event, payload)))
}

func expect(t *testing.T, conn *websocket.Conn, event protocol.Event) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, event, env.Event, "frame %s", frame)

	if event == protocol.EventError {
		var msg protocol.Error
		require.NoError(t, env.Payload(&msg))
		return msg.Message
	}
	var msg protocol.CodeUpdate
	require.NoError(t, env.Payload(&msg))
	return msg.Code
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, frame, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", frame)
}

func join(t *testing.T, conn *websocket.Conn, roomID string) string {
	t.Helper()
	send(t, conn, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID})
	return expect(t, conn, protocol.EventInitialCode)
}

func change(t *testing.T, conn *websocket.Conn, roomID, code string) {
	t.Helper()
	send(t, conn, protocol.EventCodeChange, protocol.CodeChange{RoomID: roomID, Code: &code})
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(room.NewRegistry(testLogger()), testLogger(), DefaultConfig())
	require.NotNil(t, hub)
	require.NotNil(t, hub.clients)
	require.Equal(t, 0, hub.GetClientCount())
	require.Equal(t, 0, hub.GetRoomCount())
	require.Empty(t, hub.GetActiveRooms())
}

func TestJoinReceivesInitialCode(t *testing.T) {
	hub, url := startServer(t)
	conn := dial(t, url)

	require.Equal(t, "", join(t, conn, "R1"))
	require.Equal(t, map[string]int{"R1": 1}, hub.GetActiveRooms())
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCodeChangeBroadcastsToOthersOnly(t *testing.T) {
	_, url := startServer(t)
	a, b, c := dial(t, url), dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R1")
	join(t, c, "R1")

	change(t, a, "R1", "hello")

	require.Equal(t, "hello", expect(t, b, protocol.EventCodeUpdate))
	require.Equal(t, "hello", expect(t, c, protocol.EventCodeUpdate))
	expectSilence(t, a)
}

func TestJoinDoesNotNotifyExistingMembers(t *testing.T) {
	_, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	change(t, a, "R1", "hello")

	require.Equal(t, "hello", join(t, b, "R1"))
	expectSilence(t, a)
}

func TestRoomsAreIsolated(t *testing.T) {
	_, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R2")

	change(t, a, "R1", "only R1")
	expectSilence(t, b)
}

func TestProtocolViolationsReturnError(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url)

	change(t, conn, "R1", "not joined")
	require.Contains(t, expect(t, conn, protocol.EventError), "not a member")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{garbage")))
	require.Contains(t, expect(t, conn, protocol.EventError), "malformed")

	send(t, conn, protocol.EventJoinRoom, protocol.JoinRoom{})
	require.Contains(t, expect(t, conn, protocol.EventError), "invalid payload")

	send(t, conn, protocol.EventCodeUpdate, protocol.CodeUpdate{Code: "x"})
	require.Contains(t, expect(t, conn, protocol.EventError), "not accepted")

	// the session survives every violation
	require.Equal(t, "", join(t, conn, "R1"))
}

func TestExplicitLeave(t *testing.T) {
	hub, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R1")

	send(t, b, protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: "R1"})
	require.Eventually(t, func() bool { return hub.GetActiveRooms()["R1"] == 1 }, time.Second, 10*time.Millisecond)

	change(t, a, "R1", "after leave")
	expectSilence(t, b)

	send(t, b, protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: "R1"})
	require.Contains(t, expect(t, b, protocol.EventError), "not a member")
}

func TestDisconnectDiscardsEmptyRoom(t *testing.T) {
	hub, url := startServer(t)
	a := dial(t, url)
	join(t, a, "R1")
	change(t, a, "R1", "prior document")
	require.Eventually(t, func() bool {
		rm := hub.Registry().Room("R1")
		return rm != nil && rm.Document() == "prior document"
	}, time.Second, 10*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return hub.GetRoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	b := dial(t, url)
	require.Equal(t, "", join(t, b, "R1"))
}

func TestReconnectResync(t *testing.T) {
	hub, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R1")

	change(t, a, "R1", "v1")
	require.Equal(t, "v1", expect(t, b, protocol.EventCodeUpdate))

	b.Close()
	change(t, a, "R1", "v2")
	require.Eventually(t, func() bool {
		return hub.Registry().Room("R1").Document() == "v2"
	}, time.Second, 10*time.Millisecond)

	b2 := dial(t, url)
	require.Equal(t, "v2", join(t, b2, "R1"))
}

func TestCrossSessionOrderingOverTheWire(t *testing.T) {
	_, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R1")

	change(t, a, "R1", "U1")
	change(t, a, "R1", "U2")

	require.Equal(t, "U1", expect(t, b, protocol.EventCodeUpdate))
	require.Equal(t, "U2", expect(t, b, protocol.EventCodeUpdate))
}

func TestFloodingSessionDoesNotStarvePeers(t *testing.T) {
	_, url := startServer(t)
	a, b := dial(t, url), dial(t, url)
	join(t, a, "R1")
	join(t, b, "R1")

	// same host as a and b, well past its own burst
	flood := dial(t, url)
	frame := protocol.MustEncode(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: "R1"})
	for i := 0; i < 3*DefaultConfig().MessageBurst; i++ {
		if err := flood.WriteMessage(websocket.TextMessage, frame); err != nil {
			break
		}
	}

	change(t, b, "R1", "hello")
	require.Equal(t, "hello", expect(t, a, protocol.EventCodeUpdate))
}

func TestHubShutdownClosesSessions(t *testing.T) {
	hub := NewHub(room.NewRegistry(testLogger()), testLogger(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer server.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	join(t, conn, "R1")

	cancel()
	<-stopped

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, hub.GetRoomCount())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
}
