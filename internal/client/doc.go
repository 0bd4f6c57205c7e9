// Package client keeps a local editor buffer in sync with a room on a
// codepad server.
//
// A Session owns one websocket connection to the server and drives three
// small state machines, all on a single mailbox goroutine:
//
//   - the Debouncer coalesces local edits into one code_change per quiet
//     period and sends whatever text is current when it fires
//   - the EchoSuppressor marks the window in which the editor's change
//     notification for a programmatic update must not be sent back
//   - the connection lifecycle dials with a bounded number of attempts,
//     joins the room on every (re)connect and replaces the local buffer with
//     the initial_code the server answers with
//
// Editor notifications, timer callbacks and inbound frames are all posted to
// the mailbox, so session state is never touched from two goroutines at once.
//
// Usage:
//
//	buf := client.NewBuffer("")
//	s, err := client.NewSession(buf, client.Options{URL: "ws://localhost:8080/ws", RoomID: "lab"})
//	if err != nil {
//		return err
//	}
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Close()
package client
