package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event names the kind of a frame exchanged between client and server
type Event string

const (
	// Sent by a client to become a member of a room
	EventJoinRoom Event = "join_room"

	// Sent by a client leaving its room
	EventLeaveRoom Event = "leave_room"

	// Debounced full-document replacement from a client
	EventCodeChange Event = "code_change"

	// Full document sent once to a newly joined session
	EventInitialCode Event = "initial_code"

	// Full document broadcast to every member except the editor
	EventCodeUpdate Event = "code_update"

	// Protocol or validation failure notice
	EventError Event = "error"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New()

// Envelope is the JSON frame carried by every websocket text message
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

// CodeChange carries the whole document. Code is a pointer so an empty
// document stays distinguishable from a missing field.
type CodeChange struct {
	RoomID string  `json:"roomId" validate:"required"`
	Code   *string `json:"code" validate:"required"`
}

type InitialCode struct {
	Code string `json:"code"`
}

type CodeUpdate struct {
	Code string `json:"code"`
}

type Error struct {
	Message string `json:"message"`
}

// Known reports whether the event is part of the protocol
func (e Event) Known() bool {
	switch e {
	case EventJoinRoom, EventLeaveRoom, EventCodeChange,
		EventInitialCode, EventCodeUpdate, EventError:
		return true
	}
	return false
}

// Encode wraps payload into an envelope for the given event
func Encode(event Event, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// MustEncode is Encode for payload types that cannot fail to marshal
func MustEncode(event Event, payload any) []byte {
	data, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a frame into its envelope without touching the payload
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if !env.Event.Known() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// Payload decodes the envelope data into v and validates its struct tags
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
