package room

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/manpreetbhatti/codepad/internal/protocol"
)

var (
	ErrEmptyRoomID  = errors.New("room id is required")
	ErrNotMember    = errors.New("session is not a member of the room")
	ErrBackpressure = errors.New("session cannot accept messages")

	errRoomClosed = errors.New("room closed")
)

// Member is a session that can be joined to a room
type Member interface {
	ID() string

	// Deliver queues a frame for the member without blocking. It returns
	// false when the member cannot keep up.
	Deliver(frame []byte) bool

	// Evict is called once after the room dropped the member for not
	// keeping up.
	Evict()
}

// A collaborative editing session: one document and its members.
// Every mutation and fan-out happens under mu so each member sees
// updates in the order they were applied.
type Room struct {
	ID       string
	document string
	members  map[string]Member
	closed   bool
	mu       sync.Mutex
}

// Info is a point-in-time view of a room
type Info struct {
	ID          string `json:"id"`
	Members     int    `json:"members"`
	Length      int    `json:"length"`
	ContentHash string `json:"content_hash"`
}

// Creates a new room with the given ID and initial document
func NewRoom(id, document string) *Room {
	return &Room{
		ID:       id,
		document: document,
		members:  make(map[string]Member),
	}
}

// Returns the current document
func (r *Room) Document() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.document
}

// Returns the number of members
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Returns the IDs of the current members
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:          r.ID,
		Members:     len(r.members),
		Length:      len(r.document),
		ContentHash: HashContent(r.document),
	}
}

// join adds m and queues initial_code for it alone. The snapshot is queued
// under the lock so no code_update can overtake it.
func (r *Room) join(m Member) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", 0, errRoomClosed
	}
	frame := protocol.MustEncode(protocol.EventInitialCode, protocol.InitialCode{Code: r.document})
	if !m.Deliver(frame) {
		return "", len(r.members), ErrBackpressure
	}
	r.members[m.ID()] = m
	return r.document, len(r.members), nil
}

// leave removes m and reports how many members remain
func (r *Room) leave(m Member) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID()]; !ok {
		return len(r.members), ErrNotMember
	}
	delete(r.members, m.ID())
	return len(r.members), nil
}

// apply replaces the document with text and fans it out to every other
// member. Members whose queue is full are removed and returned as evicted.
func (r *Room) apply(m Member, text string) (recipients, evicted []Member, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID()]; !ok {
		return nil, nil, ErrNotMember
	}

	r.document = text
	frame := protocol.MustEncode(protocol.EventCodeUpdate, protocol.CodeUpdate{Code: text})

	for id, member := range r.members {
		if id == m.ID() {
			continue
		}
		if member.Deliver(frame) {
			recipients = append(recipients, member)
			continue
		}
		delete(r.members, id)
		evicted = append(evicted, member)
	}
	return recipients, evicted, nil
}

// closeIfEmpty marks an empty room closed so late joiners retry on a fresh room
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.closed {
		return false
	}
	r.closed = true
	return true
}

// HashContent returns a short hex digest identifying a document
func HashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}
