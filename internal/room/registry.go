package room

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Observer receives room lifecycle notifications. Calls are made outside
// the room lock and must not block.
type Observer interface {
	RoomCreated(roomID string)
	RoomDiscarded(roomID string)
	MemberJoined(roomID, memberID string, members int)
	MemberLeft(roomID, memberID string, members int)
	DocumentReplaced(roomID, memberID, document string, recipients int)
}

type nopObserver struct{}

func (nopObserver) RoomCreated(string)                           {}
func (nopObserver) RoomDiscarded(string)                         {}
func (nopObserver) MemberJoined(string, string, int)             {}
func (nopObserver) MemberLeft(string, string, int)               {}
func (nopObserver) DocumentReplaced(string, string, string, int) {}

// Registry maps room IDs to live rooms. Rooms are created on first join
// and discarded, document included, as soon as the last member leaves.
type Registry struct {
	rooms    map[string]*Room
	memberOf map[string]string
	welcome  string
	observer Observer
	log      *slog.Logger
	mu       sync.Mutex
}

type Option func(*Registry)

// WithWelcome seeds new rooms with tmpl; every "%s" becomes the room ID
func WithWelcome(tmpl string) Option {
	return func(r *Registry) { r.welcome = tmpl }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[string]*Room),
		memberOf: make(map[string]string),
		observer: nopObserver{},
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds m to the room, creating it if needed, sends initial_code to m
// only and returns the document it carried. A member already in another
// room leaves it first.
func (r *Registry) Join(roomID string, m Member) (string, error) {
	if roomID == "" {
		return "", ErrEmptyRoomID
	}

	if prev, ok := r.RoomOf(m.ID()); ok && prev != roomID {
		if err := r.Leave(prev, m); err != nil && !errors.Is(err, ErrNotMember) {
			return "", err
		}
	}

	for {
		rm, created := r.getOrCreate(roomID)
		if created {
			r.log.Info("Room created", "room", roomID)
			r.observer.RoomCreated(roomID)
		}

		snapshot, count, err := rm.join(m)
		if errors.Is(err, errRoomClosed) {
			// lost a race with the last member leaving; start a fresh room
			continue
		}
		if err != nil {
			if count == 0 {
				r.discardIfEmpty(rm)
			}
			return "", err
		}

		r.mu.Lock()
		r.memberOf[m.ID()] = roomID
		r.mu.Unlock()

		r.log.Info("Client joined room", "room", roomID, "session", m.ID(), "members", count)
		r.observer.MemberJoined(roomID, m.ID(), count)
		return snapshot, nil
	}
}

// Leave removes m from the room. Leaving a room m is not in returns
// ErrNotMember and changes nothing.
func (r *Registry) Leave(roomID string, m Member) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	rm := r.get(roomID)
	if rm == nil {
		r.forget(m.ID(), roomID)
		return ErrNotMember
	}

	remaining, err := rm.leave(m)
	if err != nil {
		// drop a mapping left behind by an eviction
		r.forget(m.ID(), roomID)
		return err
	}

	r.forget(m.ID(), roomID)
	r.log.Info("Client left room", "room", roomID, "session", m.ID(), "remaining", remaining)
	r.observer.MemberLeft(roomID, m.ID(), remaining)

	if remaining == 0 {
		r.discardIfEmpty(rm)
	}
	return nil
}

// Disconnect removes m from whatever room it is in
func (r *Registry) Disconnect(m Member) {
	roomID, ok := r.RoomOf(m.ID())
	if !ok {
		return
	}
	if err := r.Leave(roomID, m); err != nil && !errors.Is(err, ErrNotMember) {
		r.log.Warn("Failed to remove disconnected client", "room", roomID, "session", m.ID(), "error", err)
	}
}

// ApplyUpdate replaces the room's document with text, last writer wins,
// and sends code_update to every member but m. It returns the members
// that were notified.
func (r *Registry) ApplyUpdate(roomID string, m Member, text string) ([]Member, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}

	rm := r.get(roomID)
	if rm == nil {
		return nil, ErrNotMember
	}

	recipients, evicted, err := rm.apply(m, text)
	if err != nil {
		return nil, err
	}
	r.observer.DocumentReplaced(roomID, m.ID(), text, len(recipients))

	if len(evicted) > 0 {
		for _, e := range evicted {
			r.forget(e.ID(), roomID)
			r.log.Warn("Evicted slow client", "room", roomID, "session", e.ID())
			r.observer.MemberLeft(roomID, e.ID(), rm.Len())
			e.Evict()
		}
		r.discardIfEmpty(rm)
	}
	return recipients, nil
}

// RoomOf returns the room the member is currently joined to
func (r *Registry) RoomOf(memberID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.memberOf[memberID]
	return roomID, ok
}

// Room returns the live room with the given ID, or nil
func (r *Registry) Room(roomID string) *Room {
	return r.get(roomID)
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.memberOf)
}

// Rooms lists every live room ordered by ID
func (r *Registry) Rooms() []Info {
	r.mu.Lock()
	rooms := lo.Values(r.rooms)
	r.mu.Unlock()

	infos := lo.Map(rooms, func(rm *Room, _ int) Info { return rm.Info() })
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) get(roomID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreate(roomID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm, false
	}
	rm := NewRoom(roomID, strings.ReplaceAll(r.welcome, "%s", roomID))
	r.rooms[roomID] = rm
	return rm, true
}

func (r *Registry) forget(memberID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memberOf[memberID] == roomID {
		delete(r.memberOf, memberID)
	}
}

func (r *Registry) discardIfEmpty(rm *Room) {
	r.mu.Lock()
	if r.rooms[rm.ID] != rm || !rm.closeIfEmpty() {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, rm.ID)
	r.mu.Unlock()

	r.log.Info("Room closed (empty)", "room", rm.ID)
	r.observer.RoomDiscarded(rm.ID)
}
