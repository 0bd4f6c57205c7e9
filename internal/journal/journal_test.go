package journal

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/manpreetbhatti/codepad/internal/db"
	"github.com/manpreetbhatti/codepad/internal/room"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, config Config) (*Service, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return New(database, config, slog.New(slog.NewTextHandler(io.Discard, nil))), database
}

func TestJournalRecordsLifecycleWithoutText(t *testing.T) {
	req := require.New(t)
	service, database := setup(t, DefaultConfig())
	service.Start()

	service.RoomCreated("R1")
	service.MemberJoined("R1", "a", 1)
	service.DocumentReplaced("R1", "a", "secret document", 0)
	service.MemberLeft("R1", "a", 0)
	service.RoomDiscarded("R1")
	service.Stop()

	events, err := database.ListEvents("R1", 10, 0)
	req.NoError(err)
	req.Len(events, 5)
	req.Equal(db.EventRoomDiscarded, events[0].Kind)

	updated := events[2]
	req.Equal(db.EventUpdated, updated.Kind)
	req.Equal(room.HashContent("secret document"), updated.ContentHash)
	req.Equal(len("secret document"), updated.ContentLength)

	stored, err := database.GetRoom("R1")
	req.NoError(err)
	req.Equal(1, stored.TotalJoins)
	req.Equal(1, stored.TotalUpdates)
}

func TestJournalDropsWhenQueueFull(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 1
	service, _ := setup(t, config)

	// not started, so nothing drains the queue
	service.RoomCreated("R1")
	service.RoomCreated("R2")
	service.RoomCreated("R3")

	require.Equal(t, int64(2), service.Dropped())
}

func TestJournalPrunesOldEvents(t *testing.T) {
	req := require.New(t)
	config := DefaultConfig()
	config.Retention = time.Hour
	service, database := setup(t, config)

	req.NoError(database.InsertEvents([]db.Event{
		{RoomID: "R1", Kind: db.EventRoomCreated, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{RoomID: "R2", Kind: db.EventRoomCreated, CreatedAt: time.Now()},
	}))

	deleted, err := service.PruneNow()
	req.NoError(err)
	req.Equal(int64(1), deleted)

	stats, err := database.GetStats()
	req.NoError(err)
	req.Equal(1, stats.RoomCount)
}

func TestJournalAsRegistryObserver(t *testing.T) {
	req := require.New(t)
	service, database := setup(t, DefaultConfig())
	service.Start()

	registry := room.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), room.WithObserver(service))
	member := &stubMember{id: "a"}
	_, err := registry.Join("R1", member)
	req.NoError(err)
	req.NoError(registry.Leave("R1", member))
	service.Stop()

	count, err := database.GetEventCount("R1")
	req.NoError(err)
	req.Equal(4, count)
}

type stubMember struct{ id string }

func (m *stubMember) ID() string          { return m.id }
func (m *stubMember) Deliver([]byte) bool { return true }
func (m *stubMember) Evict()              {}
