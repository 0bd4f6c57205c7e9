package journal

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/codepad/internal/db"
	"github.com/manpreetbhatti/codepad/internal/room"
)

type Config struct {
	Retention     time.Duration
	PruneInterval time.Duration
	FlushInterval time.Duration
	QueueSize     int
	BatchSize     int
}

func DefaultConfig() Config {
	return Config{
		Retention:     7 * 24 * time.Hour,
		PruneInterval: 10 * time.Minute,
		FlushInterval: time.Second,
		QueueSize:     4096,
		BatchSize:     128,
	}
}

// Service records room activity to the database off the hot path. Room
// callbacks enqueue without blocking; when the queue is full events are
// dropped and counted.
type Service struct {
	database *db.Database
	config   Config
	log      *slog.Logger
	events   chan db.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64
	now      func() time.Time
}

var _ room.Observer = (*Service)(nil)

func New(database *db.Database, config Config, log *slog.Logger) *Service {
	return &Service{
		database: database,
		config:   config,
		log:      log,
		events:   make(chan db.Event, config.QueueSize),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("Journal started", "retention", s.config.Retention, "prune_interval", s.config.PruneInterval)
}

// Stop flushes queued events and waits for the writer to exit
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("Journal stopped", "dropped", s.dropped.Load())
}

// Dropped reports how many events were discarded because the queue was full
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Service) run() {
	defer s.wg.Done()

	flush := time.NewTicker(s.config.FlushInterval)
	defer flush.Stop()
	prune := time.NewTicker(s.config.PruneInterval)
	defer prune.Stop()

	s.pruneNow()

	batch := make([]db.Event, 0, s.config.BatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.database.InsertEvents(batch); err != nil {
			s.log.Error("Journal: failed to write events", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stop:
			for {
				select {
				case e := <-s.events:
					batch = append(batch, e)
				default:
					write()
					return
				}
			}
		case e := <-s.events:
			batch = append(batch, e)
			if len(batch) >= s.config.BatchSize {
				write()
			}
		case <-flush.C:
			write()
		case <-prune.C:
			s.pruneNow()
		}
	}
}

func (s *Service) pruneNow() {
	deleted, err := s.PruneNow()
	if err != nil {
		s.log.Error("Journal: prune failed", "error", err)
		return
	}
	if deleted > 0 {
		s.log.Info("Journal pruned", "events", deleted)
	}
}

// PruneNow deletes events older than the retention window
func (s *Service) PruneNow() (int64, error) {
	return s.database.DeleteEventsBefore(s.now().Add(-s.config.Retention))
}

func (s *Service) enqueue(e db.Event) {
	e.CreatedAt = s.now().UTC()
	select {
	case s.events <- e:
	default:
		if s.dropped.Add(1)%1000 == 1 {
			s.log.Warn("Journal queue full, dropping events", "dropped", s.dropped.Load())
		}
	}
}

func (s *Service) RoomCreated(roomID string) {
	s.enqueue(db.Event{RoomID: roomID, Kind: db.EventRoomCreated})
}

func (s *Service) RoomDiscarded(roomID string) {
	s.enqueue(db.Event{RoomID: roomID, Kind: db.EventRoomDiscarded})
}

func (s *Service) MemberJoined(roomID, memberID string, members int) {
	s.enqueue(db.Event{RoomID: roomID, SessionID: memberID, Kind: db.EventJoined, Members: members})
}

func (s *Service) MemberLeft(roomID, memberID string, members int) {
	s.enqueue(db.Event{RoomID: roomID, SessionID: memberID, Kind: db.EventLeft, Members: members})
}

// DocumentReplaced records the document's hash and size, never its text
func (s *Service) DocumentReplaced(roomID, memberID, document string, recipients int) {
	s.enqueue(db.Event{
		RoomID:        roomID,
		SessionID:     memberID,
		Kind:          db.EventUpdated,
		ContentHash:   room.HashContent(document),
		ContentLength: len(document),
		Recipients:    recipients,
	})
}
