package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// EventKind names a room lifecycle event
type EventKind string

const (
	EventRoomCreated   EventKind = "room_created"
	EventRoomDiscarded EventKind = "room_discarded"
	EventJoined        EventKind = "joined"
	EventLeft          EventKind = "left"
	EventUpdated       EventKind = "updated"
)

// Database is the activity journal. It records room metadata and events
// only; document text is never written.
type Database struct {
	db *sql.DB
}

type Room struct {
	ID           string    `json:"id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastActive   time.Time `json:"last_active"`
	TotalJoins   int       `json:"total_joins"`
	TotalUpdates int       `json:"total_updates"`
}

type Event struct {
	ID            int       `json:"id"`
	RoomID        string    `json:"room_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Kind          EventKind `json:"kind"`
	Members       int       `json:"members"`
	ContentHash   string    `json:"content_hash,omitempty"`
	ContentLength int       `json:"content_length"`
	Recipients    int       `json:"recipients"`
	CreatedAt     time.Time `json:"created_at"`
}

type Stats struct {
	RoomCount    int `json:"room_count"`
	EventCount   int `json:"event_count"`
	TotalUpdates int `json:"total_updates"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		first_seen DATETIME NOT NULL,
		last_active DATETIME NOT NULL,
		total_joins INTEGER NOT NULL DEFAULT 0,
		total_updates INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		members INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		content_length INTEGER NOT NULL DEFAULT 0,
		recipients INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_room_events_created_at ON room_events(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// InsertEvents writes a batch of events and folds them into the rooms table
// in one transaction
func (d *Database) InsertEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		// timestamps compare as text, so keep every row in UTC
		e.CreatedAt = e.CreatedAt.UTC()

		joins, updates := 0, 0
		switch e.Kind {
		case EventJoined:
			joins = 1
		case EventUpdated:
			updates = 1
		}

		if _, err := tx.Exec(`
			INSERT INTO rooms (id, first_seen, last_active, total_joins, total_updates)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_active = excluded.last_active,
				total_joins = total_joins + excluded.total_joins,
				total_updates = total_updates + excluded.total_updates
		`, e.RoomID, e.CreatedAt, e.CreatedAt, joins, updates); err != nil {
			return fmt.Errorf("upsert room %s: %w", e.RoomID, err)
		}

		if _, err := tx.Exec(`
			INSERT INTO room_events (room_id, session_id, kind, members, content_hash, content_length, recipients, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.RoomID, e.SessionID, string(e.Kind), e.Members, e.ContentHash, e.ContentLength, e.Recipients, e.CreatedAt); err != nil {
			return fmt.Errorf("insert event for %s: %w", e.RoomID, err)
		}
	}

	return tx.Commit()
}

// Room operations

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, first_seen, last_active, total_joins, total_updates FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.FirstSeen, &room.LastActive, &room.TotalJoins, &room.TotalUpdates)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, first_seen, last_active, total_joins, total_updates FROM rooms ORDER BY last_active DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.FirstSeen, &room.LastActive, &room.TotalJoins, &room.TotalUpdates); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// Event operations

// ListEvents returns a room's events, newest first
func (d *Database) ListEvents(roomID string, limit, offset int) ([]Event, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, session_id, kind, members, content_hash, content_length, recipients, created_at
		FROM room_events
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.ID, &e.RoomID, &e.SessionID, &kind, &e.Members, &e.ContentHash, &e.ContentLength, &e.Recipients, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (d *Database) GetEventCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_events WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// DeleteEventsBefore removes events older than cutoff and rooms with no
// activity since then
func (d *Database) DeleteEventsBefore(cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	result, err := d.db.Exec("DELETE FROM room_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := d.db.Exec("DELETE FROM rooms WHERE last_active < ?", cutoff); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Stats

func (d *Database) GetStats() (Stats, error) {
	var stats Stats
	err := d.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(total_updates), 0) FROM rooms",
	).Scan(&stats.RoomCount, &stats.TotalUpdates)
	if err != nil {
		return Stats{}, err
	}

	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&stats.EventCount); err != nil {
		return Stats{}, err
	}
	return stats, nil
}
