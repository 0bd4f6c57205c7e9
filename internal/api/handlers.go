package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manpreetbhatti/codepad/internal/db"
	"github.com/manpreetbhatti/codepad/internal/room"
	"github.com/manpreetbhatti/codepad/internal/ws"
	"github.com/samber/lo"
)

type API struct {
	hub      *ws.Hub
	database *db.Database
	log      *slog.Logger
}

// New builds the HTTP API. database may be nil when the journal is disabled.
func New(hub *ws.Hub, database *db.Database, log *slog.Logger) *API {
	return &API{
		hub:      hub,
		database: database,
		log:      log,
	}
}

// Routes mounts every handler on mux
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.HealthHandler)
	mux.HandleFunc("/api/stats", a.StatsHandler)
	mux.HandleFunc("/api/rooms", a.RoomsRouter)
	mux.HandleFunc("/api/rooms/", a.RoomsRouter)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error("Error encoding JSON response", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats := map[string]any{
		"active_rooms":    a.hub.GetRoomCount(),
		"active_clients":  a.hub.GetClientCount(),
		"joined_sessions": a.hub.Registry().MemberCount(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_updates"] = dbStats.TotalUpdates
			stats["total_events"] = dbStats.EventCount
		} else {
			a.log.Warn("Failed to read journal stats", "error", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string     `json:"id"`
	Active       bool       `json:"active"`
	Members      int        `json:"members"`
	MemberIDs    []string   `json:"member_ids,omitempty"`
	Length       int        `json:"length"`
	ContentHash  string     `json:"content_hash,omitempty"`
	FirstSeen    *time.Time `json:"first_seen,omitempty"`
	LastActive   *time.Time `json:"last_active,omitempty"`
	TotalJoins   int        `json:"total_joins,omitempty"`
	TotalUpdates int        `json:"total_updates,omitempty"`
}

func fromInfo(info room.Info) RoomResponse {
	return RoomResponse{
		ID:          info.ID,
		Active:      true,
		Members:     info.Members,
		Length:      info.Length,
		ContentHash: info.ContentHash,
	}
}

func (resp *RoomResponse) withHistory(stored *db.Room) {
	if stored == nil {
		return
	}
	resp.FirstSeen = lo.ToPtr(stored.FirstSeen)
	resp.LastActive = lo.ToPtr(stored.LastActive)
	resp.TotalJoins = stored.TotalJoins
	resp.TotalUpdates = stored.TotalUpdates
}

func pagination(r *http.Request, fallback int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = fallback
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListRoomsHandler lists live rooms and, with the journal enabled, the
// most recently active rooms it remembers
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	active := lo.Map(a.hub.Registry().Rooms(), func(info room.Info, _ int) RoomResponse {
		return fromInfo(info)
	})

	response := map[string]any{"rooms": active}

	if a.database != nil {
		limit, offset := pagination(r, 20)
		stored, err := a.database.ListRooms(limit, offset)
		if err != nil {
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}

		live := lo.SliceToMap(active, func(resp RoomResponse) (string, bool) { return resp.ID, true })
		response["recent"] = lo.Map(stored, func(s db.Room, _ int) RoomResponse {
			resp := RoomResponse{ID: s.ID, Active: live[s.ID]}
			resp.withHistory(&s)
			return resp
		})
		response["limit"] = limit
		response["offset"] = offset
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	var resp RoomResponse
	found := false

	if rm := a.hub.Registry().Room(roomID); rm != nil {
		resp = fromInfo(rm.Info())
		resp.MemberIDs = rm.MemberIDs()
		found = true
	}

	if a.database != nil {
		stored, err := a.database.GetRoom(roomID)
		if err != nil {
			a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
			return
		}
		if stored != nil {
			resp.ID = roomID
			resp.withHistory(stored)
			found = true
		}
	}

	if !found {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	a.jsonResponse(w, http.StatusOK, resp)
}

func (a *API) ListEventsHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if a.database == nil {
		a.errorResponse(w, http.StatusNotFound, "Journal is disabled")
		return
	}

	total, err := a.database.GetEventCount(roomID)
	if err != nil {
		a.log.Warn("Failed to count journal events", "room", roomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to count events")
		return
	}

	limit, offset := pagination(r, 50)
	events, err := a.database.ListEvents(roomID, limit, offset)
	if err != nil {
		a.log.Warn("Failed to list journal events", "room", roomID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"events": lo.Ternary(events == nil, []db.Event{}, events),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	// /api/rooms
	if path == "" {
		a.ListRoomsHandler(w, r)
		return
	}

	// /api/rooms/{id}/events
	if roomID, ok := strings.CutSuffix(path, "/events"); ok && roomID != "" {
		a.ListEventsHandler(w, r, roomID)
		return
	}

	// /api/rooms/{id}
	a.GetRoomHandler(w, r, path)
}
