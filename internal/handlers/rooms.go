package handlers

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
)

const (
	maxTitleRunes     = 60
	maxCreatedByRunes = 30
)

// CreateRoomRequest represents the room creation request.
type CreateRoomRequest struct {
	RoomID    string `json:"roomId"`
	Title     string `json:"title"`
	CreatedBy string `json:"createdBy"`
}

// RoomsResponse lists rooms.
type RoomsResponse struct {
	Rooms []models.Room `json:"rooms"`
	Count int           `json:"count"`
}

// ListRooms returns all rooms, filtered by the optional q query.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.messages.ListRooms(r.Context())
	if err != nil {
		h.Fail(w, err)
		return
	}

	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		filtered := rooms[:0]
		for _, rm := range rooms {
			if room.FuzzyMatch(rm.RoomID, q) || room.FuzzyMatch(rm.Title, q) {
				filtered = append(filtered, rm)
			}
		}
		rooms = filtered
	}
	if rooms == nil {
		rooms = []models.Room{}
	}

	h.JSON(w, http.StatusOK, RoomsResponse{Rooms: rooms, Count: len(rooms)})
}

// CreateRoom creates a room bound to this server instance.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decode(w, r, &req); err != nil {
		h.Fail(w, err)
		return
	}

	roomID, err := room.Resolve(req.RoomID, "")
	if err != nil {
		h.Fail(w, err)
		return
	}

	createdBy := sanitizeName(req.CreatedBy, maxCreatedByRunes)
	if createdBy == "" {
		createdBy = h.messages.DefaultUser()
	}

	rm, err := h.messages.CreateRoom(r.Context(), roomID, models.RoomMeta{
		Title:           sanitizeName(req.Title, maxTitleRunes),
		CreatedBy:       createdBy,
		BoundInstanceID: h.runtime.InstanceID,
	})
	if err != nil {
		h.Fail(w, err)
		return
	}

	h.logger.Info().Str("room_id", roomID).Str("created_by", createdBy).Msg("room created")
	h.JSON(w, http.StatusCreated, rm)
}

// DeleteRoom removes a room, its substrate keys and its backup-log lines.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := room.Resolve(r.URL.Query().Get("roomId"), "")
	if err != nil {
		h.Fail(w, err)
		return
	}

	ctx := r.Context()
	if err := h.messages.RequireRoom(ctx, roomID); err != nil {
		h.Fail(w, err)
		return
	}
	if err := h.messages.DeleteRoom(ctx, roomID); err != nil {
		h.Fail(w, err)
		return
	}

	h.JSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "roomId": roomID})
}
