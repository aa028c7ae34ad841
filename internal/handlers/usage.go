package handlers

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
)

// UsageRequest attaches token accounting to an agent's latest reply.
type UsageRequest struct {
	RoomID string       `json:"roomId"`
	Agent  string       `json:"agent"`
	Usage  models.Usage `json:"usage"`
}

// AttachUsage handles POST /api/usage.
func (h *Handler) AttachUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := decode(w, r, &req); err != nil {
		h.Fail(w, err)
		return
	}

	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		h.Error(w, http.StatusBadRequest, "missing_agent")
		return
	}
	roomID, err := room.Resolve(req.RoomID, room.DefaultID)
	if err != nil {
		h.Fail(w, err)
		return
	}

	ctx := r.Context()
	if err := h.messages.RequireRoom(ctx, roomID); err != nil {
		h.Fail(w, err)
		return
	}

	res, err := h.messages.AttachUsage(ctx, roomID, agent, req.Usage)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, res)
}
