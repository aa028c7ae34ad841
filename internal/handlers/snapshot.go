package handlers

import (
	"net/http"
	"strconv"

	"github.com/eldtechnologies/arena/internal/room"
)

// AgentSnapshot returns a room's cursor, counters and messages after since.
// summary=1 returns the compacted view.
func (h *Handler) AgentSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	roomID, err := room.Resolve(q.Get("roomId"), room.DefaultID)
	if err != nil {
		h.Fail(w, err)
		return
	}

	var since int64
	if v := q.Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			since = n
		}
	}

	ctx := r.Context()
	if err := h.messages.RequireRoom(ctx, roomID); err != nil {
		h.Fail(w, err)
		return
	}

	if q.Get("summary") == "1" {
		sum, err := h.messages.SummarizedSnapshot(ctx, roomID, since)
		if err != nil {
			h.Fail(w, err)
			return
		}
		h.JSON(w, http.StatusOK, sum)
		return
	}

	snap, err := h.messages.GetSnapshot(ctx, roomID, since)
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, snap)
}
