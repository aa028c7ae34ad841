package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
)

// IdempotencyTTL is how long a callback's seq is remembered.
const IdempotencyTTL = 10 * time.Minute

const claimPending = "pending"

// PostMessageRequest is the agent callback body.
type PostMessageRequest struct {
	Content        string     `json:"content"`
	From           string     `json:"from"`
	RoomID         string     `json:"roomId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	InstanceID     string     `json:"instanceId"`
	RuntimeEnv     string     `json:"runtimeEnv"`
	TargetPort     portNumber `json:"targetPort"`
}

// PostMessageResponse is the callback result.
type PostMessageResponse struct {
	Status  string `json:"status"`
	Seq     int64  `json:"seq,omitempty"`
	Deduped bool   `json:"deduped,omitempty"`
}

// portNumber accepts a port as a JSON number or string.
type portNumber int

func (p *portNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*p = portNumber(n)
	return nil
}

// envMatches rejects callbacks not addressed to this deployment. All three
// runtime fields are required.
func (h *Handler) envMatches(req PostMessageRequest) bool {
	return req.InstanceID == h.runtime.InstanceID &&
		req.RuntimeEnv == h.runtime.RuntimeEnv &&
		int(req.TargetPort) == h.runtime.Port
}

// PostMessage handles the agent callback.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decode(w, r, &req); err != nil {
		h.Fail(w, err)
		return
	}

	if strings.TrimSpace(req.RoomID) == "" {
		h.Error(w, http.StatusBadRequest, "missing_room_id")
		return
	}
	roomID, err := room.Resolve(req.RoomID, "")
	if err != nil {
		h.Fail(w, err)
		return
	}

	if !h.envMatches(req) {
		h.logger.Warn().
			Str("room_id", roomID).
			Str("instance_id", req.InstanceID).
			Str("runtime_env", req.RuntimeEnv).
			Int("target_port", int(req.TargetPort)).
			Msg("callback rejected: env mismatch")
		h.reject(w, http.StatusConflict, "env_mismatch")
		return
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey == "" {
		h.Error(w, http.StatusBadRequest, "missing_idempotency_key")
		return
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		h.JSON(w, http.StatusOK, PostMessageResponse{Status: "silent"})
		return
	}

	if strings.TrimSpace(req.From) == "" {
		h.Error(w, http.StatusBadRequest, "missing_from")
		return
	}
	sender, err := auth.ResolveSender(auth.IdentityAgent, req.From, h.messages.Roster(), h.messages.DefaultUser())
	if err != nil {
		h.Fail(w, err)
		return
	}

	ctx := r.Context()
	if err := h.messages.RequireRoom(ctx, roomID); err != nil {
		h.Fail(w, err)
		return
	}

	invocationID, _, _, _ := auth.ParseBearer(r.Header.Get("Authorization"))
	claimKey := store.IdempotencyKey(roomID, invocationID, idemKey)

	claimed, err := h.kv.SetNX(ctx, claimKey, claimPending, IdempotencyTTL)
	switch {
	case errors.Is(err, store.ErrUnavailable):
		// Posting still works from the backup log; dedup does not.
		h.logger.Warn().Str("room_id", roomID).Msg("idempotency claim skipped: substrate unavailable")
		claimKey = ""
	case err != nil:
		h.Fail(w, err)
		return
	case !claimed:
		h.replayCallback(w, r, claimKey)
		return
	}

	release := func() {
		if claimKey != "" {
			h.kv.Del(ctx, claimKey)
		}
	}

	blocked, err := h.messages.BlocksStatusLoop(ctx, roomID, sender, content)
	if err != nil {
		release()
		h.Fail(w, err)
		return
	}
	if blocked {
		release()
		h.reject(w, http.StatusConflict, "status_without_progress")
		return
	}

	msg, err := h.messages.AddMessage(ctx, roomID, messages.Post{From: sender, Content: content})
	if err != nil {
		release()
		h.Fail(w, err)
		return
	}

	if claimKey != "" {
		if err := h.kv.Set(ctx, claimKey, strconv.FormatInt(msg.Seq, 10), IdempotencyTTL); err != nil {
			h.logger.Warn().Err(err).Str("room_id", roomID).Msg("failed to record idempotency result")
		}
	}

	h.JSON(w, http.StatusOK, PostMessageResponse{Status: "ok", Seq: msg.Seq})
}

// replayCallback answers a repeated idempotency key from the stored seq.
func (h *Handler) replayCallback(w http.ResponseWriter, r *http.Request, claimKey string) {
	v, ok, err := h.kv.Get(r.Context(), claimKey)
	if err != nil {
		h.Fail(w, err)
		return
	}
	seq, perr := strconv.ParseInt(v, 10, 64)
	if !ok || perr != nil {
		h.reject(w, http.StatusConflict, "idempotency_in_progress")
		return
	}
	metrics.CallbacksDeduped.Inc()
	h.JSON(w, http.StatusOK, PostMessageResponse{Status: "ok", Seq: seq, Deduped: true})
}

func (h *Handler) reject(w http.ResponseWriter, status int, code string) {
	metrics.CallbacksRejected.WithLabelValues(code).Inc()
	h.Error(w, status, code)
}

var _ json.Unmarshaler = (*portNumber)(nil)
