package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/room"
)

// wsReadLimit bounds a single inbound frame.
const wsReadLimit = MaxBodyBytes

// HistoryFrame is sent once on connect.
type HistoryFrame struct {
	Type     string           `json:"type"`
	RoomID   string           `json:"roomId"`
	Messages []models.Message `json:"messages"`
}

// ErrorFrame reports a rejected inbound post.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// InboundPost is a chat post sent by a WebSocket client.
type InboundPost struct {
	From    string `json:"from"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

var clientTypes = map[string]bool{
	models.TypeChat:            true,
	models.TypeApprovalRequest: true,
	models.TypeApproved:        true,
	models.TypeRejected:        true,
}

// WsToken issues a room-scoped WebSocket session. A valid bearer credential
// yields an agent session; no Authorization header yields a human one.
func (h *Handler) WsToken(w http.ResponseWriter, r *http.Request) {
	roomID, err := room.Resolve(r.URL.Query().Get("roomId"), room.DefaultID)
	if err != nil {
		h.Fail(w, err)
		return
	}

	identity := auth.IdentityHuman
	if header, ok := bearer(r); ok {
		if err := h.auth.Authenticate(r.Context(), header); err != nil {
			authFail(w, err)
			return
		}
		identity = auth.IdentityAgent
	}

	h.JSON(w, http.StatusOK, h.auth.IssueWsSession(identity, roomID))
}

// ServeWS streams a room's history and new messages, and accepts chat posts.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID, err := room.Resolve(q.Get("roomId"), room.DefaultID)
	if err != nil {
		h.Fail(w, err)
		return
	}
	sess, err := h.auth.ValidateWsSession(q.Get("token"), roomID)
	if err != nil {
		h.Fail(w, err)
		return
	}

	// Subscribe before reading history so nothing appended in between is lost.
	c := newWsClient(roomID)
	h.hub.add(c)
	defer h.hub.remove(c)

	ctx := r.Context()
	history, err := h.messages.Recent(ctx, roomID, messages.RecentLimit)
	if err != nil {
		h.Fail(w, err)
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	var last int64
	if n := len(history); n > 0 {
		last = history[n-1].Seq
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)
	c.conn = conn

	frame, _ := json.Marshal(HistoryFrame{Type: "history", RoomID: roomID, Messages: history})
	if err := c.write(ctx, frame); err != nil {
		return
	}

	h.logger.Debug().Str("room_id", roomID).Str("identity", string(sess.Identity)).Msg("websocket connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		defer c.close()
		h.readLoop(ctx, c, sess)
	}()

	err = c.writeLoop(ctx, last)
	if err != nil && ctx.Err() == nil {
		h.logger.Debug().Err(err).Str("room_id", roomID).Msg("websocket write failed")
	}
	if c.dropped.Load() {
		conn.Close(websocket.StatusPolicyViolation, "slow consumer")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) readLoop(ctx context.Context, c *wsClient, sess auth.Session) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var in InboundPost
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(c, "invalid_json")
			continue
		}
		if err := h.postFromSocket(ctx, c.roomID, sess, in); err != nil {
			_, code := classify(err)
			h.sendError(c, code)
		}
	}
}

func (h *Handler) postFromSocket(ctx context.Context, roomID string, sess auth.Session, in InboundPost) error {
	if strings.TrimSpace(in.Content) == "" {
		return nil
	}
	typ := strings.TrimSpace(in.Type)
	if !clientTypes[typ] {
		typ = models.TypeChat
	}
	sender, err := auth.ResolveSender(sess.Identity, in.From, h.messages.Roster(), h.messages.DefaultUser())
	if err != nil {
		return err
	}
	_, err = h.messages.AddMessage(ctx, roomID, messages.Post{From: sender, Content: in.Content, Type: typ})
	return err
}

func (h *Handler) sendError(c *wsClient, code string) {
	data, _ := json.Marshal(ErrorFrame{Type: "error", Error: code})
	select {
	case c.send <- outbound{data: data}:
	default:
	}
}
