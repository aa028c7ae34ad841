// Package arena provides an HTTP client and a realtime listener for the
// arena room server.
package arena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eldtechnologies/arena/internal/models"
)

// DefaultRoom is the room used when none is given.
const DefaultRoom = "default"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("arena error %d: %s", e.Status, e.Code)
}

// Client is an arena API client. The credential pair is the server's callback
// credential, sent as a bearer token.
type Client struct {
	BaseURL       string
	InvocationID  string
	CallbackToken string

	// Runtime identity echoed on callbacks so the server can reject
	// posts meant for another deployment. Empty fields are not checked.
	InstanceID string
	RuntimeEnv string
	TargetPort int

	HTTPClient *http.Client
}

// NewClient creates a new arena client.
func NewClient(baseURL, invocationID, callbackToken string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	return &Client{
		BaseURL:       baseURL,
		InvocationID:  invocationID,
		CallbackToken: callbackToken,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) bearer() string {
	if c.InvocationID == "" || c.CallbackToken == "" {
		return ""
	}
	return "Bearer " + c.InvocationID + ":" + c.CallbackToken
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, authed bool, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if b := c.bearer(); b != "" {
			req.Header.Set("Authorization", b)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{Status: resp.StatusCode, Code: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HealthResponse is the server health payload.
type HealthResponse struct {
	Status string `json:"status"`
	Checks map[string]struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	} `json:"checks"`
}

// Health checks server health. A degraded server answers 503 with a body,
// which is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, false, &resp)
	return &resp, err
}

func snapshotPath(roomID string, since int64, summary bool) string {
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("since", strconv.FormatInt(since, 10))
	if summary {
		q.Set("summary", "1")
	}
	return "/api/agent-snapshot?" + q.Encode()
}

// Snapshot fetches the room's messages after since with its counters.
func (c *Client) Snapshot(ctx context.Context, roomID string, since int64) (models.Snapshot, error) {
	var snap models.Snapshot
	err := c.doRequest(ctx, http.MethodGet, snapshotPath(roomID, since, false), nil, true, &snap)
	return snap, err
}

// SummarizedSnapshot fetches the compacted snapshot view.
func (c *Client) SummarizedSnapshot(ctx context.Context, roomID string, since int64) (models.SnapshotSummary, error) {
	var sum models.SnapshotSummary
	err := c.doRequest(ctx, http.MethodGet, snapshotPath(roomID, since, true), nil, true, &sum)
	return sum, err
}

// PostMessageRequest is the callback body.
type PostMessageRequest struct {
	Content        string `json:"content"`
	From           string `json:"from"`
	RoomID         string `json:"roomId"`
	IdempotencyKey string `json:"idempotencyKey"`
	InstanceID     string `json:"instanceId,omitempty"`
	RuntimeEnv     string `json:"runtimeEnv,omitempty"`
	TargetPort     int    `json:"targetPort,omitempty"`
}

// PostMessageResponse is the callback result. Status is "ok" or "silent".
type PostMessageResponse struct {
	Status  string `json:"status"`
	Seq     int64  `json:"seq,omitempty"`
	Deduped bool   `json:"deduped,omitempty"`
}

// PostMessage posts as agent through the callback endpoint. Repeating a call
// with the same idempotency key returns the original seq.
func (c *Client) PostMessage(ctx context.Context, roomID, from, content, idempotencyKey string) (*PostMessageResponse, error) {
	req := PostMessageRequest{
		Content:        content,
		From:           from,
		RoomID:         roomID,
		IdempotencyKey: idempotencyKey,
		InstanceID:     c.InstanceID,
		RuntimeEnv:     c.RuntimeEnv,
		TargetPort:     c.TargetPort,
	}
	var resp PostMessageResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/callbacks/post-message", req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachResult reports whether usage was attached and to which message.
type AttachResult struct {
	Attached bool  `json:"attached"`
	Seq      int64 `json:"seq,omitempty"`
}

// AttachUsage attaches token accounting to the agent's latest reply.
func (c *Client) AttachUsage(ctx context.Context, roomID, agent string, usage models.Usage) (*AttachResult, error) {
	body := map[string]interface{}{"roomId": roomID, "agent": agent, "usage": usage}
	var resp AttachResult
	if err := c.doRequest(ctx, http.MethodPost, "/api/usage", body, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WsSession is an issued WebSocket session token.
type WsSession struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	RoomID    string    `json:"roomId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WsToken requests a WebSocket session for roomID. With credentials the
// session has agent identity.
func (c *Client) WsToken(ctx context.Context, roomID string) (*WsSession, error) {
	var resp WsSession
	path := "/api/ws-token?roomId=" + url.QueryEscape(roomID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomsResponse lists rooms.
type RoomsResponse struct {
	Rooms []models.Room `json:"rooms"`
	Count int           `json:"count"`
}

// ListRooms lists rooms, fuzzy-filtered by query when it is non-empty.
func (c *Client) ListRooms(ctx context.Context, query string) (*RoomsResponse, error) {
	path := "/api/rooms"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var resp RoomsResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRoom creates a room.
func (c *Client) CreateRoom(ctx context.Context, roomID, title, createdBy string) (*models.Room, error) {
	body := map[string]string{"roomId": roomID, "title": title, "createdBy": createdBy}
	var resp models.Room
	if err := c.doRequest(ctx, http.MethodPost, "/api/rooms", body, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRoom deletes a room.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/rooms?roomId="+url.QueryEscape(roomID), nil, true, nil)
}

// wsURL converts the base URL to the WebSocket endpoint for a session.
func (c *Client) wsURL(roomID, token string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
