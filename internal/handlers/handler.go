package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/alerts"
	"github.com/eldtechnologies/arena/internal/api/middleware"
	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/integrity"
	"github.com/eldtechnologies/arena/internal/lock"
	"github.com/eldtechnologies/arena/internal/messages"
	"github.com/eldtechnologies/arena/internal/registry"
	"github.com/eldtechnologies/arena/internal/room"
	"github.com/eldtechnologies/arena/internal/store"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 10 * 1024

var (
	errBodyTooLarge = errors.New("body_too_large")
	errInvalidJSON  = errors.New("invalid_json")
)

// Runtime is the server's own identity, checked against callback bodies.
type Runtime struct {
	InstanceID string `json:"instanceId"`
	RuntimeEnv string `json:"runtimeEnv"`
	Port       int    `json:"port"`
}

// Options holds the handler dependencies.
type Options struct {
	KV            store.KV
	Messages      *messages.Store
	Auth          *auth.State
	Alerts        *alerts.Center
	Monitor       *integrity.Monitor
	Registry      *registry.Registry
	Archive       store.ReportStore // optional
	Runtime       Runtime
	AdminUser     string
	AdminPassHash []byte
	Logger        zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	kv        store.KV
	messages  *messages.Store
	auth      *auth.State
	alerts    *alerts.Center
	monitor   *integrity.Monitor
	registry  *registry.Registry
	archive   store.ReportStore
	runtime   Runtime
	adminUser string
	adminHash []byte
	hub       *Hub
	logger    zerolog.Logger
}

// NewHandler creates a Handler and subscribes its WebSocket hub to appends.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		kv:        opts.KV,
		messages:  opts.Messages,
		auth:      opts.Auth,
		alerts:    opts.Alerts,
		monitor:   opts.Monitor,
		registry:  opts.Registry,
		archive:   opts.Archive,
		runtime:   opts.Runtime,
		adminUser: opts.AdminUser,
		adminHash: opts.AdminPassHash,
		hub:       NewHub(opts.Logger),
		logger:    opts.Logger.With().Str("component", "http").Logger(),
	}
	h.messages.OnAppend(h.hub.Broadcast)
	return h
}

// Hub returns the WebSocket hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps err to its wire code and status.
func (h *Handler) Fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	h.Error(w, status, code)
}

var sentinels = []struct {
	err    error
	status int
}{
	{errBodyTooLarge, http.StatusRequestEntityTooLarge},
	{errInvalidJSON, http.StatusBadRequest},
	{room.ErrInvalidRoomID, http.StatusBadRequest},
	{messages.ErrCannotDeleteDefault, http.StatusBadRequest},
	{messages.ErrRoomNotFound, http.StatusNotFound},
	{messages.ErrRoomExists, http.StatusConflict},
	{alerts.ErrMissingAlertID, http.StatusBadRequest},
	{auth.ErrIdentityMismatch, http.StatusForbidden},
	{auth.ErrUnauthorized, http.StatusUnauthorized},
	{auth.ErrTokenExpired, http.StatusForbidden},
	{auth.ErrInvalidJTI, http.StatusUnauthorized},
	{auth.ErrJTIReused, http.StatusUnauthorized},
	{auth.ErrInvalidSession, http.StatusUnauthorized},
	{auth.ErrSessionExpired, http.StatusUnauthorized},
	{auth.ErrRoomMismatch, http.StatusForbidden},
	{lock.ErrLockBusy, http.StatusConflict},
	{store.ErrUnavailable, http.StatusServiceUnavailable},
}

func classify(err error) (int, string) {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.status, s.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// decode reads a bounded JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return errInvalidJSON
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errInvalidJSON
	}
	return nil
}

// sanitizeName trims, strips control characters and limits name to limit runes.
func sanitizeName(name string, limit int) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	if runes := []rune(name); len(runes) > limit {
		name = strings.TrimSpace(string(runes[:limit]))
	}
	return name
}

// bearer returns the Authorization header when the request carries one.
func bearer(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	return v, v != ""
}

// authFail writes a bearer authentication failure.
func authFail(w http.ResponseWriter, err error) {
	middleware.AuthError(w, err)
}
