package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/arena/internal/alerts"
	"github.com/eldtechnologies/arena/internal/api/middleware"
	"github.com/eldtechnologies/arena/internal/models"
	"github.com/eldtechnologies/arena/internal/registry"
	"github.com/eldtechnologies/arena/internal/store"
)

// AdminSessionTTL is the lifetime of an admin login.
const AdminSessionTTL = 8 * time.Hour

const (
	statusAlertLimit  = 50
	statusReportLimit = 10
)

// LoginRequest represents the admin login body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the admin session token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// StatusResponse is the admin dashboard payload.
type StatusResponse struct {
	Runtime   Runtime                  `json:"runtime"`
	Rooms     []models.Room            `json:"rooms"`
	Alerts    []alerts.Alert           `json:"alerts"`
	Integrity *models.IntegrityReport  `json:"integrity"`
	Reports   []models.IntegrityReport `json:"reports,omitempty"`
	Instances []registry.Instance      `json:"instances"`
	WsClients int                      `json:"wsClients"`
}

// AckRequest acknowledges an alert.
type AckRequest struct {
	ID string `json:"id"`
}

// AdminLogin checks the admin password and issues a session token.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		h.Fail(w, err)
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.adminUser)) == 1
	passErr := bcrypt.CompareHashAndPassword(h.adminHash, []byte(req.Password))
	if !userOK || passErr != nil {
		h.logger.Warn().Str("username", req.Username).Msg("admin login failed")
		h.Error(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token := uuid.NewString()
	if err := h.kv.Set(r.Context(), store.AdminSessionKey(token), h.adminUser, AdminSessionTTL); err != nil {
		h.Fail(w, err)
		return
	}

	expires := time.Now().Add(AdminSessionTTL)
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AdminCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	h.logger.Info().Str("username", req.Username).Msg("admin logged in")
	h.JSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

// AdminLogout revokes the caller's admin session.
func (h *Handler) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.AdminToken(r); token != "" {
		if _, err := h.kv.Del(r.Context(), store.AdminSessionKey(token)); err != nil {
			h.Fail(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:   middleware.AdminCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	h.JSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// AdminStatus returns rooms, alerts, integrity state and live instances.
func (h *Handler) AdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rooms, err := h.messages.ListRooms(ctx)
	if err != nil {
		h.Fail(w, err)
		return
	}
	list, err := h.alerts.List(ctx, statusAlertLimit)
	if err != nil {
		h.Fail(w, err)
		return
	}
	last, err := h.monitor.Last(ctx)
	if err != nil {
		h.Fail(w, err)
		return
	}

	resp := StatusResponse{
		Runtime:   h.runtime,
		Rooms:     rooms,
		Alerts:    list,
		Integrity: last,
		Instances: []registry.Instance{},
	}
	if h.registry != nil {
		if instances, err := h.registry.List(ctx); err == nil {
			resp.Instances = instances
		}
	}
	if h.archive != nil {
		if reports, err := h.archive.RecentReports(ctx, statusReportLimit); err == nil {
			resp.Reports = reports
		} else {
			h.logger.Warn().Err(err).Msg("failed to read archived reports")
		}
	}
	for _, rm := range rooms {
		resp.WsClients += h.hub.Clients(rm.RoomID)
	}

	h.JSON(w, http.StatusOK, resp)
}

// AdminCheck runs the integrity check now.
func (h *Handler) AdminCheck(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.Check(r.Context(), "manual")
	if err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, report)
}

// AdminAckAlert acknowledges an alert by ID.
func (h *Handler) AdminAckAlert(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := decode(w, r, &req); err != nil {
		h.Fail(w, err)
		return
	}
	if err := h.alerts.Ack(r.Context(), req.ID); err != nil {
		h.Fail(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "acked", "id": req.ID})
}
