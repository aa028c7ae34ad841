package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/metrics"
	"github.com/eldtechnologies/arena/internal/store"
)

type contextKey string

// AuthModeKey holds how the request was authenticated ("bearer",
// "admin_key" or "admin_session").
const AuthModeKey contextKey = "auth_mode"

// AdminCookie carries the admin session token.
const AdminCookie = "arena_admin_token"

// ErrUnauthorizedAdmin rejects admin requests without any accepted credential.
var ErrUnauthorizedAdmin = errors.New("unauthorized_admin")

// BearerAuth verifies the Authorization header against the process's
// callback credential.
type BearerAuth struct {
	state *auth.State
}

// NewBearerAuth creates the bearer middleware.
func NewBearerAuth(state *auth.State) *BearerAuth {
	return &BearerAuth{state: state}
}

// RequireAuth rejects requests without a valid bearer credential.
func (m *BearerAuth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.state.Authenticate(r.Context(), r.Header.Get("Authorization")); err != nil {
			AuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), AuthModeKey, "bearer")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthError writes the response for a failed authentication.
func AuthError(w http.ResponseWriter, err error) {
	status := AuthStatus(err)
	code := err.Error()
	if status == http.StatusServiceUnavailable {
		code = store.ErrUnavailable.Error()
	}
	metrics.AuthFailures.WithLabelValues(code).Inc()
	jsonError(w, status, code)
}

// AuthStatus maps an authentication error to its HTTP status.
func AuthStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// AdminGate accepts the configured admin key, an admin session issued by
// login, or a valid bearer credential.
type AdminGate struct {
	kv    store.KV
	state *auth.State
	key   string
	user  string
}

// NewAdminGate creates the admin middleware. An empty key disables key access.
func NewAdminGate(kv store.KV, state *auth.State, key, user string) *AdminGate {
	return &AdminGate{kv: kv, state: state, key: strings.TrimSpace(key), user: user}
}

// RequireAdmin rejects requests without an admin credential.
func (g *AdminGate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode, ok := g.check(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, ErrUnauthorizedAdmin.Error())
			return
		}
		ctx := context.WithValue(r.Context(), AuthModeKey, mode)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *AdminGate) check(r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.URL.Query().Get("adminKey"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Admin-Key"))
	}
	if g.key != "" && key == g.key {
		return "admin_key", true
	}

	if token := AdminToken(r); token != "" {
		v, found, err := g.kv.Get(r.Context(), store.AdminSessionKey(token))
		if err == nil && found && v == g.user {
			return "admin_session", true
		}
	}

	if r.Header.Get("Authorization") != "" {
		if err := g.state.Authenticate(r.Context(), r.Header.Get("Authorization")); err == nil {
			return "bearer", true
		}
	}
	return "", false
}

// AdminToken returns the admin session token from the header or cookie.
func AdminToken(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Admin-Token")); t != "" {
		return t
	}
	if c, err := r.Cookie(AdminCookie); err == nil {
		return c.Value
	}
	return ""
}

// AuthMode returns how the request was authenticated, if it was.
func AuthMode(ctx context.Context) string {
	mode, _ := ctx.Value(AuthModeKey).(string)
	return mode
}

// jsonError sends a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
