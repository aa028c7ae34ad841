package middleware

import (
	"net/http"
	"strings"
)

// WSPath is the room stream endpoint.
const WSPath = "/ws"

// SecurityHeaders sets headers for a JSON-only API. Room transcripts,
// snapshots and session tokens are never cacheable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.URL.Path == WSPath || strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size. The WebSocket upgrade carries no
// body; its frames are capped by the connection read limit.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "body_too_large")
				return
			}
			if r.URL.Path != WSPath {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest screens requests before routing. Bodies must be JSON,
// the stream endpoint only accepts WebSocket upgrades, and paths or
// queries carrying traversal or control sequences are refused.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == WSPath {
			if r.Method != http.MethodGet || !isUpgrade(r) {
				jsonError(w, http.StatusUpgradeRequired, "websocket_upgrade_required")
				return
			}
		} else if r.ContentLength != 0 && r.Method != http.MethodGet {
			// Empty POSTs (logout, check) carry no content-type.
			ct := r.Header.Get("Content-Type")
			if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
				jsonError(w, http.StatusUnsupportedMediaType, "content_type_must_be_json")
				return
			}
		}

		if suspicious(r.URL.Path) || suspicious(r.URL.RawQuery) {
			jsonError(w, http.StatusBadRequest, "invalid_request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// suspicious reports traversal and injection sequences. Room ids, cursors
// and session tokens never contain any of them.
func suspicious(input string) bool {
	if input == "" {
		return false
	}
	lower := strings.ToLower(input)
	for _, s := range []string{
		"..",
		"//",
		"%2e%2e",
		"%2f",
		"%00",
		"%0a",
		"%0d",
		"<",
		"%3c",
	} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
