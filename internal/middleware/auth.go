package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Authenticator resolves a bearer token to the user id it was issued to.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// BearerToken returns the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireAdmin rejects requests without a valid bearer token with 401 and
// stores the token's user id in the context (see GetAdminID). Whether that
// user administers a particular event is decided by the handler.
func RequireAdmin(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				SetErrorCode(r.Context(), "auth_failed")
				writeErrorEnvelope(w, http.StatusUnauthorized, "auth_failed", "Missing bearer token")
				return
			}

			userID, err := auth.Authenticate(token)
			if err != nil {
				SetErrorCode(r.Context(), "auth_failed")
				writeErrorEnvelope(w, http.StatusUnauthorized, "auth_failed", "Invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(SetAdminID(r.Context(), userID)))
		})
	}
}

// writeErrorEnvelope writes {"error":{"code","message"}}, the API error format.
func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string) {
	body, err := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	if err != nil {
		slog.Error("failed to marshal error response", "error", err)
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
