package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/marionet/internal/interfaces"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// DecodeJSON decodes the request body into out, writing a 400 on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// PathSuffix returns the path segment after the given prefix, or "" when the
// request does not match.
func PathSuffix(r *http.Request, prefix string) string {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims attaches the verified identity to the request context.
func WithClaims(ctx context.Context, claims *interfaces.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom returns the verified identity, or nil when unauthenticated.
func ClaimsFrom(ctx context.Context) *interfaces.Claims {
	claims, _ := ctx.Value(claimsKey).(*interfaces.Claims)
	return claims
}

// RequireUser extracts the authenticated user id, writing a 401 when absent.
func RequireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := ClaimsFrom(r.Context())
	if claims == nil || claims.UserID == "" {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return claims.UserID, true
}
