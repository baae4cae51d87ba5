// internal/handlers/session.go
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/geovox/geovox/internal/auth"
)

// EnsureGuestSession resolves the caller to a stable user id. A valid
// auth_token cookie yields the id it carries; otherwise a fresh guest id is
// minted and set as a cookie. The orchestration core never authenticates
// beyond this.
func EnsureGuestSession(keys *auth.Keys, w http.ResponseWriter, r *http.Request) (uuid.UUID, error) {
	cookieHeader := r.Header.Get("Cookie")
	if strings.Contains(cookieHeader, "auth_token=") {
		token := extractCookieToken(cookieHeader, "auth_token")
		sub, err := keys.Verify(token)
		if err == nil {
			id, parseErr := uuid.Parse(sub)
			if parseErr == nil {
				return id, nil
			}
		}
		// Fall through and mint a fresh session on any token problem.
	}

	guestID, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to allocate guest id: %w", err)
	}
	token, err := keys.Mint(guestID.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create guest JWT: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return guestID, nil
}

// extractCookieToken pulls a named cookie value out of a raw Cookie header.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}
