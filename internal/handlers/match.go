// internal/handlers/match.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/geovox/geovox/internal/auth"
	"github.com/geovox/geovox/internal/match"
)

// CreateMatchHandler handles POST /match/create: allocates a fresh match in
// the waiting state and returns its id and public join code.
func CreateMatchHandler(logger *logrus.Logger, svc *match.Service, keys *auth.Keys) http.HandlerFunc {
	type response struct {
		ID   string `json:"id"`
		Code string `json:"code"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Resolving the session here means the creator can immediately open
		// the websocket with the same identity.
		if _, err := EnsureGuestSession(keys, w, r); err != nil {
			logger.Warnf("guest session resolution failed: %v", err)
			http.Error(w, "could not establish session", http.StatusInternalServerError)
			return
		}

		m, err := svc.CreateMatch(r.Context())
		if err != nil {
			logger.Errorf("match creation failed: %v", err)
			http.Error(w, "could not create match", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response{ID: m.ID.String(), Code: m.Code}); err != nil {
			logger.Warnf("failed to encode create-match response: %v", err)
		}
	}
}
